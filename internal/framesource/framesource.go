// Package framesource provides the concrete adapter standing in for the
// external screen/audio capture service: it exposes the two bounded
// producer queues the shadow orchestrator's capture workers drain, plus
// the one-time negotiated resolution promise. A real deployment replaces
// this with a process that actually talks to the platform's screen/audio
// capture APIs and pushes frames onto the same queues; this package only
// guarantees the queue sizing and the negotiation contract.
package framesource

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/shadowcap/recorder/internal/capture"
	"github.com/shadowcap/recorder/internal/logging"
)

var log = logging.L("framesource")

// videoQueueCapacity and audioQueueCapacity bound the producer-side raw
// frame queues: 256 video frames is a little over four seconds at 60 fps;
// the audio queue holds 16 raw frames.
const (
	videoQueueCapacity = 256
	audioQueueCapacity = 16
)

const (
	defaultWidth  = 1920
	defaultHeight = 1080
)

// Source is the default FrameSource implementation: two bounded queues a
// real capture backend pushes frames onto, plus a resolution negotiated
// once from the environment (SHADOWREC_WIDTH/SHADOWREC_HEIGHT override
// the 1920x1080 default — a placeholder for the real display-geometry
// negotiation an actual capture backend would perform).
type Source struct {
	video *capture.Queue[capture.RawVideoFrame]
	audio *capture.Queue[capture.RawAudioFrame]

	// saving reports whether a save is in progress. Producers consult it
	// before enqueueing and drop their frame when it returns true, so the
	// save path sees a quiescent pipeline. Installed once at startup.
	saving atomic.Pointer[func() bool]
}

// New constructs a Source with freshly allocated queues.
func New() *Source {
	return &Source{
		video: capture.NewQueue[capture.RawVideoFrame](videoQueueCapacity),
		audio: capture.NewQueue[capture.RawAudioFrame](audioQueueCapacity),
	}
}

// SetSavingGate installs the callback OfferVideo/OfferAudio consult before
// enqueueing a frame. Typically wired to the orchestrator's IsSaving.
func (s *Source) SetSavingGate(gate func() bool) {
	s.saving.Store(&gate)
}

func (s *Source) savingNow() bool {
	gate := s.saving.Load()
	return gate != nil && (*gate)()
}

// OfferVideo is the producer-side entry point a capture backend pushes raw
// video frames through. The frame is dropped when a save is in progress or
// the queue is full; a full queue is logged at error level since it means
// the consumer side is falling behind.
func (s *Source) OfferVideo(frame capture.RawVideoFrame) bool {
	if s.savingNow() {
		return false
	}
	if !s.video.TryPush(frame) {
		log.Error("raw video queue full, dropping frame; consider raising the queue capacity",
			"timestamp_us", frame.TimestampUs, "dropped_total", s.video.Dropped())
		return false
	}
	return true
}

// OfferAudio is the producer-side entry point for raw audio frames, with
// the same saving-gate and full-queue drop semantics as OfferVideo.
func (s *Source) OfferAudio(frame capture.RawAudioFrame) bool {
	if s.savingNow() {
		return false
	}
	if !s.audio.TryPush(frame) {
		log.Error("raw audio queue full, dropping frame; consider raising the queue capacity",
			"timestamp_us", frame.TimestampUs, "dropped_total", s.audio.Dropped())
		return false
	}
	return true
}

// VideoQueue returns the bounded queue a capture backend pushes raw video
// frames onto.
func (s *Source) VideoQueue() *capture.Queue[capture.RawVideoFrame] {
	return s.video
}

// AudioQueue returns the bounded queue a capture backend pushes raw audio
// frames onto.
func (s *Source) AudioQueue() *capture.Queue[capture.RawAudioFrame] {
	return s.audio
}

// NegotiatedResolution resolves within the caller's context (the shadow
// orchestrator enforces a 5s timeout) to the display resolution
// the video encoder should be built for. The real capture backend would
// query the platform compositor; this stand-in reads an environment
// override or falls back to 1080p.
func (s *Source) NegotiatedResolution(ctx context.Context) (width, height int, err error) {
	select {
	case <-ctx.Done():
		return 0, 0, fmt.Errorf("framesource: negotiation canceled: %w", ctx.Err())
	default:
	}

	width = envInt("SHADOWREC_WIDTH", defaultWidth)
	height = envInt("SHADOWREC_HEIGHT", defaultHeight)
	log.Info("negotiated resolution", "width", width, "height", height)
	return width, height, nil
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn("ignoring invalid resolution override", "key", key, "value", v)
		return fallback
	}
	return n
}
