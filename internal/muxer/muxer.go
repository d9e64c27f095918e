package muxer

import (
	"fmt"

	"github.com/shadowcap/recorder/internal/capture"
	"github.com/shadowcap/recorder/internal/logging"
)

var log = logging.L("muxer")

// Params carries the frame geometry the video stream's codec parameters
// need; everything else (codec IDs, time bases, sample rate/channels) is
// fixed by the encoder adapters and baked in below.
type Params struct {
	Width  int
	Height int
}

// Muxer writes one saved clip to an MP4 file. It holds no state of
// its own between calls: each Save opens, writes, and closes its own
// output container.
type Muxer struct{}

// New constructs a Muxer.
func New() *Muxer {
	return &Muxer{}
}

// Save writes one clip from snapshots of the two rolling buffers.
// videoFrames must be DTS-ascending (VideoBuffer.FramesUpTo);
// audioFrames/audioCaptureTimes must be index-aligned
// (AudioBuffer.Frames/CaptureTimes). Any library error propagates as
// fatal and a partial file may be left on disk; the caller (orchestrator)
// still resets its encoders and buffers regardless of the returned error.
func (m *Muxer) Save(path string, videoFrames []capture.EncodedVideoFrame, lastGOPStart int64, audioFrames []capture.EncodedAudioFrame, audioCaptureTimes []int64, params Params) error {
	p, err := buildPlan(videoFrames, lastGOPStart, audioFrames, audioCaptureTimes)
	if err != nil {
		return fmt.Errorf("muxer: %w", err)
	}

	log.Info("writing clip", "path", path, "video_packets", len(p.video), "audio_packets", len(p.audio))

	if err := writeMP4(path, p, params); err != nil {
		return fmt.Errorf("muxer: %w", err)
	}
	return nil
}
