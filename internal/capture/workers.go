package capture

import (
	"sync"
	"sync/atomic"
	"time"
)

// pollBackoff is the sleep workers take between empty-queue polls.
const pollBackoff = 100 * time.Nanosecond

// videoProcessor is the subset of VideoEncoder the video worker depends
// on; satisfied by *VideoEncoder, faked in tests.
type videoProcessor interface {
	Process(frame RawVideoFrame) error
}

// audioProcessor is the subset of AudioEncoder the audio worker depends on.
type audioProcessor interface {
	Process(frame RawAudioFrame) error
}

// videoThrottle caps encoder load by monotonic timestamp: a frame is
// dropped if it arrives before one frame interval has elapsed since the
// last accepted frame.
type videoThrottle struct {
	frameIntervalUs int64
	lastAcceptedUs  int64
	seen            bool
}

func newVideoThrottle(targetFPS int) *videoThrottle {
	return &videoThrottle{frameIntervalUs: 1_000_000 / int64(targetFPS)}
}

// Accept reports whether a frame at timestampUs should be encoded. The
// first frame is always accepted.
func (t *videoThrottle) Accept(timestampUs int64) bool {
	if !t.seen {
		t.seen = true
		t.lastAcceptedUs = timestampUs
		return true
	}
	if timestampUs < t.lastAcceptedUs+t.frameIntervalUs {
		return false
	}
	t.lastAcceptedUs = timestampUs
	return true
}

// CaptureWorkers runs the two dedicated capture-worker threads: one
// pulling video frames off their bounded queue and throttling by target
// FPS, one pulling audio frames with no throttle. Both poll
// non-blockingly and exit cooperatively on Stop.
type CaptureWorkers struct {
	videoQueue *Queue[RawVideoFrame]
	audioQueue *Queue[RawAudioFrame]

	video videoProcessor
	audio audioProcessor

	throttle *videoThrottle
	metrics  *PipelineMetrics

	stop atomic.Bool
	wg   sync.WaitGroup
}

// NewCaptureWorkers wires the raw-frame queues to the two encoder adapters.
// metrics may be nil.
func NewCaptureWorkers(videoQueue *Queue[RawVideoFrame], audioQueue *Queue[RawAudioFrame], video videoProcessor, audio audioProcessor, targetFPS int, metrics *PipelineMetrics) *CaptureWorkers {
	return &CaptureWorkers{
		videoQueue: videoQueue,
		audioQueue: audioQueue,
		video:      video,
		audio:      audio,
		throttle:   newVideoThrottle(targetFPS),
		metrics:    metrics,
	}
}

// Start spawns both worker goroutines.
func (w *CaptureWorkers) Start() {
	w.wg.Add(2)
	go w.runVideo()
	go w.runAudio()
}

// Stop signals both workers to exit and waits for them to finish their
// current iteration.
func (w *CaptureWorkers) Stop() {
	w.stop.Store(true)
	w.wg.Wait()
}

func (w *CaptureWorkers) runVideo() {
	defer w.wg.Done()
	for !w.stop.Load() {
		frame, ok := w.videoQueue.TryPop()
		if !ok {
			time.Sleep(pollBackoff)
			continue
		}
		if !w.throttle.Accept(frame.TimestampUs) {
			if w.metrics != nil {
				w.metrics.RecordVideoThrottled()
			}
			continue
		}
		if w.metrics != nil {
			w.metrics.RecordVideoCaptured()
		}
		_ = w.video.Process(frame) // per-frame errors are logged by the encoder adapter
	}
}

func (w *CaptureWorkers) runAudio() {
	defer w.wg.Done()
	for !w.stop.Load() {
		frame, ok := w.audioQueue.TryPop()
		if !ok {
			time.Sleep(pollBackoff)
			continue
		}
		if w.metrics != nil {
			w.metrics.RecordAudioCaptured()
		}
		_ = w.audio.Process(frame) // no throttling: the encoder is the rate-limiter
	}
}
