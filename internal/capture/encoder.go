package capture

import (
	"fmt"
	"sync"

	"github.com/shadowcap/recorder/internal/logging"
)

var videoEncLog = logging.L("video_encoder")

// DefaultTargetFPS is the capture worker's throttle target and sizes
// the encoder's output queue.
const DefaultTargetFPS = 60

// videoEncoderBackend is implemented once per hardware variant (NVENC,
// VAAPI). A backend owns the real library encoder handle; VideoEncoder
// only ever talks to it through this contract.
type videoEncoderBackend interface {
	// Process pushes one raw frame into the encoder and returns whatever
	// packets the encoder is ready to emit (zero or more, due to internal
	// reordering/buffering).
	Process(frame RawVideoFrame) ([]EncodedVideoFrame, error)
	// Drain flushes any frames the encoder is holding internally.
	Drain() ([]EncodedVideoFrame, error)
	// Reset destroys and recreates the underlying encoder in place.
	Reset() error
	Close() error
	Name() string
}

type videoBackendFactory func(width, height int, quality Quality) (videoEncoderBackend, error)

var (
	videoBackendsMu sync.Mutex
	videoBackends   = map[string]videoBackendFactory{}
)

// registerHardwareVideoBackend is called from each build-tag-gated backend
// file's init(). Only the backend built into the binary (via -tags
// nvenc|vaapi) ever registers here.
func registerHardwareVideoBackend(variant string, factory videoBackendFactory) {
	videoBackendsMu.Lock()
	defer videoBackendsMu.Unlock()
	videoBackends[variant] = factory
}

// VideoEncoder owns one hardware H.264 encoder instance and the bounded
// output queue downstream consumers drain packets from.
type VideoEncoder struct {
	mu      sync.Mutex
	variant string
	width   int
	height  int
	quality Quality
	backend videoEncoderBackend

	output  *Queue[EncodedVideoFrame]
	metrics *PipelineMetrics
}

// NewVideoEncoder constructs the adapter for the named variant ("nvenc" or
// "vaapi"). It is a fatal error if no backend was registered for that
// variant — the binary must have been built with the matching build tag;
// there is no silent software fallback. metrics may be nil.
func NewVideoEncoder(variant string, width, height int, quality Quality, metrics *PipelineMetrics) (*VideoEncoder, error) {
	videoBackendsMu.Lock()
	factory, ok := videoBackends[variant]
	videoBackendsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("capture: no hardware video encoder registered for variant %q (binary built without the matching build tag)", variant)
	}

	backend, err := factory(width, height, quality)
	if err != nil {
		return nil, fmt.Errorf("capture: init %s video encoder: %w", variant, err)
	}

	return &VideoEncoder{
		variant: variant,
		width:   width,
		height:  height,
		quality: quality,
		backend: backend,
		output:  NewQueue[EncodedVideoFrame](DefaultTargetFPS * 2),
		metrics: metrics,
	}, nil
}

// Process pushes one raw frame through the encoder. Per-frame errors are
// logged and returned for the caller to account for; the pipeline
// continues regardless.
func (v *VideoEncoder) Process(frame RawVideoFrame) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	pkts, err := v.backend.Process(frame)
	if err != nil {
		videoEncLog.Error("frame encode failed", "timestamp_us", frame.TimestampUs, "error", err)
		return err
	}
	v.pushAll(pkts)
	return nil
}

// Lock acquires the encoder's mutex. The save path holds both encoder
// locks (video first, then audio) across drain, mux, and reset so no frame
// can be encoded mid-save; a capture worker calling Process meanwhile
// blocks here until the save completes.
func (v *VideoEncoder) Lock() { v.mu.Lock() }

// Unlock releases the encoder's mutex.
func (v *VideoEncoder) Unlock() { v.mu.Unlock() }

// DrainLocked flushes any packets the encoder is holding internally.
// Caller must hold Lock.
func (v *VideoEncoder) DrainLocked() error {
	pkts, err := v.backend.Drain()
	v.pushAll(pkts)
	return err
}

// ResetLocked drops and recreates the underlying encoder in place (used
// after a save completes). A failure here is fatal: the adapter cannot
// keep encoding without a live encoder handle. Caller must hold Lock.
func (v *VideoEncoder) ResetLocked() error {
	return v.backend.Reset()
}

// Close attempts a final drain (logging, not propagating, any error) before
// releasing the backend, matching the adapter's drop semantics.
func (v *VideoEncoder) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if pkts, err := v.backend.Drain(); err != nil {
		videoEncLog.Error("final drain failed during close", "error", err)
	} else {
		v.pushAll(pkts)
	}
	return v.backend.Close()
}

// TakeOutput returns the bounded queue encoded packets are published to.
func (v *VideoEncoder) TakeOutput() *Queue[EncodedVideoFrame] {
	return v.output
}

// BackendName reports the active backend's name, for logging.
func (v *VideoEncoder) BackendName() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.backend.Name()
}

// pushAll publishes packets to the output queue, logging (not propagating)
// any drop — the sole back-pressure point from consumer to producer.
// Caller must hold v.mu.
func (v *VideoEncoder) pushAll(pkts []EncodedVideoFrame) {
	for _, pkt := range pkts {
		if !v.output.TryPush(pkt) {
			videoEncLog.Error("video output queue full, dropping packet",
				"pts_us", pkt.PtsUs, "dropped_total", v.output.Dropped())
			if v.metrics != nil {
				v.metrics.RecordVideoDropped()
			}
			continue
		}
		if v.metrics != nil {
			v.metrics.RecordVideoEncoded()
		}
	}
}

// qualityParamsFor returns the fixed parameter row for a quality preset.
// Shared with the backend implementations in other files of this package.
func qualityParamsFor(q Quality) qualityParams {
	if p, ok := qualityTable[q]; ok {
		return p
	}
	return qualityTable[QualityMedium]
}
