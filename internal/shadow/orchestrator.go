// Package shadow implements the Shadow Orchestrator: the state
// machine that owns the rolling buffers, encoder adapters, and capture
// workers, and serves save requests by atomically draining encoders,
// invoking the muxer, and resetting everything so capture resumes
// seamlessly.
package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shadowcap/recorder/internal/capture"
	"github.com/shadowcap/recorder/internal/control"
	"github.com/shadowcap/recorder/internal/logging"
	"github.com/shadowcap/recorder/internal/muxer"
)

var log = logging.L("orchestrator")

// negotiationTimeout bounds how long the orchestrator waits for the frame
// source to report its resolution at startup.
const negotiationTimeout = 5 * time.Second

// shadowWorkerBackoff is the sleep taken between empty polls of an encoder
// output queue, mirroring the capture workers' own poll backoff.
const shadowWorkerBackoff = 100 * time.Nanosecond

// FrameSource is the external collaborator the core consumes raw frames
// from: two bounded queues plus a negotiated-resolution promise
// resolved once at startup. The real screen/audio capture service that
// implements this lives outside the capture core.
type FrameSource interface {
	VideoQueue() *capture.Queue[capture.RawVideoFrame]
	AudioQueue() *capture.Queue[capture.RawAudioFrame]
	NegotiatedResolution(ctx context.Context) (width, height int, err error)
}

// ClipMuxer is the subset of *muxer.Muxer the orchestrator depends on, so
// the save path can be exercised against a fake in tests without a real
// libav muxer present.
type ClipMuxer interface {
	Save(path string, videoFrames []capture.EncodedVideoFrame, lastGOPStart int64, audioFrames []capture.EncodedAudioFrame, audioCaptureTimes []int64, params muxer.Params) error
}

// ConfigPolicy reacts to update_config commands. Configuration policy
// lives outside the capture core; the orchestrator only forwards the
// decoded payload.
type ConfigPolicy func(control.UpdateConfigPayload) error

// ModePolicy reacts to change_mode commands; out of core scope.
type ModePolicy func(control.ChangeModePayload) error

// Params bundles the fixed construction parameters the orchestrator needs
// beyond what it negotiates from the frame source.
type Params struct {
	Encoder    string // "nvenc" or "vaapi"
	Quality    capture.Quality
	MaxSeconds uint32
	TargetFPS  int
	OutputDir  string
}

// videoEncoderAdapter is the subset of *capture.VideoEncoder the
// orchestrator depends on; satisfied by *capture.VideoEncoder, faked in
// tests so the save cycle can be exercised without a real
// hardware encoder present.
type videoEncoderAdapter interface {
	Lock()
	Unlock()
	DrainLocked() error
	ResetLocked() error
	Close() error
	TakeOutput() *capture.Queue[capture.EncodedVideoFrame]
}

// audioEncoderAdapter is the subset of *capture.AudioEncoder the
// orchestrator depends on.
type audioEncoderAdapter interface {
	Lock()
	Unlock()
	DrainLocked() error
	ResetLocked() error
	Close() error
	TakeOutput() *capture.Queue[capture.AudioPacket]
}

// videoBufferAdapter is the subset of *capture.VideoBuffer the
// orchestrator depends on.
type videoBufferAdapter interface {
	Insert(dts int64, frame capture.EncodedVideoFrame)
	FramesUpTo(dts int64) []capture.EncodedVideoFrame
	LastGOPStart() (int64, bool)
	Reset()
}

// audioBufferAdapter is the subset of *capture.AudioBuffer the
// orchestrator depends on.
type audioBufferAdapter interface {
	InsertFrame(ptsSamples int64, data []byte)
	InsertCaptureTime(tsUs int64)
	Frames() []capture.EncodedAudioFrame
	CaptureTimes() []int64
	Reset()
}

// captureWorkers is the subset of *capture.CaptureWorkers the
// orchestrator depends on.
type captureWorkers interface {
	Start()
	Stop()
}

// Orchestrator owns the buffers, encoders, and workers, and serves
// save requests.
type Orchestrator struct {
	videoEncoder videoEncoderAdapter
	audioEncoder audioEncoderAdapter
	videoBuffer  videoBufferAdapter
	audioBuffer  audioBufferAdapter
	workers      captureWorkers
	mux          ClipMuxer
	metrics      *capture.PipelineMetrics

	videoParams muxer.Params
	outputDir   string

	saving atomic.Bool
	stop   atomic.Bool

	shadowWG sync.WaitGroup
	shadowMu sync.Mutex // held by the shadow loops around each pop+insert; the save path takes it to exclude stale inserts into a freshly reset buffer
	saveMu   sync.Mutex // Save is synchronous; this enforces it even under concurrent command dispatch

	// Now is overridable in tests; defaults to time.Now.
	Now func() time.Time

	ConfigPolicy ConfigPolicy
	ModePolicy   ModePolicy
}

// New negotiates the frame source's resolution (failing after 5s, which
// aborts startup), constructs the encoder adapters and rolling buffers,
// and wires the capture workers to them. It does not start any
// goroutines; call Start for that.
func New(ctx context.Context, source FrameSource, mux ClipMuxer, p Params) (*Orchestrator, error) {
	negCtx, cancel := context.WithTimeout(ctx, negotiationTimeout)
	defer cancel()

	width, height, err := source.NegotiatedResolution(negCtx)
	if err != nil {
		return nil, fmt.Errorf("shadow: negotiate resolution: %w", err)
	}

	metrics := capture.NewPipelineMetrics()

	videoEnc, err := capture.NewVideoEncoder(p.Encoder, width, height, p.Quality, metrics)
	if err != nil {
		return nil, fmt.Errorf("shadow: init video encoder: %w", err)
	}

	audioEnc, err := capture.NewAudioEncoder(metrics)
	if err != nil {
		videoEnc.Close()
		return nil, fmt.Errorf("shadow: init audio encoder: %w", err)
	}

	maxWindowUs := int64(p.MaxSeconds) * 1_000_000
	videoBuf := capture.NewVideoBuffer(maxWindowUs)
	audioBuf := capture.NewAudioBuffer(maxWindowUs)

	targetFPS := p.TargetFPS
	if targetFPS <= 0 {
		targetFPS = capture.DefaultTargetFPS
	}
	workers := capture.NewCaptureWorkers(source.VideoQueue(), source.AudioQueue(), videoEnc, audioEnc, targetFPS, metrics)

	return &Orchestrator{
		videoEncoder: videoEnc,
		audioEncoder: audioEnc,
		videoBuffer:  videoBuf,
		audioBuffer:  audioBuf,
		workers:      workers,
		mux:          mux,
		metrics:      metrics,
		videoParams:  muxer.Params{Width: width, Height: height},
		outputDir:    p.OutputDir,
		Now:          time.Now,
	}, nil
}

// Metrics returns the pipeline's live throughput counters.
func (o *Orchestrator) Metrics() capture.MetricsSnapshot {
	return o.metrics.Snapshot()
}

// Start spawns the capture workers and the two shadow-copy workers that
// move encoder output into the rolling buffers.
func (o *Orchestrator) Start() {
	o.workers.Start()
	o.shadowWG.Add(2)
	go o.shadowVideoLoop()
	go o.shadowAudioLoop()
}

// Shutdown stops all workers and releases the encoders. No file is
// written. If a save is in progress, Shutdown blocks until it completes
// first: ctrl-c during a save finishes the save, then stops.
func (o *Orchestrator) Shutdown() {
	o.saveMu.Lock()
	o.saveMu.Unlock()

	o.stop.Store(true)
	o.workers.Stop()
	o.shadowWG.Wait()

	if err := o.videoEncoder.Close(); err != nil {
		log.Error("video encoder close failed during shutdown", "error", err)
	}
	if err := o.audioEncoder.Close(); err != nil {
		log.Error("audio encoder close failed during shutdown", "error", err)
	}
}

// shadowVideoLoop moves packets from the video encoder's output queue
// into the rolling video buffer, holding the buffer's lock only for the
// duration of one Insert call.
func (o *Orchestrator) shadowVideoLoop() {
	defer o.shadowWG.Done()
	out := o.videoEncoder.TakeOutput()
	for !o.stop.Load() {
		o.shadowMu.Lock()
		pkt, ok := out.TryPop()
		if ok {
			o.videoBuffer.Insert(pkt.DtsUs, pkt)
		}
		o.shadowMu.Unlock()
		if !ok {
			time.Sleep(shadowWorkerBackoff)
		}
	}
}

// shadowAudioLoop moves packets from the audio encoder's output queue
// into the rolling audio buffer, inserting the frame and its capture time
// together so the two sequences never observe each other out of step.
func (o *Orchestrator) shadowAudioLoop() {
	defer o.shadowWG.Done()
	out := o.audioEncoder.TakeOutput()
	for !o.stop.Load() {
		o.shadowMu.Lock()
		pkt, ok := out.TryPop()
		if ok {
			o.audioBuffer.InsertFrame(pkt.Frame.PtsSamples, pkt.Frame.Data)
			o.audioBuffer.InsertCaptureTime(pkt.CaptureTimeUs)
		}
		o.shadowMu.Unlock()
		if !ok {
			time.Sleep(shadowWorkerBackoff)
		}
	}
}

// IsSaving reports whether a save is currently in progress. Producers
// (the frame source's callbacks) are expected to consult this and drop
// incoming frames rather than enqueue them while true.
func (o *Orchestrator) IsSaving() bool {
	return o.saving.Load()
}

// Save writes one clip: it sets the saving flag so producers
// drop new frames, drains both encoders, drains their output queues into
// the buffers one final time, snapshots both buffers, invokes the muxer,
// and resets both encoders and both buffers regardless of the mux
// outcome. It returns the path written and any mux error — a mux error
// is reported to the caller but does not prevent the reset.
func (o *Orchestrator) Save() (string, error) {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()

	o.saving.Store(true)
	defer o.saving.Store(false)

	// Fixed acquisition order, video then audio then the shadow loops'
	// mutex. Capture workers block on the encoder locks for
	// the duration; producers drop frames on the saving flag above.
	o.videoEncoder.Lock()
	defer o.videoEncoder.Unlock()
	o.audioEncoder.Lock()
	defer o.audioEncoder.Unlock()
	o.shadowMu.Lock()
	defer o.shadowMu.Unlock()

	if err := o.videoEncoder.DrainLocked(); err != nil {
		log.Error("video encoder drain failed during save", "error", err)
	}
	if err := o.audioEncoder.DrainLocked(); err != nil {
		log.Error("audio encoder drain failed during save", "error", err)
	}
	o.drainShadowQueuesOnce()

	lastGOP, haveKeyframe := o.videoBuffer.LastGOPStart()
	var videoFrames []capture.EncodedVideoFrame
	if haveKeyframe {
		videoFrames = o.videoBuffer.FramesUpTo(lastGOP)
	}
	audioFrames := o.audioBuffer.Frames()
	captureTimes := o.audioBuffer.CaptureTimes()

	path := o.clipPath()
	start := o.Now()
	muxErr := o.mux.Save(path, videoFrames, lastGOP, audioFrames, captureTimes, o.videoParams)
	o.metrics.RecordSave(o.Now().Sub(start), muxErr)
	if muxErr != nil {
		log.Error("mux failed, partial file may remain on disk", "path", path, "error", muxErr)
	}

	if err := o.videoEncoder.ResetLocked(); err != nil {
		log.Error("video encoder reset failed after save", "error", err)
	}
	if err := o.audioEncoder.ResetLocked(); err != nil {
		log.Error("audio encoder reset failed after save", "error", err)
	}
	o.videoBuffer.Reset()
	o.audioBuffer.Reset()

	return path, muxErr
}

// drainShadowQueuesOnce pulls every currently-queued packet out of both
// encoder output queues into the buffers, without blocking. Called under
// Save's exclusion so the snapshot below sees everything the just-drained
// encoders produced.
func (o *Orchestrator) drainShadowQueuesOnce() {
	videoOut := o.videoEncoder.TakeOutput()
	for {
		pkt, ok := videoOut.TryPop()
		if !ok {
			break
		}
		o.videoBuffer.Insert(pkt.DtsUs, pkt)
	}

	audioOut := o.audioEncoder.TakeOutput()
	for {
		pkt, ok := audioOut.TryPop()
		if !ok {
			break
		}
		o.audioBuffer.InsertFrame(pkt.Frame.PtsSamples, pkt.Frame.Data)
		o.audioBuffer.InsertCaptureTime(pkt.CaptureTimeUs)
	}
}

// clipPath names the output file clip_{unix_timestamp}.mp4. Two saves
// landing in the same wall-clock second (save has no cooldown) get a short
// random suffix instead of overwriting the first clip.
func (o *Orchestrator) clipPath() string {
	path := filepath.Join(o.outputDir, fmt.Sprintf("clip_%d.mp4", o.Now().Unix()))
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(o.outputDir, fmt.Sprintf("clip_%d_%s.mp4", o.Now().Unix(), uuid.NewString()[:8]))
	}
	return path
}

// HandleCommand implements control.Handler. save is dispatched
// synchronously and blocks command processing until complete;
// update_config and change_mode are handed to policy callbacks that live
// outside the capture core.
func (o *Orchestrator) HandleCommand(cmd control.Command) control.CommandResult {
	switch cmd.Name {
	case control.CommandSave:
		path, err := o.Save()
		if err != nil {
			return control.CommandResult{CommandID: cmd.CommandID, Status: "error", Error: err.Error()}
		}
		log.Info("save complete", "path", path)
		return control.CommandResult{CommandID: cmd.CommandID, Status: "ok"}

	case control.CommandUpdateConfig:
		if o.ConfigPolicy == nil {
			return control.CommandResult{CommandID: cmd.CommandID, Status: "ok"}
		}
		var payload control.UpdateConfigPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return control.CommandResult{CommandID: cmd.CommandID, Status: "error", Error: err.Error()}
		}
		if err := o.ConfigPolicy(payload); err != nil {
			return control.CommandResult{CommandID: cmd.CommandID, Status: "error", Error: err.Error()}
		}
		return control.CommandResult{CommandID: cmd.CommandID, Status: "ok"}

	case control.CommandChangeMode:
		if o.ModePolicy == nil {
			return control.CommandResult{CommandID: cmd.CommandID, Status: "ok"}
		}
		var payload control.ChangeModePayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return control.CommandResult{CommandID: cmd.CommandID, Status: "error", Error: err.Error()}
		}
		if err := o.ModePolicy(payload); err != nil {
			return control.CommandResult{CommandID: cmd.CommandID, Status: "error", Error: err.Error()}
		}
		return control.CommandResult{CommandID: cmd.CommandID, Status: "ok"}

	default:
		return control.CommandResult{CommandID: cmd.CommandID, Status: "error", Error: fmt.Sprintf("unrecognized command %q", cmd.Name)}
	}
}
