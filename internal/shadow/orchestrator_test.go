package shadow

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shadowcap/recorder/internal/capture"
	"github.com/shadowcap/recorder/internal/control"
	"github.com/shadowcap/recorder/internal/muxer"
)

// fakeVideoEncoder and fakeAudioEncoder stand in for the real hardware
// encoder adapters so the save cycle can be exercised without
// libav or a GPU present.
type fakeVideoEncoder struct {
	mu           sync.Mutex
	out          *capture.Queue[capture.EncodedVideoFrame]
	drainCalls   int
	resetCalls   int
	closeCalls   int
	drainErr     error
	drainPackets []capture.EncodedVideoFrame
}

func newFakeVideoEncoder() *fakeVideoEncoder {
	return &fakeVideoEncoder{out: capture.NewQueue[capture.EncodedVideoFrame](16)}
}

func (f *fakeVideoEncoder) Lock()   { f.mu.Lock() }
func (f *fakeVideoEncoder) Unlock() { f.mu.Unlock() }

func (f *fakeVideoEncoder) DrainLocked() error {
	f.drainCalls++
	for _, pkt := range f.drainPackets {
		f.out.TryPush(pkt)
	}
	return f.drainErr
}
func (f *fakeVideoEncoder) ResetLocked() error { f.resetCalls++; return nil }
func (f *fakeVideoEncoder) Close() error       { f.closeCalls++; return nil }
func (f *fakeVideoEncoder) TakeOutput() *capture.Queue[capture.EncodedVideoFrame] { return f.out }

type fakeAudioEncoder struct {
	mu           sync.Mutex
	out          *capture.Queue[capture.AudioPacket]
	drainCalls   int
	resetCalls   int
	closeCalls   int
	drainPackets []capture.AudioPacket
}

func newFakeAudioEncoder() *fakeAudioEncoder {
	return &fakeAudioEncoder{out: capture.NewQueue[capture.AudioPacket](16)}
}

func (f *fakeAudioEncoder) Lock()   { f.mu.Lock() }
func (f *fakeAudioEncoder) Unlock() { f.mu.Unlock() }

func (f *fakeAudioEncoder) DrainLocked() error {
	f.drainCalls++
	for _, pkt := range f.drainPackets {
		f.out.TryPush(pkt)
	}
	return nil
}
func (f *fakeAudioEncoder) ResetLocked() error { f.resetCalls++; return nil }
func (f *fakeAudioEncoder) Close() error       { f.closeCalls++; return nil }
func (f *fakeAudioEncoder) TakeOutput() *capture.Queue[capture.AudioPacket] { return f.out }

type fakeWorkers struct {
	started, stopped bool
}

func (f *fakeWorkers) Start() { f.started = true }
func (f *fakeWorkers) Stop()  { f.stopped = true }

type fakeMuxer struct {
	calls        int
	lastPath     string
	lastVideo    []capture.EncodedVideoFrame
	lastAudio    []capture.EncodedAudioFrame
	lastGOPStart int64
	err          error
}

func (f *fakeMuxer) Save(path string, videoFrames []capture.EncodedVideoFrame, lastGOPStart int64, audioFrames []capture.EncodedAudioFrame, audioCaptureTimes []int64, params muxer.Params) error {
	f.calls++
	f.lastPath = path
	f.lastVideo = videoFrames
	f.lastAudio = audioFrames
	f.lastGOPStart = lastGOPStart
	_ = os.WriteFile(path, nil, 0644)
	return f.err
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeVideoEncoder, *fakeAudioEncoder, *fakeMuxer) {
	t.Helper()
	ve := newFakeVideoEncoder()
	ae := newFakeAudioEncoder()
	mux := &fakeMuxer{}

	o := &Orchestrator{
		videoEncoder: ve,
		audioEncoder: ae,
		videoBuffer:  capture.NewVideoBuffer(10_000_000),
		audioBuffer:  capture.NewAudioBuffer(10_000_000),
		workers:      &fakeWorkers{},
		mux:          mux,
		metrics:      capture.NewPipelineMetrics(),
		videoParams:  muxer.Params{Width: 1920, Height: 1080},
		outputDir:    t.TempDir(),
		Now:          time.Now,
	}
	return o, ve, ae, mux
}

func TestSaveDrainsResetsAndInvokesMuxer(t *testing.T) {
	o, ve, ae, mux := newTestOrchestrator(t)

	o.videoBuffer.Insert(0, capture.EncodedVideoFrame{PtsUs: 0, DtsUs: 0, IsKeyframe: true})
	o.videoBuffer.Insert(1000, capture.EncodedVideoFrame{PtsUs: 1000, DtsUs: 1000})
	o.audioBuffer.InsertFrame(0, []byte{1, 2, 3})
	o.audioBuffer.InsertCaptureTime(0)

	ve.drainPackets = []capture.EncodedVideoFrame{{PtsUs: 2000, DtsUs: 2000, IsKeyframe: true}}
	ae.drainPackets = []capture.AudioPacket{{Frame: capture.EncodedAudioFrame{PtsSamples: 480, Data: []byte{9}}, CaptureTimeUs: 10_000}}

	path, err := o.Save()
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if path == "" {
		t.Fatalf("expected a non-empty clip path")
	}

	if ve.drainCalls != 1 || ae.drainCalls != 1 {
		t.Fatalf("expected exactly one drain per encoder, got video=%d audio=%d", ve.drainCalls, ae.drainCalls)
	}
	if ve.resetCalls != 1 || ae.resetCalls != 1 {
		t.Fatalf("expected exactly one reset per encoder, got video=%d audio=%d", ve.resetCalls, ae.resetCalls)
	}
	if mux.calls != 1 {
		t.Fatalf("expected muxer invoked exactly once, got %d", mux.calls)
	}

	// The drained keyframe becomes the new last GOP start, so all three
	// video packets (including the one produced only by drain) are handed
	// to the muxer.
	if len(mux.lastVideo) != 3 {
		t.Fatalf("expected 3 video packets handed to muxer, got %d", len(mux.lastVideo))
	}
	if len(mux.lastAudio) != 2 {
		t.Fatalf("expected 2 audio packets handed to muxer, got %d", len(mux.lastAudio))
	}

	if o.videoBuffer.Len() != 0 || o.audioBuffer.Len() != 0 {
		t.Fatalf("expected both buffers reset after save, got video=%d audio=%d", o.videoBuffer.Len(), o.audioBuffer.Len())
	}
}

func TestSaveResetsBuffersAndEncodersEvenOnMuxError(t *testing.T) {
	o, ve, ae, mux := newTestOrchestrator(t)
	mux.err = errSentinel{}

	o.videoBuffer.Insert(0, capture.EncodedVideoFrame{PtsUs: 0, DtsUs: 0, IsKeyframe: true})

	_, err := o.Save()
	if err == nil {
		t.Fatalf("expected Save to propagate the mux error")
	}
	if ve.resetCalls != 1 || ae.resetCalls != 1 {
		t.Fatalf("expected encoders reset despite mux failure, got video=%d audio=%d", ve.resetCalls, ae.resetCalls)
	}
	if o.videoBuffer.Len() != 0 {
		t.Fatalf("expected video buffer reset despite mux failure")
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "mux failed" }

func TestSaveIsSerializedAgainstConcurrentCalls(t *testing.T) {
	o, _, _, mux := newTestOrchestrator(t)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			o.Save()
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	if mux.calls != 2 {
		t.Fatalf("expected both concurrent saves to run to completion, got %d mux calls", mux.calls)
	}
}

func TestIsSavingReflectsInProgressState(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	if o.IsSaving() {
		t.Fatalf("expected IsSaving false before any save")
	}
	// Save reads the clock while the saving flag is set.
	sawSaving := false
	o.Now = func() time.Time {
		sawSaving = sawSaving || o.IsSaving()
		return time.Now()
	}
	o.Save()
	if !sawSaving {
		t.Fatalf("expected IsSaving true while the save is in progress")
	}
	if o.IsSaving() {
		t.Fatalf("expected IsSaving false after save completes")
	}
}

func TestClipPathUsesUnixTimestampPattern(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	fixed := time.Unix(1_700_000_000, 0)
	o.Now = func() time.Time { return fixed }

	path, err := o.Save()
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if !strings.HasSuffix(path, "clip_1700000000.mp4") {
		t.Fatalf("expected clip_{unix_timestamp}.mp4 naming, got %q", path)
	}

	// A second save in the same wall-clock second must not overwrite the
	// first clip.
	path2, err := o.Save()
	if err != nil {
		t.Fatalf("second Save returned error: %v", err)
	}
	if path2 == path {
		t.Fatalf("expected a distinct path for a same-second save, got %q twice", path)
	}
}

func TestHandleCommandDispatchesSaveSynchronously(t *testing.T) {
	o, _, _, mux := newTestOrchestrator(t)

	result := o.HandleCommand(control.Command{CommandID: "c-1", Name: control.CommandSave})
	if result.Status != "ok" {
		t.Fatalf("expected status ok, got %q (error=%q)", result.Status, result.Error)
	}
	if mux.calls != 1 {
		t.Fatalf("expected save command to invoke the muxer once, got %d", mux.calls)
	}
}

func TestHandleCommandRoutesUpdateConfigToPolicy(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	var received control.UpdateConfigPayload
	o.ConfigPolicy = func(p control.UpdateConfigPayload) error {
		received = p
		return nil
	}

	payload := []byte(`{"encoder":"vaapi","maxSeconds":120,"quality":"high"}`)
	result := o.HandleCommand(control.Command{CommandID: "c-2", Name: control.CommandUpdateConfig, Payload: payload})
	if result.Status != "ok" {
		t.Fatalf("expected status ok, got %q", result.Status)
	}
	if received.Encoder != "vaapi" || received.MaxSeconds != 120 || received.Quality != "high" {
		t.Fatalf("policy did not receive the decoded payload: %+v", received)
	}
}

func TestHandleCommandUnrecognizedNameIsError(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	result := o.HandleCommand(control.Command{CommandID: "c-3", Name: "bogus"})
	if result.Status != "error" {
		t.Fatalf("expected status error for unrecognized command, got %q", result.Status)
	}
}

func TestShutdownClosesEncodersWithoutWritingAFile(t *testing.T) {
	o, ve, ae, mux := newTestOrchestrator(t)
	fw := o.workers.(*fakeWorkers)

	o.Shutdown()

	if !fw.stopped {
		t.Fatalf("expected capture workers stopped on shutdown")
	}
	if ve.closeCalls != 1 || ae.closeCalls != 1 {
		t.Fatalf("expected both encoders closed exactly once, got video=%d audio=%d", ve.closeCalls, ae.closeCalls)
	}
	if mux.calls != 0 {
		t.Fatalf("expected no mux call on shutdown, got %d", mux.calls)
	}
}
