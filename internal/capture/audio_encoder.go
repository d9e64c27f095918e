package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	astiav "github.com/asticode/go-astiav"

	"github.com/shadowcap/recorder/internal/logging"
)

var audioEncLog = logging.L("audio_encoder")

// ErrChannelMismatch is returned when a raw audio frame's sample count is
// not evenly divisible by its channel count.
var ErrChannelMismatch = errors.New("capture: audio frame sample count not divisible by channel count")

// AudioPacket pairs one encoded Opus packet with the capture timestamp of
// the raw frame that produced it. One raw frame may yield zero, one, or
// several AudioPackets; when it yields several they all carry the same
// capture timestamp.
type AudioPacket struct {
	Frame         EncodedAudioFrame
	CaptureTimeUs int64
}

// AudioEncoder owns an Opus encoder plus the leftover-sample buffer that
// carries partial frames over between raw inputs.
type AudioEncoder struct {
	mu sync.Mutex

	channels      int
	frameSize     int // effective samples-per-frame, already channel-multiplied
	chunker       *audioChunker
	lastCaptureUs int64 // stamped onto packets flushed by DrainLocked

	codec   *astiav.Codec
	codecCt *astiav.CodecContext
	frame   *astiav.Frame
	pkt     *astiav.Packet

	output  *Queue[AudioPacket]
	metrics *PipelineMetrics
}

// NewAudioEncoder opens a fresh Opus encoder at the fixed parameters:
// 48kHz, stereo, packed float32, 70kb/s. metrics may be nil.
func NewAudioEncoder(metrics *PipelineMetrics) (*AudioEncoder, error) {
	a := &AudioEncoder{
		channels: AudioChannels,
		output:   NewQueue[AudioPacket](DefaultTargetFPS * 2),
		metrics:  metrics,
	}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AudioEncoder) open() error {
	// Prefer libopus: it takes packed float input directly. The built-in
	// encoder is the fallback and needs experimental compliance.
	codec := astiav.FindEncoderByName("libopus")
	if codec == nil {
		codec = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if codec == nil {
		return errors.New("opus encoder not available in this libavcodec build")
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return errors.New("alloc codec context for opus failed")
	}

	ctx.SetSampleRate(AudioSampleRate)
	ctx.SetChannelLayout(astiav.ChannelLayoutStereo)
	ctx.SetSampleFormat(astiav.SampleFormatFlt)
	ctx.SetTimeBase(astiav.NewRational(1, AudioSampleRate))
	ctx.SetBitRate(AudioBitrate)
	ctx.SetStrictStdCompliance(astiav.StrictStdComplianceExperimental)

	if err := ctx.Open(codec, nil); err != nil {
		ctx.Free()
		return fmt.Errorf("open opus encoder: %w", err)
	}

	// The codec reports its native frame size in samples per channel; the
	// chunking threshold below operates on interleaved sample counts, so it
	// must be multiplied by channel count.
	native := ctx.FrameSize()
	if native <= 0 {
		native = 480
	}

	frame := astiav.AllocFrame()
	frame.SetSampleFormat(astiav.SampleFormatFlt)
	frame.SetChannelLayout(astiav.ChannelLayoutStereo)
	frame.SetSampleRate(AudioSampleRate)
	frame.SetNbSamples(native)
	if err := frame.AllocBuffer(0); err != nil {
		ctx.Free()
		frame.Free()
		return fmt.Errorf("alloc opus frame buffer: %w", err)
	}

	a.codec = codec
	a.codecCt = ctx
	a.frame = frame
	a.frameSize = native * a.channels
	a.pkt = astiav.AllocPacket()
	a.chunker = newAudioChunker(a.frameSize)
	a.lastCaptureUs = 0
	return nil
}

// Process encodes one raw frame: validate, apply the RMS gain boost,
// append to the leftover buffer, then drain whole encoder frames.
func (a *AudioEncoder) Process(raw RawAudioFrame) error {
	if raw.Channels <= 0 || len(raw.Samples)%raw.Channels != 0 {
		return ErrChannelMismatch
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	samples := applyRMSGainBoost(raw.Samples)
	a.lastCaptureUs = raw.TimestampUs
	chunks := a.chunker.Feed(samples, raw.TimestampUs)

	for _, pending := range chunks {
		enc, err := a.encodeChunk(pending.samples, pending.pts)
		if err != nil {
			audioEncLog.Error("opus encode failed", "pts_samples", pending.pts, "error", err)
			return err
		}
		if enc == nil {
			continue
		}
		if !a.output.TryPush(AudioPacket{Frame: *enc, CaptureTimeUs: pending.captureTimeUs}) {
			audioEncLog.Error("audio output queue full, dropping packet",
				"pts_samples", pending.pts, "dropped_total", a.output.Dropped())
			if a.metrics != nil {
				a.metrics.RecordAudioDropped()
			}
			continue
		}
		if a.metrics != nil {
			a.metrics.RecordAudioEncoded()
		}
	}
	return nil
}

// applyRMSGainBoost lifts near-silent system audio toward audibility: if
// 0 < rms < 0.01, samples are scaled by min(0.01/rms, 5). Louder input and
// true silence pass through untouched.
func applyRMSGainBoost(samples []float32) []float32 {
	if len(samples) == 0 {
		return samples
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))

	if rms <= 0 || rms >= 0.01 {
		return samples
	}

	gain := 0.01 / rms
	if gain > 5.0 {
		gain = 5.0
	}

	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(float64(s) * gain)
	}
	return out
}

// encodeChunk writes chunk into the reusable encoder frame, submits it,
// and polls exactly once for the resulting packet.
func (a *AudioEncoder) encodeChunk(chunk []float32, pts int64) (*EncodedAudioFrame, error) {
	buf := make([]byte, len(chunk)*4)
	for i, s := range chunk {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(s))
	}
	if err := a.frame.MakeWritable(); err != nil {
		return nil, fmt.Errorf("make opus frame writable: %w", err)
	}
	if err := a.frame.Data().SetBytes(buf, 0); err != nil {
		return nil, fmt.Errorf("fill opus frame buffer: %w", err)
	}
	a.frame.SetPts(pts)

	if err := a.codecCt.SendFrame(a.frame); err != nil {
		return nil, fmt.Errorf("opus send_frame: %w", err)
	}

	err := a.codecCt.ReceivePacket(a.pkt)
	if err != nil {
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil, nil
		}
		return nil, fmt.Errorf("opus receive_packet: %w", err)
	}
	defer a.pkt.Unref()

	return &EncodedAudioFrame{
		Data:       append([]byte(nil), a.pkt.Data()...),
		PtsSamples: pts,
	}, nil
}

// Lock acquires the encoder's mutex for the save path, which holds it
// across drain, mux, and reset. Acquired after the video encoder's lock,
// never before it.
func (a *AudioEncoder) Lock() { a.mu.Lock() }

// Unlock releases the encoder's mutex.
func (a *AudioEncoder) Unlock() { a.mu.Unlock() }

// DrainLocked sends end-of-stream and polls packets until the encoder
// reports none remaining. Caller must hold Lock.
func (a *AudioEncoder) DrainLocked() error {
	if err := a.codecCt.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("opus drain send_frame(nil): %w", err)
	}
	for {
		err := a.codecCt.ReceivePacket(a.pkt)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return fmt.Errorf("opus drain receive_packet: %w", err)
		}
		pkt := EncodedAudioFrame{Data: append([]byte(nil), a.pkt.Data()...), PtsSamples: a.pkt.Pts()}
		a.pkt.Unref()
		if !a.output.TryPush(AudioPacket{Frame: pkt, CaptureTimeUs: a.lastCaptureUs}) {
			audioEncLog.Error("audio output queue full during drain, dropping packet")
		}
	}
}

// ResetLocked drops the encoder, clears the leftover buffer, and opens a
// fresh encoder with next_pts reset to 0. Caller must hold Lock.
func (a *AudioEncoder) ResetLocked() error {
	a.closeHandles()
	return a.open()
}

// Close attempts a final drain (logging, not propagating, any error)
// before releasing the encoder handles.
func (a *AudioEncoder) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.codecCt != nil {
		if err := a.DrainLocked(); err != nil {
			audioEncLog.Error("final drain failed during close", "error", err)
		}
	}
	a.closeHandles()
	return nil
}

func (a *AudioEncoder) closeHandles() {
	if a.pkt != nil {
		a.pkt.Free()
		a.pkt = nil
	}
	if a.frame != nil {
		a.frame.Free()
		a.frame = nil
	}
	if a.codecCt != nil {
		a.codecCt.Free()
		a.codecCt = nil
	}
}

// TakeOutput returns the bounded queue encoded packets are published to.
func (a *AudioEncoder) TakeOutput() *Queue[AudioPacket] {
	return a.output
}
