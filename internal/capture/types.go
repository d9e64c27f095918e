// Package capture implements the real-time capture → encode → rolling-buffer
// pipeline: raw frames arrive from an external frame source over bounded
// queues, are pushed through hardware encoder adapters, and the resulting
// packets are held in rolling, wall-clock-bounded buffers until a save.
package capture

// PixelFormat identifies the layout of a RawVideoFrame's pixel data.
type PixelFormat int

const (
	PixelFormatBGRA PixelFormat = iota
	PixelFormatDMABUF
)

// RawVideoFrame is one frame delivered by the external frame source. Bytes
// is populated for PixelFormatBGRA; DMABUFHandle is populated for
// PixelFormatDMABUF. TimestampUs is the wall-clock microsecond offset from
// the pipeline epoch shared with audio.
type RawVideoFrame struct {
	Bytes        []byte
	DMABUFHandle int
	Width        int
	Height       int
	Stride       int
	Offset       int
	PixelFormat  PixelFormat
	TimestampUs  int64
}

// RawAudioFrame is interleaved float32 PCM plus the pipeline-epoch timestamp
// at which it was captured. len(Samples) % Channels must be 0.
type RawAudioFrame struct {
	Samples     []float32
	Channels    int
	TimestampUs int64
}

// EncodedVideoFrame is one packet out of the video encoder adapter.
// DtsUs <= PtsUs always; PtsUs increases strictly within a GOP.
type EncodedVideoFrame struct {
	Data       []byte
	PtsUs      int64
	DtsUs      int64
	IsKeyframe bool
}

// EncodedAudioFrame is one packet out of the audio encoder adapter.
// PtsSamples is in the encoder's 48kHz sample-rate time base.
type EncodedAudioFrame struct {
	Data       []byte
	PtsSamples int64
}

// Quality selects the row of the video encoder's parameter table.
type Quality int

const (
	QualityLow Quality = iota
	QualityMedium
	QualityHigh
	QualityUltra
)

// ParseQuality maps a config string to a Quality value.
func ParseQuality(s string) (Quality, bool) {
	switch s {
	case "low":
		return QualityLow, true
	case "medium":
		return QualityMedium, true
	case "high":
		return QualityHigh, true
	case "ultra":
		return QualityUltra, true
	default:
		return 0, false
	}
}

func (q Quality) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	case QualityUltra:
		return "ultra"
	default:
		return "unknown"
	}
}

// qualityParams is one row of the fixed encoder parameter table.
type qualityParams struct {
	qp      int
	cq      int
	bitrate int64 // bits per second
}

var qualityTable = map[Quality]qualityParams{
	QualityLow:    {qp: 30, cq: 30, bitrate: 20_000_000},
	QualityMedium: {qp: 25, cq: 25, bitrate: 40_000_000},
	QualityHigh:   {qp: 20, cq: 20, bitrate: 80_000_000},
	QualityUltra:  {qp: 15, cq: 15, bitrate: 120_000_000},
}

// VideoTimeBaseUs is the fixed video encoder time base: 1 microsecond.
const VideoTimeBaseUs = 1

// VideoGOPLength is the fixed GOP length in frames.
const VideoGOPLength = 30

// AudioSampleRate is the fixed Opus sample rate.
const AudioSampleRate = 48000

// AudioChannels is the fixed Opus channel count (stereo).
const AudioChannels = 2

// AudioBitrate is the target Opus bitrate, acceptable range 64-128kb/s.
const AudioBitrate = 70_000
