package capture

import (
	"sync"
	"time"
)

// PipelineMetrics tracks real-time throughput for the capture pipeline:
// per-medium capture/encode/drop counters plus save-cycle timing, one set
// shared by the two media pipelines this recorder runs side by side.
type PipelineMetrics struct {
	mu sync.RWMutex

	VideoFramesCaptured  uint64
	VideoFramesThrottled uint64
	VideoFramesEncoded   uint64
	VideoFramesDropped   uint64 // encoder output queue full

	AudioFramesCaptured uint64
	AudioFramesEncoded  uint64
	AudioFramesDropped  uint64 // encoder output queue full

	SavesCompleted   uint64
	SavesFailed      uint64
	LastSaveDuration time.Duration

	startTime time.Time
}

// NewPipelineMetrics constructs a zeroed metrics set with its uptime clock
// started now.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{startTime: time.Now()}
}

func (m *PipelineMetrics) RecordVideoCaptured() {
	m.mu.Lock()
	m.VideoFramesCaptured++
	m.mu.Unlock()
}

func (m *PipelineMetrics) RecordVideoThrottled() {
	m.mu.Lock()
	m.VideoFramesThrottled++
	m.mu.Unlock()
}

func (m *PipelineMetrics) RecordVideoEncoded() {
	m.mu.Lock()
	m.VideoFramesEncoded++
	m.mu.Unlock()
}

func (m *PipelineMetrics) RecordVideoDropped() {
	m.mu.Lock()
	m.VideoFramesDropped++
	m.mu.Unlock()
}

func (m *PipelineMetrics) RecordAudioCaptured() {
	m.mu.Lock()
	m.AudioFramesCaptured++
	m.mu.Unlock()
}

func (m *PipelineMetrics) RecordAudioEncoded() {
	m.mu.Lock()
	m.AudioFramesEncoded++
	m.mu.Unlock()
}

func (m *PipelineMetrics) RecordAudioDropped() {
	m.mu.Lock()
	m.AudioFramesDropped++
	m.mu.Unlock()
}

func (m *PipelineMetrics) RecordSave(d time.Duration, err error) {
	m.mu.Lock()
	if err != nil {
		m.SavesFailed++
	} else {
		m.SavesCompleted++
	}
	m.LastSaveDuration = d
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of PipelineMetrics for logging.
type MetricsSnapshot struct {
	VideoFramesCaptured  uint64
	VideoFramesThrottled uint64
	VideoFramesEncoded   uint64
	VideoFramesDropped   uint64
	AudioFramesCaptured  uint64
	AudioFramesEncoded   uint64
	AudioFramesDropped   uint64
	SavesCompleted       uint64
	SavesFailed          uint64
	LastSaveDurationMs   float64
	Uptime               time.Duration
}

func (m *PipelineMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		VideoFramesCaptured:  m.VideoFramesCaptured,
		VideoFramesThrottled: m.VideoFramesThrottled,
		VideoFramesEncoded:   m.VideoFramesEncoded,
		VideoFramesDropped:   m.VideoFramesDropped,
		AudioFramesCaptured:  m.AudioFramesCaptured,
		AudioFramesEncoded:   m.AudioFramesEncoded,
		AudioFramesDropped:   m.AudioFramesDropped,
		SavesCompleted:       m.SavesCompleted,
		SavesFailed:          m.SavesFailed,
		LastSaveDurationMs:   float64(m.LastSaveDuration.Microseconds()) / 1000.0,
		Uptime:               time.Since(m.startTime),
	}
}
