package capture

import "sync"

// AudioBuffer is the rolling, PTS-indexed store of encoded audio packets
// plus the parallel list of capture timestamps. The two sequences
// always grow and shrink in lock-step: one capture time per inserted frame.
type AudioBuffer struct {
	mu sync.Mutex

	maxWindowUs int64

	order        []int64 // pts_samples keys, insertion order
	frames       map[int64][]byte
	captureTimes []int64
}

// NewAudioBuffer constructs a buffer targeting the given wall-clock window.
func NewAudioBuffer(maxWindowUs int64) *AudioBuffer {
	return &AudioBuffer{
		maxWindowUs: maxWindowUs,
		frames:      make(map[int64][]byte),
	}
}

// InsertFrame records one encoded audio packet keyed by its sample-rate
// PTS. It does not trim; trimming runs off InsertCaptureTime so the two
// lists never observe each other out of step.
func (b *AudioBuffer) InsertFrame(ptsSamples int64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = append(b.order, ptsSamples)
	b.frames[ptsSamples] = data
}

// InsertCaptureTime records the wall-clock capture time paired with the
// frame just inserted, then trims the head of both lists while the window
// span exceeds the configured maximum. The head is popped only while the
// span is strictly greater than the window; popping at exactly the window
// would evict one frame too many.
func (b *AudioBuffer) InsertCaptureTime(tsUs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.captureTimes = append(b.captureTimes, tsUs)

	for len(b.captureTimes) >= 2 {
		first := b.captureTimes[0]
		last := b.captureTimes[len(b.captureTimes)-1]
		if last-first <= b.maxWindowUs {
			break
		}
		delete(b.frames, b.order[0])
		b.order = b.order[1:]
		b.captureTimes = b.captureTimes[1:]
	}
}

// Reset clears both sequences.
func (b *AudioBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = nil
	b.frames = make(map[int64][]byte)
	b.captureTimes = nil
}

// Frames returns the retained (pts, data) pairs in insertion order.
func (b *AudioBuffer) Frames() []EncodedAudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]EncodedAudioFrame, 0, len(b.order))
	for _, pts := range b.order {
		out = append(out, EncodedAudioFrame{Data: b.frames[pts], PtsSamples: pts})
	}
	return out
}

// CaptureTimes returns the retained capture timestamps in insertion order.
func (b *AudioBuffer) CaptureTimes() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, len(b.captureTimes))
	copy(out, b.captureTimes)
	return out
}

// Len returns the number of retained frames (== number of capture times).
func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}
