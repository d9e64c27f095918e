package capture

import (
	"sync"

	"github.com/shadowcap/recorder/internal/logging"
)

var videoBufLog = logging.L("videobuffer")

// VideoBuffer is the rolling, DTS-indexed store of encoded video
// packets. Entries are evicted whole-GOP-at-a-time so the buffer always
// decodes cleanly from its oldest retained keyframe.
//
// Callers are expected to insert in strictly increasing DTS order (the
// orchestrator's shadow worker is the only writer); VideoBuffer does not
// re-sort out-of-order input.
type VideoBuffer struct {
	mu sync.Mutex

	maxWindowUs int64

	order     []int64 // dts keys, ascending
	frames    map[int64]EncodedVideoFrame
	keyframes []int64 // dts of recorded keyframes, ascending

	minPts int64
	maxPts int64
}

// NewVideoBuffer constructs a buffer targeting the given wall-clock window.
func NewVideoBuffer(maxWindowUs int64) *VideoBuffer {
	return &VideoBuffer{
		maxWindowUs: maxWindowUs,
		frames:      make(map[int64]EncodedVideoFrame),
	}
}

// Insert records one encoded video frame and runs the trim algorithm.
func (b *VideoBuffer) Insert(dts int64, frame EncodedVideoFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.frames[dts]; !exists {
		b.order = append(b.order, dts)
	}
	b.frames[dts] = frame

	if frame.IsKeyframe {
		b.keyframes = append(b.keyframes, dts)
	}

	if len(b.order) == 1 {
		b.minPts, b.maxPts = frame.PtsUs, frame.PtsUs
	} else {
		if frame.PtsUs < b.minPts {
			b.minPts = frame.PtsUs
		}
		if frame.PtsUs > b.maxPts {
			b.maxPts = frame.PtsUs
		}
	}

	for len(b.keyframes) >= 2 && b.maxPts-b.minPts >= b.maxWindowUs {
		secondKeyframeDts := b.keyframes[1]
		b.evictBefore(secondKeyframeDts)
		b.keyframes = b.keyframes[1:]
		b.recomputeMinMax()
	}

	if len(b.keyframes) < 2 && b.maxPts-b.minPts >= b.maxWindowUs && len(b.order) > 0 {
		videoBufLog.Warn("window exceeds target, only one keyframe retained; partial coverage",
			"max_window_us", b.maxWindowUs, "span_us", b.maxPts-b.minPts)
	}
}

// evictBefore removes every entry with dts < cutoff. mu must be held.
func (b *VideoBuffer) evictBefore(cutoff int64) {
	kept := b.order[:0]
	for _, dts := range b.order {
		if dts < cutoff {
			delete(b.frames, dts)
			continue
		}
		kept = append(kept, dts)
	}
	b.order = kept
}

// recomputeMinMax rescans remaining frames. mu must be held.
func (b *VideoBuffer) recomputeMinMax() {
	if len(b.order) == 0 {
		b.minPts, b.maxPts = 0, 0
		return
	}
	first := b.frames[b.order[0]]
	b.minPts, b.maxPts = first.PtsUs, first.PtsUs
	for _, dts := range b.order[1:] {
		p := b.frames[dts].PtsUs
		if p < b.minPts {
			b.minPts = p
		}
		if p > b.maxPts {
			b.maxPts = p
		}
	}
}

// Reset clears the buffer entirely.
func (b *VideoBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = nil
	b.frames = make(map[int64]EncodedVideoFrame)
	b.keyframes = nil
	b.minPts, b.maxPts = 0, 0
}

// FramesUpTo returns, in DTS order, every retained frame with dts <= dts.
func (b *VideoBuffer) FramesUpTo(dts int64) []EncodedVideoFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]EncodedVideoFrame, 0, len(b.order))
	for _, d := range b.order {
		if d > dts {
			break
		}
		out = append(out, b.frames[d])
	}
	return out
}

// LastGOPStart returns the DTS of the most recently recorded keyframe, and
// false if no keyframe has been inserted yet.
func (b *VideoBuffer) LastGOPStart() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.keyframes) == 0 {
		return 0, false
	}
	return b.keyframes[len(b.keyframes)-1], true
}

// Len returns the number of frames currently retained. Test helper.
func (b *VideoBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// PtsRange returns the current (min, max) PTS across retained frames. Test
// helper.
func (b *VideoBuffer) PtsRange() (min, max int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minPts, b.maxPts
}
