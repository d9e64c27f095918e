package capture

// pendingChunk is one frame's worth of samples ready to hand to the Opus
// encoder, plus the PTS it should be stamped with and the capture
// timestamp of the raw frame it was cut from.
type pendingChunk struct {
	samples       []float32
	pts           int64
	captureTimeUs int64
}

// audioChunker implements the leftover-buffer bookkeeping in isolation
// from the Opus encoder itself, so the chunking/PTS math can be unit
// tested without a real libopus encoder present.
type audioChunker struct {
	frameSize int
	leftover  []float32
	nextPts   int64
}

func newAudioChunker(frameSize int) *audioChunker {
	return &audioChunker{frameSize: frameSize}
}

// Feed appends samples to the leftover buffer and cuts off as many whole
// frames as are available, in order. Every returned chunk carries
// captureTimeUs, including duplicates when one raw frame yields several
// encoder frames.
func (c *audioChunker) Feed(samples []float32, captureTimeUs int64) []pendingChunk {
	c.leftover = append(c.leftover, samples...)

	var out []pendingChunk
	for len(c.leftover) >= c.frameSize {
		chunk := make([]float32, c.frameSize)
		copy(chunk, c.leftover[:c.frameSize])
		out = append(out, pendingChunk{samples: chunk, pts: c.nextPts, captureTimeUs: captureTimeUs})
		c.nextPts += int64(c.frameSize)

		remaining := len(c.leftover) - c.frameSize
		rest := make([]float32, remaining)
		copy(rest, c.leftover[c.frameSize:])
		c.leftover = rest
	}
	return out
}

// Reset clears leftover samples and the PTS counter.
func (c *audioChunker) Reset() {
	c.leftover = c.leftover[:0]
	c.nextPts = 0
}
