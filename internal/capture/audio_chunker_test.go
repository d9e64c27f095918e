package capture

import "testing"

func sampleFrame(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.01
	}
	return s
}

// Two 1024-sample raw frames, frame_size=960 (channels already
// folded in), channels=2.
func TestAudioChunkerLeftover(t *testing.T) {
	c := newAudioChunker(960)

	out1 := c.Feed(sampleFrame(1024), 100)
	out2 := c.Feed(sampleFrame(1024), 200)

	all := append(out1, out2...)
	if len(all) != 2 {
		t.Fatalf("expected 2 encoded frames, got %d", len(all))
	}
	if all[0].pts != 0 || all[1].pts != 960 {
		t.Fatalf("expected pts keys [0,960], got [%d,%d]", all[0].pts, all[1].pts)
	}
	if all[0].captureTimeUs != 100 || all[1].captureTimeUs != 200 {
		t.Fatalf("expected capture times [100,200], got [%d,%d]",
			all[0].captureTimeUs, all[1].captureTimeUs)
	}
}

// Fifteen 1024-sample raw frames; the 16th encoder frame is
// cut from the tail of the 15th raw frame, so it duplicates that capture
// time.
func TestAudioChunkerDuplicateTimestamp(t *testing.T) {
	c := newAudioChunker(960)

	var all []pendingChunk
	captureTimes := make([]int64, 15)
	for i := 0; i < 15; i++ {
		captureTimes[i] = int64(i + 1)
		out := c.Feed(sampleFrame(1024), captureTimes[i])
		all = append(all, out...)
	}

	if len(all) != 16 {
		t.Fatalf("expected 16 encoded frames, got %d", len(all))
	}
	if all[14].captureTimeUs != captureTimes[14] {
		t.Fatalf("expected 15th capture time %d, got %d", captureTimes[14], all[14].captureTimeUs)
	}
	if all[15].captureTimeUs != captureTimes[14] {
		t.Fatalf("expected 16th capture time to duplicate the 15th (%d), got %d",
			captureTimes[14], all[15].captureTimeUs)
	}
}

func TestAudioChunkerReset(t *testing.T) {
	c := newAudioChunker(960)
	c.Feed(sampleFrame(1024), 1)
	c.Reset()
	if len(c.leftover) != 0 || c.nextPts != 0 {
		t.Fatalf("expected reset chunker to be empty, got leftover=%d nextPts=%d",
			len(c.leftover), c.nextPts)
	}
	out := c.Feed(sampleFrame(960), 2)
	if len(out) != 1 || out[0].pts != 0 {
		t.Fatalf("expected first chunk after reset to have pts 0, got %+v", out)
	}
}

// RMS boost.
func TestRMSGainBoostQuietSignal(t *testing.T) {
	quiet := make([]float32, 100)
	for i := range quiet {
		quiet[i] = 0.001 // rms well under 0.01
	}
	out := applyRMSGainBoost(quiet)

	var sumSq float64
	for _, s := range out {
		sumSq += float64(s) * float64(s)
	}
	gotRMS := sumSq / float64(len(out))
	wantMin := 0.005 * 0.005 // min(0.01, 5*0.001)^2: the 5x gain cap binds for rms 0.001
	if gotRMS < wantMin*0.999 {
		t.Fatalf("expected boosted rms^2 >= %v, got %v", wantMin, gotRMS)
	}
}

func TestRMSGainBoostLoudSignalUnchanged(t *testing.T) {
	loud := make([]float32, 100)
	for i := range loud {
		loud[i] = 0.5
	}
	out := applyRMSGainBoost(loud)
	for i := range loud {
		if out[i] != loud[i] {
			t.Fatalf("expected loud signal unchanged at index %d: %v != %v", i, out[i], loud[i])
		}
	}
}

func TestRMSGainBoostSilenceUnchanged(t *testing.T) {
	silence := make([]float32, 100)
	out := applyRMSGainBoost(silence)
	for i := range out {
		if out[i] != 0 {
			t.Fatalf("expected silence to remain silent, got %v at %d", out[i], i)
		}
	}
}

func TestRMSGainBoostCappedAt5x(t *testing.T) {
	// rms ~ 0.0001 => naive gain would be 100x; must clamp to 5x.
	tiny := make([]float32, 100)
	for i := range tiny {
		tiny[i] = 0.0001
	}
	out := applyRMSGainBoost(tiny)
	ratio := out[0] / tiny[0]
	if ratio > 5.0001 {
		t.Fatalf("expected gain capped at 5x, got %v", ratio)
	}
}
