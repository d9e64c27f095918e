package capture

import "testing"

// Rolling trim: capture times 1..19 step 2 against a window of 10.
func TestAudioBufferTrim(t *testing.T) {
	b := NewAudioBuffer(10)
	for pts := int64(1); pts <= 19; pts += 2 {
		b.InsertFrame(pts, []byte{byte(pts)})
		b.InsertCaptureTime(pts)
	}

	if got := b.Len(); got != 6 {
		t.Fatalf("expected 6 frames remaining, got %d", got)
	}
	times := b.CaptureTimes()
	if len(times) == 0 || times[0] != 9 {
		t.Fatalf("expected first capture time 9, got %v", times)
	}
}

// frames and capture_times always stay equal in length.
func TestAudioBufferLockstep(t *testing.T) {
	b := NewAudioBuffer(10)
	for pts := int64(0); pts < 50; pts++ {
		b.InsertFrame(pts, []byte{byte(pts)})
		b.InsertCaptureTime(pts)
		if len(b.Frames()) != len(b.CaptureTimes()) {
			t.Fatalf("frames/capture_times diverged at pts=%d: %d vs %d",
				pts, len(b.Frames()), len(b.CaptureTimes()))
		}
	}
}

// Two consecutive resets leave both lists empty.
func TestAudioBufferDoubleReset(t *testing.T) {
	b := NewAudioBuffer(10)
	b.InsertFrame(1, []byte{1})
	b.InsertCaptureTime(1)
	b.Reset()
	b.Reset()
	if b.Len() != 0 || len(b.CaptureTimes()) != 0 {
		t.Fatalf("expected empty buffer after double reset, got len=%d captures=%d",
			b.Len(), len(b.CaptureTimes()))
	}
}
