package capture

import (
	"fmt"

	astiav "github.com/asticode/go-astiav"
)

// bgraToNV12Scaler wraps libswscale to convert a tightly packed BGRA
// buffer into an NV12 frame ready for a hardware encoder. The source and
// destination frames are allocated once and reused across calls.
type bgraToNV12Scaler struct {
	ssc  *astiav.SoftwareScaleContext
	src  *astiav.Frame
	dst  *astiav.Frame
	w, h int
}

func newBGRAToNV12Scaler(width, height int) (*bgraToNV12Scaler, error) {
	flags := astiav.NewSoftwareScaleContextFlags()
	ssc, err := astiav.CreateSoftwareScaleContext(
		width, height, astiav.PixelFormatBgra,
		width, height, astiav.PixelFormatNv12,
		flags,
	)
	if err != nil {
		return nil, fmt.Errorf("create bgra->nv12 scale context: %w", err)
	}

	src := astiav.AllocFrame()
	src.SetWidth(width)
	src.SetHeight(height)
	src.SetPixelFormat(astiav.PixelFormatBgra)
	if err := src.AllocBuffer(1); err != nil {
		src.Free()
		ssc.Free()
		return nil, fmt.Errorf("alloc bgra source buffer: %w", err)
	}

	dst := astiav.AllocFrame()
	dst.SetWidth(width)
	dst.SetHeight(height)
	dst.SetPixelFormat(astiav.PixelFormatNv12)
	if err := dst.AllocBuffer(1); err != nil {
		src.Free()
		dst.Free()
		ssc.Free()
		return nil, fmt.Errorf("alloc nv12 destination buffer: %w", err)
	}

	return &bgraToNV12Scaler{ssc: ssc, src: src, dst: dst, w: width, h: height}, nil
}

// Convert fills s.dst with the NV12-converted contents of raw BGRA bytes.
// The returned frame is owned by the scaler and reused across calls.
func (s *bgraToNV12Scaler) Convert(bgra []byte) (*astiav.Frame, error) {
	if err := s.src.MakeWritable(); err != nil {
		return nil, fmt.Errorf("make bgra source frame writable: %w", err)
	}
	if err := s.src.Data().SetBytes(bgra, 1); err != nil {
		return nil, fmt.Errorf("copy bgra source into frame: %w", err)
	}
	if err := s.dst.MakeWritable(); err != nil {
		return nil, fmt.Errorf("make nv12 destination frame writable: %w", err)
	}
	if err := s.ssc.ScaleFrame(s.src, s.dst); err != nil {
		return nil, fmt.Errorf("scale bgra->nv12: %w", err)
	}
	return s.dst, nil
}

func (s *bgraToNV12Scaler) Close() {
	if s.src != nil {
		s.src.Free()
		s.src = nil
	}
	if s.dst != nil {
		s.dst.Free()
		s.dst = nil
	}
	if s.ssc != nil {
		s.ssc.Free()
		s.ssc = nil
	}
}
