//go:build nvenc

package capture

import (
	"errors"
	"fmt"
	"strconv"

	astiav "github.com/asticode/go-astiav"
)

func init() {
	registerHardwareVideoBackend("nvenc", newNVENCBackend)
}

// nvencBackend wraps libavcodec's h264_nvenc encoder. It always runs raw
// frames through the BGRA->NV12 software scaler before submitting them;
// nvenc accepts system-memory frames directly, so no surface pool is needed.
type nvencBackend struct {
	width, height int
	quality       Quality

	codec   *astiav.Codec
	codecCt *astiav.CodecContext
	scaler  *bgraToNV12Scaler
	pkt     *astiav.Packet
}

func newNVENCBackend(width, height int, quality Quality) (videoEncoderBackend, error) {
	b := &nvencBackend{width: width, height: height, quality: quality}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *nvencBackend) open() error {
	codec := astiav.FindEncoderByName("h264_nvenc")
	if codec == nil {
		return errors.New("h264_nvenc encoder not available in this libavcodec build")
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return errors.New("alloc codec context for h264_nvenc failed")
	}

	ctx.SetWidth(b.width)
	ctx.SetHeight(b.height)
	ctx.SetPixelFormat(astiav.PixelFormatNv12)
	ctx.SetTimeBase(astiav.NewRational(VideoTimeBaseUs, 1_000_000))
	ctx.SetGopSize(VideoGOPLength)

	params := qualityParamsFor(b.quality)
	ctx.SetBitRate(params.bitrate)

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("rc", "vbr", 0)
	_ = opts.Set("cq", strconv.Itoa(params.cq), 0)
	_ = opts.Set("qp", strconv.Itoa(params.qp), 0)

	if err := ctx.Open(codec, opts); err != nil {
		ctx.Free()
		return fmt.Errorf("open h264_nvenc: %w", err)
	}

	scaler, err := newBGRAToNV12Scaler(b.width, b.height)
	if err != nil {
		ctx.Free()
		return err
	}

	b.codec = codec
	b.codecCt = ctx
	b.scaler = scaler
	b.pkt = astiav.AllocPacket()
	return nil
}

func (b *nvencBackend) Process(frame RawVideoFrame) ([]EncodedVideoFrame, error) {
	if frame.PixelFormat == PixelFormatDMABUF {
		return nil, fmt.Errorf("nvenc: dma-buf frames are not supported, deliver bgra instead (fd=%d)", frame.DMABUFHandle)
	}
	nv12, err := b.scaler.Convert(frame.Bytes)
	if err != nil {
		return nil, err
	}
	nv12.SetPts(frame.TimestampUs)

	if err := b.codecCt.SendFrame(nv12); err != nil {
		return nil, fmt.Errorf("nvenc send_frame: %w", err)
	}
	return b.receiveAll()
}

func (b *nvencBackend) receiveAll() ([]EncodedVideoFrame, error) {
	var out []EncodedVideoFrame
	for {
		err := b.codecCt.ReceivePacket(b.pkt)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return out, nil
			}
			return out, fmt.Errorf("nvenc receive_packet: %w", err)
		}
		out = append(out, EncodedVideoFrame{
			Data:       append([]byte(nil), b.pkt.Data()...),
			PtsUs:      b.pkt.Pts(),
			DtsUs:      b.pkt.Dts(),
			IsKeyframe: b.pkt.Flags().Has(astiav.PacketFlagKey),
		})
		b.pkt.Unref()
	}
}

func (b *nvencBackend) Drain() ([]EncodedVideoFrame, error) {
	if err := b.codecCt.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return nil, fmt.Errorf("nvenc drain send_frame(nil): %w", err)
	}
	return b.receiveAll()
}

func (b *nvencBackend) Reset() error {
	b.closeHandles()
	return b.open()
}

func (b *nvencBackend) Close() error {
	b.closeHandles()
	return nil
}

func (b *nvencBackend) closeHandles() {
	if b.pkt != nil {
		b.pkt.Free()
		b.pkt = nil
	}
	if b.scaler != nil {
		b.scaler.Close()
		b.scaler = nil
	}
	if b.codecCt != nil {
		b.codecCt.Free()
		b.codecCt = nil
	}
}

func (b *nvencBackend) Name() string { return "nvenc" }
