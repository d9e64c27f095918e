//go:build vaapi

package capture

import (
	"errors"
	"fmt"
	"strconv"

	astiav "github.com/asticode/go-astiav"
)

func init() {
	registerHardwareVideoBackend("vaapi", newVAAPIBackend)
}

// vaapiHardwarePoolSize bounds how many device surfaces the encoder's frame
// pool allocates up front. The encoder holds at most a few frames in flight
// at the fixed GOP settings; 20 leaves headroom without pinning device memory.
const vaapiHardwarePoolSize = 20

// vaapiBackend wraps libavcodec's h264_vaapi encoder. h264_vaapi only
// accepts device-memory surfaces, so every frame is software-scaled
// BGRA->NV12, copied into a freshly leased hardware frame from the
// encoder's surface pool, and submitted. The DMA-BUF zero-copy import path
// is not wired (the bindings expose no way to wrap a raw fd as a DRM_PRIME
// surface); frames carrying a DMA-BUF handle are rejected per frame and the
// pipeline continues.
type vaapiBackend struct {
	width, height int
	quality       Quality

	deviceCtx *astiav.HardwareDeviceContext
	frameCtx  *astiav.HardwareFrameContext
	codec     *astiav.Codec
	codecCt   *astiav.CodecContext
	scaler    *bgraToNV12Scaler
	pkt       *astiav.Packet
}

func newVAAPIBackend(width, height int, quality Quality) (videoEncoderBackend, error) {
	b := &vaapiBackend{width: width, height: height, quality: quality}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *vaapiBackend) open() error {
	codec := astiav.FindEncoderByName("h264_vaapi")
	if codec == nil {
		return errors.New("h264_vaapi encoder not available in this libavcodec build")
	}

	deviceCtx, err := astiav.CreateHardwareDeviceContext(astiav.HardwareDeviceTypeVAAPI, "", nil, 0)
	if err != nil {
		return fmt.Errorf("create vaapi hardware device context: %w", err)
	}

	frameCtx := astiav.AllocHardwareFrameContext(deviceCtx)
	if frameCtx == nil {
		deviceCtx.Free()
		return errors.New("alloc vaapi hardware frame context failed")
	}
	frameCtx.SetWidth(b.width)
	frameCtx.SetHeight(b.height)
	frameCtx.SetHardwarePixelFormat(astiav.PixelFormatVaapi)
	frameCtx.SetSoftwarePixelFormat(astiav.PixelFormatNv12)
	frameCtx.SetInitialPoolSize(vaapiHardwarePoolSize)
	if err := frameCtx.Initialize(); err != nil {
		deviceCtx.Free()
		return fmt.Errorf("initialize vaapi hardware frame context: %w", err)
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		deviceCtx.Free()
		return errors.New("alloc codec context for h264_vaapi failed")
	}

	ctx.SetWidth(b.width)
	ctx.SetHeight(b.height)
	ctx.SetPixelFormat(astiav.PixelFormatVaapi)
	ctx.SetTimeBase(astiav.NewRational(VideoTimeBaseUs, 1_000_000))
	ctx.SetGopSize(VideoGOPLength)
	ctx.SetHardwareFrameContext(frameCtx)

	params := qualityParamsFor(b.quality)
	ctx.SetBitRate(params.bitrate)

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("rc_mode", "VBR", 0)
	_ = opts.Set("qp", strconv.Itoa(params.qp), 0)

	if err := ctx.Open(codec, opts); err != nil {
		ctx.Free()
		deviceCtx.Free()
		return fmt.Errorf("open h264_vaapi: %w", err)
	}

	scaler, err := newBGRAToNV12Scaler(b.width, b.height)
	if err != nil {
		ctx.Free()
		deviceCtx.Free()
		return err
	}

	b.codec = codec
	b.codecCt = ctx
	b.deviceCtx = deviceCtx
	b.frameCtx = frameCtx
	b.scaler = scaler
	b.pkt = astiav.AllocPacket()
	return nil
}

func (b *vaapiBackend) Process(frame RawVideoFrame) ([]EncodedVideoFrame, error) {
	if frame.PixelFormat == PixelFormatDMABUF {
		return nil, fmt.Errorf("vaapi: dma-buf frames are not supported, deliver bgra instead (fd=%d)", frame.DMABUFHandle)
	}

	nv12, err := b.scaler.Convert(frame.Bytes)
	if err != nil {
		return nil, err
	}

	hw := astiav.AllocFrame()
	defer hw.Free()
	if err := hw.AllocHardwareBuffer(b.frameCtx); err != nil {
		return nil, fmt.Errorf("vaapi lease hardware surface: %w", err)
	}
	if err := nv12.TransferHardwareData(hw); err != nil {
		return nil, fmt.Errorf("vaapi host-to-device transfer: %w", err)
	}
	hw.SetPts(frame.TimestampUs)

	if err := b.codecCt.SendFrame(hw); err != nil {
		return nil, fmt.Errorf("vaapi send_frame: %w", err)
	}
	return b.receiveAll()
}

func (b *vaapiBackend) receiveAll() ([]EncodedVideoFrame, error) {
	var out []EncodedVideoFrame
	for {
		err := b.codecCt.ReceivePacket(b.pkt)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return out, nil
			}
			return out, fmt.Errorf("vaapi receive_packet: %w", err)
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

func (b *vaapiBackend) Drain() ([]EncodedVideoFrame, error) {
	if err := b.codecCt.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return nil, fmt.Errorf("vaapi drain send_frame(nil): %w", err)
	}
	return b.receiveAll()
}

// Reset recreates the encoder together with its device context, surface
// pool, and scaler.
func (b *vaapiBackend) Reset() error {
	b.closeHandles()
	return b.open()
}

func (b *vaapiBackend) Close() error {
	b.closeHandles()
	return nil
}

func (b *vaapiBackend) closeHandles() {
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
	b.frameCtx = nil // owned by the codec context once attached
	if b.deviceCtx != nil {
		b.deviceCtx.Free()
		b.deviceCtx = nil
	}
}

func (b *vaapiBackend) Name() string { return "vaapi" }
