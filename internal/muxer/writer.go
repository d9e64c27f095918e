package muxer

import (
	"fmt"

	astiav "github.com/asticode/go-astiav"

	"github.com/shadowcap/recorder/internal/capture"
)

// writeMP4 performs the actual container I/O: open the container,
// describe each track, write header, packets, and trailer. Each packet's
// timestamps are rescaled from the fixed encoder time bases onto the
// container stream's.
func writeMP4(path string, p plan, params Params) error {
	oc, err := astiav.AllocOutputFormatContext(nil, "mp4", path)
	if err != nil || oc == nil {
		return fmt.Errorf("alloc output format context: %w", err)
	}
	defer oc.Free()

	ioFlags := astiav.NewIOContextFlags(astiav.IOContextFlagWrite)
	pb, err := astiav.OpenIOContext(path, ioFlags, nil, nil)
	if err != nil {
		return fmt.Errorf("open io context %s: %w", path, err)
	}
	defer func() {
		_ = pb.Close()
		pb.Free()
	}()
	oc.SetPb(pb)

	videoStream := oc.NewStream(nil)
	if videoStream == nil {
		return fmt.Errorf("alloc video stream")
	}
	vp := videoStream.CodecParameters()
	vp.SetMediaType(astiav.MediaTypeVideo)
	vp.SetCodecID(astiav.CodecIDH264)
	vp.SetWidth(params.Width)
	vp.SetHeight(params.Height)
	srcVideoTb := astiav.NewRational(capture.VideoTimeBaseUs, 1_000_000)
	videoStream.SetTimeBase(srcVideoTb)

	audioStream := oc.NewStream(nil)
	if audioStream == nil {
		return fmt.Errorf("alloc audio stream")
	}
	ap := audioStream.CodecParameters()
	ap.SetMediaType(astiav.MediaTypeAudio)
	ap.SetCodecID(astiav.CodecIDOpus)
	ap.SetChannelLayout(astiav.ChannelLayoutStereo)
	ap.SetSampleRate(capture.AudioSampleRate)
	srcAudioTb := astiav.NewRational(1, capture.AudioSampleRate)
	audioStream.SetTimeBase(srcAudioTb)

	if err := oc.WriteHeader(nil); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	pkt := astiav.AllocPacket()
	defer pkt.Free()

	for _, v := range p.video {
		if err := pkt.FromData(v.Data); err != nil {
			return fmt.Errorf("build video packet: %w", err)
		}
		pkt.SetStreamIndex(videoStream.Index())
		pkt.SetPts(v.PtsUs)
		pkt.SetDts(v.DtsUs)
		if v.IsKeyframe {
			pkt.SetFlags(astiav.NewPacketFlags(astiav.PacketFlagKey))
		}
		pkt.RescaleTs(srcVideoTb, videoStream.TimeBase())
		if err := oc.WriteInterleavedFrame(pkt); err != nil {
			return fmt.Errorf("write video packet: %w", err)
		}
		pkt.Unref()
	}

	for _, a := range p.audio {
		if err := pkt.FromData(a.Data); err != nil {
			return fmt.Errorf("build audio packet: %w", err)
		}
		pkt.SetStreamIndex(audioStream.Index())
		pkt.SetPts(a.PtsSamples)
		pkt.SetDts(a.PtsSamples)
		pkt.RescaleTs(srcAudioTb, audioStream.TimeBase())
		if err := oc.WriteInterleavedFrame(pkt); err != nil {
			return fmt.Errorf("write audio packet: %w", err)
		}
		pkt.Unref()
	}

	if err := oc.WriteTrailer(); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	return nil
}
