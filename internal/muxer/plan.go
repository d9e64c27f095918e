// Package muxer writes a saved clip's rolling-buffer contents out as an MP4
// file. The rebasing/trim arithmetic is split out as a pure,
// astiav-free plan builder so it can be unit tested without a real libav
// muxer present; writeMP4 (writer.go) does the actual container I/O.
package muxer

import (
	"errors"

	"github.com/shadowcap/recorder/internal/capture"
)

// ErrNoFrames is returned when the pre-trim step leaves no video frame to
// rebase the clip against (e.g. there are no video frames, or every one is
// a non-keyframe older than the first retained audio capture time).
var ErrNoFrames = errors.New("muxer: no video frame survives pre-trim")

// videoPacket is one fully-rebased video packet ready to write.
type videoPacket struct {
	PtsUs      int64
	DtsUs      int64
	Data       []byte
	IsKeyframe bool
}

// audioPacket is one fully-rebased audio packet ready to write.
type audioPacket struct {
	PtsSamples int64
	Data       []byte
}

// plan is the output of buildPlan: two packet sequences already cut,
// ordered, and rebased to PTS 0 at the clip's start.
type plan struct {
	video []videoPacket
	audio []audioPacket
}

// buildPlan performs the cut, pre-trim, and rebasing arithmetic for one
// clip. videoFrames must be supplied in
// ascending DTS order (VideoBuffer.FramesUpTo already guarantees this).
// audioFrames and audioCaptureTimes must be the same length and index-
// aligned (AudioBuffer.Frames/CaptureTimes guarantee this).
func buildPlan(videoFrames []capture.EncodedVideoFrame, lastGOPStart int64, audioFrames []capture.EncodedAudioFrame, audioCaptureTimes []int64) (plan, error) {
	// Step 3: video cut-off at the most recent keyframe's DTS.
	cutoff := make([]capture.EncodedVideoFrame, 0, len(videoFrames))
	for _, f := range videoFrames {
		if f.DtsUs > lastGOPStart {
			break
		}
		cutoff = append(cutoff, f)
	}

	// Step 4: audio_start_us = first retained audio capture timestamp.
	var audioStartUs int64
	if len(audioCaptureTimes) > 0 {
		audioStartUs = audioCaptureTimes[0]
	}

	// Step 5: pre-trim video, skipping leading non-keyframes older than
	// audio_start_us, to find the rebasing origin.
	startIdx := -1
	for i, f := range cutoff {
		if !f.IsKeyframe && f.PtsUs < audioStartUs {
			continue
		}
		startIdx = i
		break
	}
	if startIdx == -1 {
		return plan{}, ErrNoFrames
	}

	videoBasePts := cutoff[startIdx].PtsUs

	// Step 6: write video, rebased, tracking the newest original PTS.
	var out plan
	var newestVideoPts int64
	for _, f := range cutoff[startIdx:] {
		out.video = append(out.video, videoPacket{
			PtsUs:      f.PtsUs - videoBasePts,
			DtsUs:      f.DtsUs - videoBasePts,
			Data:       f.Data,
			IsKeyframe: f.IsKeyframe,
		})
		newestVideoPts = f.PtsUs
	}

	// Step 7: write audio, skipping frames captured before video_base_pts,
	// stopping once a frame is captured after the newest written video PTS.
	audioBaseSet := false
	var audioBasePtsSamples int64
	for i, f := range audioFrames {
		captureUs := audioCaptureTimes[i]
		if !audioBaseSet {
			if captureUs < videoBasePts {
				continue
			}
			audioBaseSet = true
			audioBasePtsSamples = f.PtsSamples
		}
		if captureUs > newestVideoPts {
			break
		}
		out.audio = append(out.audio, audioPacket{
			PtsSamples: f.PtsSamples - audioBasePtsSamples,
			Data:       f.Data,
		})
	}

	return out, nil
}
