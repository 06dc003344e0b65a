// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package rtc

import (
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/atomic"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 33 * time.Millisecond

	defaultAudioBitrate = 32_000
	defaultVideoBitrate = 800_000

	keyFrameMultiplier = 4
)

// opus frame carrying silence
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

// SyntheticTrack is an outbound track that produces frames of filler payload sized to the
// current target bitrate. It is used by headless participants in place of a capture device.
type SyntheticTrack struct {
	*webrtc.TrackLocalStaticSample

	interval time.Duration
	bitrate  atomic.Uint64
	enabled  atomic.Bool
	started  atomic.Bool
	frames   atomic.Uint64
	keyFrame atomic.Bool

	keyFrameRequests atomic.Uint64

	stop core.Fuse
}

func NewSyntheticTrack(kind webrtc.RTPCodecType, streamID string) (*SyntheticTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	interval := videoFrameInterval
	bitrate := uint64(defaultVideoBitrate)
	if kind == webrtc.RTPCodecTypeAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		interval = audioFrameInterval
		bitrate = defaultAudioBitrate
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, kind.String(), streamID)
	if err != nil {
		return nil, err
	}

	t := &SyntheticTrack{
		TrackLocalStaticSample: track,
		interval:               interval,
	}
	t.bitrate.Store(bitrate)
	t.enabled.Store(true)
	return t, nil
}

func (t *SyntheticTrack) SetBitrate(bps uint64) {
	t.bitrate.Store(bps)
}

func (t *SyntheticTrack) Bitrate() uint64 {
	return t.bitrate.Load()
}

func (t *SyntheticTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *SyntheticTrack) Enabled() bool {
	return t.enabled.Load()
}

// RequestKeyFrame makes the next video frame a key frame.
func (t *SyntheticTrack) RequestKeyFrame() {
	t.keyFrameRequests.Inc()
	t.keyFrame.Store(true)
}

func (t *SyntheticTrack) KeyFrameRequests() uint64 {
	return t.keyFrameRequests.Load()
}

// FramesWritten counts non-empty frames handed to the track.
func (t *SyntheticTrack) FramesWritten() uint64 {
	return t.frames.Load()
}

func (t *SyntheticTrack) Start() {
	if t.started.Swap(true) {
		return
	}
	go t.writeWorker()
}

func (t *SyntheticTrack) Stop() {
	t.stop.Break()
}

func (t *SyntheticTrack) writeWorker() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop.Watch():
			return
		case <-ticker.C:
			// unbound tracks drop samples silently
			_ = t.WriteSample(media.Sample{Data: t.nextFrame(), Duration: t.interval})
		}
	}
}

func (t *SyntheticTrack) nextFrame() []byte {
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		if t.enabled.Load() {
			t.frames.Inc()
		}
		return silenceFrame
	}

	if !t.enabled.Load() {
		// disabled video keeps a minimal keepalive frame
		return []byte{0x00}
	}
	size := int(t.bitrate.Load() * uint64(t.interval) / uint64(time.Second) / 8)
	if size < 1 {
		size = 1
	}
	if t.keyFrame.Swap(false) {
		size *= keyFrameMultiplier
	}
	t.frames.Inc()
	return make([]byte, size)
}
