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
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/meshroom/pkg/rtc/types"
	"github.com/livekit/meshroom/pkg/signalling"
)

var mediaKinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

// LocalMedia holds at most one outbound track per kind. Tracks are shared by reference
// across every peer session of the participant.
type LocalMedia struct {
	lock    sync.RWMutex
	tracks  map[webrtc.RTPCodecType]webrtc.TrackLocal
	enabled map[webrtc.RTPCodecType]bool
}

func NewLocalMedia() *LocalMedia {
	return &LocalMedia{
		tracks:  make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		enabled: make(map[webrtc.RTPCodecType]bool),
	}
}

func (m *LocalMedia) Track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.tracks[kind]
}

// Tracks returns the current tracks, audio first.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var tracks []webrtc.TrackLocal
	for _, kind := range mediaKinds {
		if track, ok := m.tracks[kind]; ok {
			tracks = append(tracks, track)
		}
	}
	return tracks
}

// SetTrack installs track for its kind and returns the track it replaced, if any. A newly
// added kind starts enabled; a replacement keeps the current flag.
func (m *LocalMedia) SetTrack(track webrtc.TrackLocal) webrtc.TrackLocal {
	m.lock.Lock()
	defer m.lock.Unlock()

	kind := track.Kind()
	prev := m.tracks[kind]
	m.tracks[kind] = track
	if prev == nil {
		m.enabled[kind] = true
	}
	if setter, ok := track.(types.EnabledSetter); ok {
		setter.SetEnabled(m.enabled[kind])
	}
	return prev
}

func (m *LocalMedia) RemoveTrack(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	m.lock.Lock()
	defer m.lock.Unlock()

	prev := m.tracks[kind]
	delete(m.tracks, kind)
	delete(m.enabled, kind)
	return prev
}

// SetEnabled mutes or unmutes the track of kind in place.
func (m *LocalMedia) SetEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	track, ok := m.tracks[kind]
	if !ok {
		return ErrNoTrack
	}
	m.enabled[kind] = enabled
	if setter, ok := track.(types.EnabledSetter); ok {
		setter.SetEnabled(enabled)
	}
	return nil
}

func (m *LocalMedia) IsEnabled(kind webrtc.RTPCodecType) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()

	_, ok := m.tracks[kind]
	return ok && m.enabled[kind]
}

func (m *LocalMedia) State() signalling.TrackUpdate {
	return signalling.TrackUpdate{
		Audio: m.IsEnabled(webrtc.RTPCodecTypeAudio),
		Video: m.IsEnabled(webrtc.RTPCodecTypeVideo),
	}
}
