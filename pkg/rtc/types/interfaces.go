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

package types

import (
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/signalling"
)

//go:generate go run github.com/maxbrunsfeld/counterfeiter/v6 -generate

type HandshakeState int32

const (
	HandshakeStateIdle HandshakeState = iota
	HandshakeStateOfferSent
	HandshakeStateOfferReceived
	HandshakeStateAnswerSent
	HandshakeStateAnswerReceived
	HandshakeStateConnected
	HandshakeStateReconnecting
	HandshakeStateClosed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeStateIdle:
		return "IDLE"
	case HandshakeStateOfferSent:
		return "OFFER_SENT"
	case HandshakeStateOfferReceived:
		return "OFFER_RECEIVED"
	case HandshakeStateAnswerSent:
		return "ANSWER_SENT"
	case HandshakeStateAnswerReceived:
		return "ANSWER_RECEIVED"
	case HandshakeStateConnected:
		return "CONNECTED"
	case HandshakeStateReconnecting:
		return "RECONNECTING"
	case HandshakeStateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// IsLive is true for every state a session can still make progress from.
func (s HandshakeState) IsLive() bool {
	return s != HandshakeStateReconnecting && s != HandshakeStateClosed
}

// TransportLink is one negotiated point-to-point media channel to a single remote participant.
// Implementations must be safe for concurrent use.
//
//counterfeiter:generate . TransportLink
type TransportLink interface {
	AddTrack(track webrtc.TrackLocal) error
	RemoveTrack(kind webrtc.RTPCodecType) error
	// ReplaceTrack swaps the outbound track of kind in place, without renegotiation.
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	HasTrack(kind webrtc.RTPCodecType) bool

	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	OnICECandidate(f func(candidate webrtc.ICECandidateInit))
	OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	ConnectionState() webrtc.PeerConnectionState

	GetStats() webrtc.StatsReport
	// SetVideoBitrate pushes a target to the outbound video encoder.
	SetVideoBitrate(bps uint64) error

	Close() error
}

type LinkParams struct {
	LocalID    signalling.ParticipantID
	RemoteID   signalling.ParticipantID
	ICEServers []webrtc.ICEServer
	Logger     logger.Logger
}

type LinkFactory func(params LinkParams) (TransportLink, error)

// SignalSender delivers a message to the relay service. Implementations must be safe
// for concurrent use and must not block.
//
//counterfeiter:generate . SignalSender
type SignalSender interface {
	SendMessage(msg *signalling.Message) error
}

// BitrateSetter is implemented by outbound tracks whose encoder accepts a target bitrate.
type BitrateSetter interface {
	SetBitrate(bps uint64)
}

// KeyFrameRequester is implemented by outbound video tracks that can produce a key frame on
// demand, in answer to a PLI or FIR from the remote peer.
type KeyFrameRequester interface {
	RequestKeyFrame()
}

// EnabledSetter is implemented by outbound tracks that can be muted in place.
type EnabledSetter interface {
	SetEnabled(enabled bool)
}

// IsInitiator reports whether local sends the first offer to remote. Both sides compute
// the same answer independently: the smaller identifier initiates.
func IsInitiator(local, remote signalling.ParticipantID) bool {
	return local < remote
}
