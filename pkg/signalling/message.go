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

package signalling

import (
	"encoding/json"
	"errors"
)

var (
	ErrMissingKind  = errors.New("message kind is required")
	ErrEmptyPayload = errors.New("message has no payload")
)

type ParticipantID string

type RoomName string

type MessageKind string

const (
	// participant -> service
	KindJoinRoom MessageKind = "join-room"

	// service -> participant
	KindWelcome          MessageKind = "welcome"
	KindExistingUsers    MessageKind = "existing-users"
	KindUserConnected    MessageKind = "user-connected"
	KindUserDisconnected MessageKind = "user-disconnected"
	KindError            MessageKind = "error"

	// peer -> peer, relayed verbatim
	KindOffer        MessageKind = "offer"
	KindAnswer       MessageKind = "answer"
	KindICECandidate MessageKind = "ice-candidate"
	KindTrackUpdate  MessageKind = "track-update"
)

// IsRelayed reports whether messages of this kind are addressed to another participant
// and forwarded by the relay without interpretation.
func (k MessageKind) IsRelayed() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindTrackUpdate:
		return true
	}
	return false
}

func (k MessageKind) String() string {
	return string(k)
}

// Message is the envelope exchanged over the signaling channel. Sender is always
// stamped by the relay service; a client supplied value is overwritten.
type Message struct {
	Kind    MessageKind     `json:"kind"`
	Sender  ParticipantID   `json:"sender,omitempty"`
	Target  ParticipantID   `json:"target,omitempty"`
	Room    RoomName        `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Welcome struct {
	ParticipantID ParticipantID `json:"participant_id"`
	ICEServers    []ICEServer   `json:"ice_servers,omitempty"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ExistingUsers struct {
	Participants []ParticipantID `json:"participants"`
}

// ParticipantEvent is the payload of user-connected and user-disconnected.
type ParticipantEvent struct {
	Participant ParticipantID `json:"participant"`
}

// TrackUpdate carries the sender's per-kind enabled flags. Delivery is best-effort.
type TrackUpdate struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type ErrorCode string

const (
	ErrorCodeAlreadyJoined    ErrorCode = "already_joined"
	ErrorCodeInvalidRoom      ErrorCode = "invalid_room"
	ErrorCodeRoomFull         ErrorCode = "room_full"
	ErrorCodeNotJoined        ErrorCode = "not_joined"
	ErrorCodeMalformedMessage ErrorCode = "malformed_message"
)

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewMessage builds a message of the given kind. payload may be nil, a json.RawMessage
// that is passed through untouched, or any value that marshals to JSON.
func NewMessage(kind MessageKind, payload interface{}) (*Message, error) {
	msg := &Message{Kind: kind}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		msg.Payload = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		msg.Payload = data
	}
	return msg, nil
}

// DecodePayload unmarshals the message payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(m.Payload, v)
}

// Clone returns a copy that can be modified without affecting m. The payload bytes are shared.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

func Marshal(m *Message) ([]byte, error) {
	if m.Kind == "" {
		return nil, ErrMissingKind
	}
	return json.Marshal(m)
}

func Unmarshal(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	if msg.Kind == "" {
		return nil, ErrMissingKind
	}
	return msg, nil
}
