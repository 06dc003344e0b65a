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


package routing

import (
	"errors"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/rooms"
	"github.com/livekit/meshroom/pkg/signalling"
	"github.com/livekit/meshroom/pkg/telemetry/prometheus"
)

type RouterParams struct {
	Registry *rooms.Registry
	Logger   logger.Logger
}

// Router forwards handshake messages between participants of the same room and
// broadcasts membership changes. Membership changes and their notifications are
// serialized so every member observes joins and departures in the same order.
type Router struct {
	params RouterParams

	lock sync.RWMutex
	// participant => outbound channel
	sinks map[signalling.ParticipantID]MessageSink
}

func NewRouter(params RouterParams) *Router {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Registry == nil {
		params.Registry = rooms.NewRegistry(rooms.RegistryParams{Logger: params.Logger})
	}

	params.Registry.OnRoomCreated(func(_ signalling.RoomName) {
		prometheus.RoomStarted()
	})
	params.Registry.OnRoomClosed(func(_ signalling.RoomName, createdAt time.Time) {
		prometheus.RoomEnded(createdAt)
	})

	return &Router{
		params: params,
		sinks:  make(map[signalling.ParticipantID]MessageSink),
	}
}

func (r *Router) Registry() *rooms.Registry {
	return r.params.Registry
}

// Connect registers the outbound channel of a newly connected participant.
func (r *Router) Connect(pID signalling.ParticipantID, sink MessageSink) {
	r.lock.Lock()
	prev := r.sinks[pID]
	r.sinks[pID] = sink
	r.lock.Unlock()

	if prev != nil && prev != sink {
		r.params.Logger.Warnw("replacing existing signal sink", nil, "participant", pID)
		prev.Close()
	} else {
		prometheus.AddParticipant()
	}
}

// Disconnect removes the participant from its room and notifies every remaining member
// exactly once. The participant's own sink is not written to.
func (r *Router) Disconnect(pID signalling.ParticipantID) {
	r.lock.Lock()
	if _, ok := r.sinks[pID]; !ok {
		r.lock.Unlock()
		return
	}
	delete(r.sinks, pID)

	name, remaining, joined := r.params.Registry.Leave(pID)
	if joined {
		msg, _ := signalling.NewMessage(signalling.KindUserDisconnected, signalling.ParticipantEvent{Participant: pID})
		msg.Sender = pID
		msg.Room = name
		for _, other := range remaining {
			r.writeLocked(other, msg)
		}
	}
	r.lock.Unlock()

	prometheus.SubParticipant()
	if joined {
		prometheus.SubJoined()
		r.params.Logger.Infow("participant left room", "participant", pID, "room", name, "remaining", len(remaining))
	}
}

// Join adds the participant to a room. The joining participant receives existing-users with
// everyone else; everyone else receives user-connected. The two are never the same message.
func (r *Router) Join(pID signalling.ParticipantID, name signalling.RoomName) ([]signalling.ParticipantID, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.sinks[pID]; !ok {
		return nil, ErrNotConnected
	}

	others, _, err := r.params.Registry.Join(pID, name)
	if err != nil {
		return nil, err
	}
	prometheus.AddJoined()

	existing, _ := signalling.NewMessage(signalling.KindExistingUsers, signalling.ExistingUsers{Participants: others})
	existing.Room = name
	r.writeLocked(pID, existing)

	connected, _ := signalling.NewMessage(signalling.KindUserConnected, signalling.ParticipantEvent{Participant: pID})
	connected.Sender = pID
	connected.Room = name
	for _, other := range others {
		r.writeLocked(other, connected)
	}

	r.params.Logger.Infow("participant joined room", "participant", pID, "room", name, "others", len(others))
	return others, nil
}

// Relay forwards a handshake message to msg.Target. A target that is not connected or not
// in the sender's room is not an error: the message is dropped.
func (r *Router) Relay(sender signalling.ParticipantID, msg *signalling.Message) error {
	if !msg.Kind.IsRelayed() {
		prometheus.RecordRelay(msg.Kind.String(), prometheus.RelayStatusRejected)
		return ErrNotRelayable
	}

	name, ok := r.params.Registry.RoomOf(sender)
	if !ok {
		prometheus.RecordRelay(msg.Kind.String(), prometheus.RelayStatusRejected)
		return ErrNotJoined
	}

	target := msg.Target
	if target == "" || target == sender || !r.params.Registry.SameRoom(sender, target) {
		r.params.Logger.Debugw("dropping relay to absent target", "kind", msg.Kind, "sender", sender, "target", target)
		prometheus.RecordRelay(msg.Kind.String(), prometheus.RelayStatusNoTarget)
		return nil
	}

	out := msg.Clone()
	out.Sender = sender
	out.Room = name

	r.lock.RLock()
	r.writeLocked(target, out)
	r.lock.RUnlock()
	return nil
}

// HandleMessage dispatches a message received from sender on its signaling channel.
func (r *Router) HandleMessage(sender signalling.ParticipantID, msg *signalling.Message) error {
	switch {
	case msg.Kind == signalling.KindJoinRoom:
		_, err := r.Join(sender, msg.Room)
		return err
	case msg.Kind.IsRelayed():
		return r.Relay(sender, msg)
	default:
		return ErrUnsupportedKind
	}
}

// SendTo writes a service originated message to a connected participant.
func (r *Router) SendTo(pID signalling.ParticipantID, msg *signalling.Message) error {
	r.lock.RLock()
	defer r.lock.RUnlock()

	sink := r.sinks[pID]
	if sink == nil {
		return ErrNotConnected
	}
	return sink.WriteMessage(msg)
}

func (r *Router) IsConnected(pID signalling.ParticipantID) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, ok := r.sinks[pID]
	return ok
}

// must be called with lock held, read or write
func (r *Router) writeLocked(pID signalling.ParticipantID, msg *signalling.Message) {
	sink := r.sinks[pID]
	if sink == nil {
		prometheus.RecordRelay(msg.Kind.String(), prometheus.RelayStatusNoTarget)
		return
	}

	err := sink.WriteMessage(msg)
	switch {
	case err == nil:
		prometheus.RecordRelay(msg.Kind.String(), prometheus.RelayStatusForwarded)
	case errors.Is(err, ErrChannelFull):
		r.params.Logger.Warnw("signal channel full, dropping message", err, "participant", pID, "kind", msg.Kind)
		prometheus.RecordRelay(msg.Kind.String(), prometheus.RelayStatusOverflow)
	default:
		r.params.Logger.Debugw("could not write message", "error", err, "participant", pID, "kind", msg.Kind)
		prometheus.RecordRelay(msg.Kind.String(), prometheus.RelayStatusNoTarget)
	}
}
