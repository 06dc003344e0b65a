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

package rooms

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/thoas/go-funk"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/signalling"
)

var (
	ErrAlreadyJoined   = errors.New("participant already joined a room")
	ErrInvalidRoomName = errors.New("invalid room name")
	ErrRoomFull        = errors.New("room is full")
)

type RegistryParams struct {
	// 0 means unlimited
	MaxParticipants uint32
	// 0 means unlimited
	MaxRoomNameLength int
	Logger            logger.Logger
}

type RoomInfo struct {
	Name      signalling.RoomName       `json:"name"`
	Members   []signalling.ParticipantID `json:"members"`
	CreatedAt time.Time                 `json:"created_at"`
}

type room struct {
	name      signalling.RoomName
	members   map[signalling.ParticipantID]struct{}
	createdAt time.Time
}

func (r *room) others(pID signalling.ParticipantID) []signalling.ParticipantID {
	ids := make([]signalling.ParticipantID, 0, len(r.members))
	for id := range r.members {
		if id != pID {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// Registry is the authoritative in-memory mapping of room name to members.
// A room exists only while it has at least one member.
type Registry struct {
	params RegistryParams

	lock sync.RWMutex
	// room name => room
	rooms map[signalling.RoomName]*room
	// participant => room name
	membership map[signalling.ParticipantID]signalling.RoomName

	onRoomCreated func(name signalling.RoomName)
	onRoomClosed  func(name signalling.RoomName, createdAt time.Time)
}

func NewRegistry(params RegistryParams) *Registry {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Registry{
		params:     params,
		rooms:      make(map[signalling.RoomName]*room),
		membership: make(map[signalling.ParticipantID]signalling.RoomName),
	}
}

// OnRoomCreated and OnRoomClosed callbacks run while the registry is locked and must not call back into it.
func (r *Registry) OnRoomCreated(f func(name signalling.RoomName)) {
	r.lock.Lock()
	r.onRoomCreated = f
	r.lock.Unlock()
}

func (r *Registry) OnRoomClosed(f func(name signalling.RoomName, createdAt time.Time)) {
	r.lock.Lock()
	r.onRoomClosed = f
	r.lock.Unlock()
}

// Join registers pID under name, creating the room when absent, and returns the other
// current members sorted by identifier. A participant may be in at most one room; a
// second join is rejected with ErrAlreadyJoined and leaves membership unchanged.
func (r *Registry) Join(pID signalling.ParticipantID, name signalling.RoomName) (others []signalling.ParticipantID, created bool, err error) {
	if name == "" || (r.params.MaxRoomNameLength > 0 && len(name) > r.params.MaxRoomNameLength) {
		return nil, false, ErrInvalidRoomName
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.membership[pID]; ok {
		return nil, false, ErrAlreadyJoined
	}

	rm := r.rooms[name]
	if rm == nil {
		rm = &room{
			name:      name,
			members:   make(map[signalling.ParticipantID]struct{}),
			createdAt: time.Now(),
		}
		created = true
	} else if r.params.MaxParticipants > 0 && uint32(len(rm.members)) >= r.params.MaxParticipants {
		return nil, false, ErrRoomFull
	}

	others = rm.others(pID)
	rm.members[pID] = struct{}{}
	r.membership[pID] = name
	if created {
		r.rooms[name] = rm
		r.params.Logger.Debugw("room created", "room", name)
		if r.onRoomCreated != nil {
			r.onRoomCreated(name)
		}
	}
	return others, created, nil
}

// Leave removes pID from its room and returns the room it was in along with the members
// that remain. The room is removed when its last member leaves. ok is false when pID
// was not in any room.
func (r *Registry) Leave(pID signalling.ParticipantID) (name signalling.RoomName, remaining []signalling.ParticipantID, ok bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	name, ok = r.membership[pID]
	if !ok {
		return "", nil, false
	}
	delete(r.membership, pID)

	rm := r.rooms[name]
	if rm == nil {
		return name, nil, true
	}
	delete(rm.members, pID)
	if len(rm.members) == 0 {
		delete(r.rooms, name)
		r.params.Logger.Debugw("room closed", "room", name, "lifetime", time.Since(rm.createdAt))
		if r.onRoomClosed != nil {
			r.onRoomClosed(name, rm.createdAt)
		}
		return name, nil, true
	}
	return name, rm.others(""), true
}

func (r *Registry) RoomOf(pID signalling.ParticipantID) (signalling.RoomName, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	name, ok := r.membership[pID]
	return name, ok
}

// SameRoom reports whether both participants are currently members of one room.
func (r *Registry) SameRoom(a, b signalling.ParticipantID) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	ra, ok := r.membership[a]
	if !ok {
		return false
	}
	rb, ok := r.membership[b]
	return ok && ra == rb
}

func (r *Registry) Members(name signalling.RoomName) []signalling.ParticipantID {
	r.lock.RLock()
	defer r.lock.RUnlock()

	rm := r.rooms[name]
	if rm == nil {
		return nil
	}
	return rm.others("")
}

func (r *Registry) RoomExists(name signalling.RoomName) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, ok := r.rooms[name]
	return ok
}

func (r *Registry) NumRooms() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.rooms)
}

func (r *Registry) NumParticipants() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.membership)
}

// ListRooms returns a snapshot of all rooms ordered by name.
func (r *Registry) ListRooms() []RoomInfo {
	r.lock.RLock()
	names := funk.Keys(r.rooms).([]signalling.RoomName)
	infos := make([]RoomInfo, 0, len(names))
	for _, name := range names {
		rm := r.rooms[name]
		infos = append(infos, RoomInfo{
			Name:      rm.name,
			Members:   rm.others(""),
			CreatedAt: rm.createdAt,
		})
	}
	r.lock.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

func sortIDs(ids []signalling.ParticipantID) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
}
