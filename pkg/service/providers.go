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


package service

import (
	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/rooms"
	"github.com/livekit/meshroom/pkg/routing"
)

func createRegistry(conf *config.Config) *rooms.Registry {
	return rooms.NewRegistry(rooms.RegistryParams{
		MaxParticipants:   conf.Room.MaxParticipants,
		MaxRoomNameLength: conf.Room.MaxRoomNameLength,
		Logger:            logger.GetLogger().WithName("rooms"),
	})
}

func createRouter(registry *rooms.Registry) *routing.Router {
	return routing.NewRouter(routing.RouterParams{
		Registry: registry,
		Logger:   logger.GetLogger().WithName("router"),
	})
}
