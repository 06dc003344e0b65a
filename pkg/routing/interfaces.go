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
	"github.com/livekit/meshroom/pkg/signalling"
)

//go:generate go run github.com/maxbrunsfeld/counterfeiter/v6 -generate

// MessageSink is the outbound half of a participant's signaling channel.
//
//counterfeiter:generate . MessageSink
type MessageSink interface {
	WriteMessage(msg *signalling.Message) error
	IsClosed() bool
	Close()
}

// MessageSource is read by the connection's write pump.
type MessageSource interface {
	// ReadChan exposes a one way channel to make it easier to use with select
	ReadChan() <-chan *signalling.Message
	IsClosed() bool
	Close()
}
