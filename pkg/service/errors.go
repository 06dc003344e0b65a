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
	"errors"

	"github.com/livekit/meshroom/pkg/rooms"
	"github.com/livekit/meshroom/pkg/routing"
	"github.com/livekit/meshroom/pkg/signalling"
)

// ErrorCodeFor maps a failure handling a participant's message to the code reported back
// to it. ok is false for failures the participant is not told about.
func ErrorCodeFor(err error) (code signalling.ErrorCode, ok bool) {
	var decodeErr *DecodeError
	switch {
	case errors.Is(err, rooms.ErrAlreadyJoined):
		return signalling.ErrorCodeAlreadyJoined, true
	case errors.Is(err, rooms.ErrInvalidRoomName):
		return signalling.ErrorCodeInvalidRoom, true
	case errors.Is(err, rooms.ErrRoomFull):
		return signalling.ErrorCodeRoomFull, true
	case errors.Is(err, routing.ErrNotJoined):
		return signalling.ErrorCodeNotJoined, true
	case errors.As(err, &decodeErr),
		errors.Is(err, routing.ErrUnsupportedKind),
		errors.Is(err, routing.ErrNotRelayable):
		return signalling.ErrorCodeMalformedMessage, true
	default:
		return "", false
	}
}

func newErrorMessage(code signalling.ErrorCode, err error) *signalling.Message {
	msg, _ := signalling.NewMessage(signalling.KindError, signalling.Error{
		Code:    code,
		Message: err.Error(),
	})
	return msg
}
