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

import "errors"

var (
	ErrSessionClosed         = errors.New("peer session is closed")
	ErrTransportClosed       = errors.New("transport is closed")
	ErrMalformedDescription  = errors.New("malformed session description")
	ErrUnexpectedDescription = errors.New("unexpected session description type")
	ErrNoTrack               = errors.New("no outbound track of that kind")
	ErrTrackExists           = errors.New("an outbound track of that kind already exists")
	ErrBitrateUnsupported    = errors.New("video track does not accept a target bitrate")
	ErrNotInRoom             = errors.New("participant has not joined a room")
)
