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
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/pion/webrtc/v3"
)

type MediaErrorCategory int

const (
	MediaErrorUnknown MediaErrorCategory = iota
	MediaErrorPermissionDenied
	MediaErrorDeviceAbsent
	MediaErrorDeviceBusy
	MediaErrorInsecureContext
)

func (c MediaErrorCategory) String() string {
	switch c {
	case MediaErrorPermissionDenied:
		return "permission_denied"
	case MediaErrorDeviceAbsent:
		return "device_absent"
	case MediaErrorDeviceBusy:
		return "device_busy"
	case MediaErrorInsecureContext:
		return "insecure_context"
	default:
		return "unknown"
	}
}

var (
	ErrCapturePermissionDenied = errors.New("capture permission denied")
	ErrCaptureDeviceAbsent     = errors.New("capture device not found")
	ErrCaptureDeviceBusy       = errors.New("capture device in use")
	ErrCaptureInsecureContext  = errors.New("capture requires a secure context")
)

// MediaError is a capture failure for one media kind. The participant continues without
// an outbound track of that kind.
type MediaError struct {
	Kind     webrtc.RTPCodecType
	Category MediaErrorCategory
	Err      error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("%s capture failed (%s): %v", e.Kind, e.Category, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// Message is the text shown to the user.
func (e *MediaError) Message() string {
	device := "camera"
	if e.Kind == webrtc.RTPCodecTypeAudio {
		device = "microphone"
	}

	switch e.Category {
	case MediaErrorPermissionDenied:
		return fmt.Sprintf("Access to the %s was denied. Allow access in your settings and try again.", device)
	case MediaErrorDeviceAbsent:
		return fmt.Sprintf("No %s was found. Connect one and try again.", device)
	case MediaErrorDeviceBusy:
		return fmt.Sprintf("The %s is in use by another application. Close it and try again.", device)
	case MediaErrorInsecureContext:
		return fmt.Sprintf("The %s can only be used over a secure connection (https or localhost).", device)
	default:
		return fmt.Sprintf("The %s could not be started: %v", device, e.Err)
	}
}

// ClassifyMediaError maps a capture error onto a MediaError category. It returns nil for a nil error.
func ClassifyMediaError(kind webrtc.RTPCodecType, err error) *MediaError {
	if err == nil {
		return nil
	}

	var me *MediaError
	if errors.As(err, &me) {
		return me
	}

	category := MediaErrorUnknown
	switch {
	case errors.Is(err, ErrCapturePermissionDenied), errors.Is(err, os.ErrPermission):
		category = MediaErrorPermissionDenied
	case errors.Is(err, ErrCaptureDeviceAbsent), errors.Is(err, os.ErrNotExist):
		category = MediaErrorDeviceAbsent
	case errors.Is(err, ErrCaptureDeviceBusy), errors.Is(err, syscall.EBUSY):
		category = MediaErrorDeviceBusy
	case errors.Is(err, ErrCaptureInsecureContext):
		category = MediaErrorInsecureContext
	}
	return &MediaError{Kind: kind, Category: category, Err: err}
}
