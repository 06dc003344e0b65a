package rtc

import (
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

func TestClassifyMediaError(t *testing.T) {
	require.Nil(t, ClassifyMediaError(webrtc.RTPCodecTypeVideo, nil))

	tests := []struct {
		name     string
		err      error
		category MediaErrorCategory
	}{
		{name: "permission sentinel", err: ErrCapturePermissionDenied, category: MediaErrorPermissionDenied},
		{name: "os permission", err: &os.PathError{Op: "open", Path: "/dev/video0", Err: os.ErrPermission}, category: MediaErrorPermissionDenied},
		{name: "absent sentinel", err: fmt.Errorf("enumerate: %w", ErrCaptureDeviceAbsent), category: MediaErrorDeviceAbsent},
		{name: "no device node", err: &os.PathError{Op: "open", Path: "/dev/video0", Err: syscall.ENOENT}, category: MediaErrorDeviceAbsent},
		{name: "busy", err: &os.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EBUSY}, category: MediaErrorDeviceBusy},
		{name: "insecure", err: ErrCaptureInsecureContext, category: MediaErrorInsecureContext},
		{name: "unknown", err: fmt.Errorf("encoder exploded"), category: MediaErrorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			me := ClassifyMediaError(webrtc.RTPCodecTypeVideo, tt.err)
			require.Equal(t, tt.category, me.Category)
			require.Equal(t, webrtc.RTPCodecTypeVideo, me.Kind)
			require.ErrorIs(t, me, tt.err)
			require.NotEmpty(t, me.Message())
		})
	}

	t.Run("already classified", func(t *testing.T) {
		me := &MediaError{Kind: webrtc.RTPCodecTypeAudio, Category: MediaErrorDeviceBusy, Err: ErrCaptureDeviceBusy}
		require.Same(t, me, ClassifyMediaError(webrtc.RTPCodecTypeVideo, fmt.Errorf("start: %w", me)))
	})
}

func TestMediaErrorMessage(t *testing.T) {
	me := ClassifyMediaError(webrtc.RTPCodecTypeAudio, ErrCapturePermissionDenied)
	require.Contains(t, me.Message(), "microphone")
	require.Contains(t, me.Message(), "denied")
	require.Equal(t, "permission_denied", me.Category.String())

	me = ClassifyMediaError(webrtc.RTPCodecTypeVideo, ErrCaptureInsecureContext)
	require.Contains(t, me.Message(), "camera")
	require.Contains(t, me.Message(), "secure connection")
}
