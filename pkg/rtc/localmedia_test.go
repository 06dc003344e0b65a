package rtc

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/meshroom/pkg/signalling"
)

func TestLocalMedia(t *testing.T) {
	t.Run("new kinds start enabled", func(t *testing.T) {
		media := NewLocalMedia()
		require.Empty(t, media.Tracks())
		require.Equal(t, signalling.TrackUpdate{}, media.State())

		video := newSyntheticTrack(t, webrtc.RTPCodecTypeVideo)
		audio := newSyntheticTrack(t, webrtc.RTPCodecTypeAudio)
		require.Nil(t, media.SetTrack(video))
		require.Nil(t, media.SetTrack(audio))

		require.Equal(t, []webrtc.TrackLocal{audio, video}, media.Tracks(), "audio first")
		require.Equal(t, signalling.TrackUpdate{Audio: true, Video: true}, media.State())
	})

	t.Run("mute in place", func(t *testing.T) {
		media := NewLocalMedia()
		audio := newSyntheticTrack(t, webrtc.RTPCodecTypeAudio)
		media.SetTrack(audio)

		require.NoError(t, media.SetEnabled(webrtc.RTPCodecTypeAudio, false))
		require.False(t, audio.Enabled())
		require.False(t, media.IsEnabled(webrtc.RTPCodecTypeAudio))
		require.Equal(t, audio, media.Track(webrtc.RTPCodecTypeAudio), "muting keeps the track")

		require.ErrorIs(t, media.SetEnabled(webrtc.RTPCodecTypeVideo, false), ErrNoTrack)
	})

	t.Run("replacement keeps the enabled flag", func(t *testing.T) {
		media := NewLocalMedia()
		camera := newSyntheticTrack(t, webrtc.RTPCodecTypeVideo)
		media.SetTrack(camera)
		require.NoError(t, media.SetEnabled(webrtc.RTPCodecTypeVideo, false))

		screen := newSyntheticTrack(t, webrtc.RTPCodecTypeVideo)
		require.Equal(t, camera, media.SetTrack(screen))
		require.False(t, screen.Enabled())
		require.Equal(t, signalling.TrackUpdate{}, media.State())
	})

	t.Run("remove", func(t *testing.T) {
		media := NewLocalMedia()
		audio := newSyntheticTrack(t, webrtc.RTPCodecTypeAudio)
		media.SetTrack(audio)

		require.Equal(t, audio, media.RemoveTrack(webrtc.RTPCodecTypeAudio))
		require.Nil(t, media.RemoveTrack(webrtc.RTPCodecTypeAudio))
		require.Nil(t, media.Track(webrtc.RTPCodecTypeAudio))
		require.False(t, media.IsEnabled(webrtc.RTPCodecTypeAudio))

		// adding the kind again starts enabled
		media.SetTrack(newSyntheticTrack(t, webrtc.RTPCodecTypeAudio))
		require.True(t, media.IsEnabled(webrtc.RTPCodecTypeAudio))
	})
}

func TestSyntheticTrack(t *testing.T) {
	video := newSyntheticTrack(t, webrtc.RTPCodecTypeVideo)
	require.Equal(t, webrtc.RTPCodecTypeVideo, video.Kind())
	require.Equal(t, uint64(defaultVideoBitrate), video.Bitrate())

	// 800 kbps at 33 ms per frame
	require.Len(t, video.nextFrame(), 3300)
	video.SetBitrate(240_000)
	require.Len(t, video.nextFrame(), 990)
	require.Equal(t, uint64(2), video.FramesWritten())

	video.RequestKeyFrame()
	require.Len(t, video.nextFrame(), 990*keyFrameMultiplier)
	require.Len(t, video.nextFrame(), 990)
	require.Equal(t, uint64(1), video.KeyFrameRequests())
	require.Equal(t, uint64(4), video.FramesWritten())

	video.SetEnabled(false)
	require.Len(t, video.nextFrame(), 1)
	require.Equal(t, uint64(4), video.FramesWritten(), "disabled frames are not counted")

	audio := newSyntheticTrack(t, webrtc.RTPCodecTypeAudio)
	require.Equal(t, silenceFrame, audio.nextFrame())
	require.Equal(t, uint64(1), audio.FramesWritten())

	audio.Start()
	audio.Start()
	audio.Stop()
}
