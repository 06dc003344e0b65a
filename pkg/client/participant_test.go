package client

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/rtc"
	"github.com/livekit/meshroom/pkg/rtc/types"
	"github.com/livekit/meshroom/pkg/service"
	"github.com/livekit/meshroom/pkg/signalling"
	"github.com/livekit/meshroom/pkg/testutils"
)

func newTestRelay(t *testing.T, mutate ...func(conf *config.Config)) (*service.MeshroomServer, string) {
	conf, err := config.NewConfig("", true, nil, nil)
	require.NoError(t, err)
	conf.RTC.STUNServers = nil
	for _, m := range mutate {
		m(conf)
	}

	s, err := service.InitializeServer(conf)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newTestParticipant(t *testing.T, url string, room signalling.RoomName) *Participant {
	conf := config.DefaultConfig
	p := NewParticipant(ParticipantParams{
		URL:     url,
		Room:    room,
		Signal:  conf.Signal,
		Session: conf.Session,
		Quality: conf.Quality,
		RTC:     config.RTCConfig{IncludeLoopbackCandidate: true},
	})
	t.Cleanup(p.Leave)
	return p
}

func syntheticAcquirer(t *testing.T) MediaAcquirer {
	return func(kind webrtc.RTPCodecType) (webrtc.TrackLocal, error) {
		track, err := rtc.NewSyntheticTrack(kind, "test")
		if err != nil {
			return nil, err
		}
		track.Start()
		return track, nil
	}
}

func connectAndJoin(t *testing.T, p *Participant) {
	ctx, cancel := context.WithTimeout(context.Background(), testutils.ConnectTimeout)
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.WaitUntilJoined(ctx))
}

func TestParticipantMesh(t *testing.T) {
	if testing.Short() {
		t.Skip("media loopback")
	}

	_, url := newTestRelay(t)

	alice := newTestParticipant(t, url, "lobby")
	require.Empty(t, alice.AcquireMedia(syntheticAcquirer(t), webrtc.RTPCodecTypeAudio))
	connectAndJoin(t, alice)

	bob := newTestParticipant(t, url, "lobby")
	require.Empty(t, bob.AcquireMedia(syntheticAcquirer(t), webrtc.RTPCodecTypeAudio))
	connectAndJoin(t, bob)

	require.NotEqual(t, alice.ID(), bob.ID())

	connected := func(p *Participant, remote signalling.ParticipantID) string {
		s := p.Manager().Session(remote)
		if s == nil {
			return fmt.Sprintf("%s has no session with %s", p.ID(), remote)
		}
		if s.State() != types.HandshakeStateConnected {
			return fmt.Sprintf("%s session with %s is %s", p.ID(), remote, s.State())
		}
		return ""
	}
	testutils.WithTimeout(t, func() string {
		if msg := connected(alice, bob.ID()); msg != "" {
			return msg
		}
		return connected(bob, alice.ID())
	})

	t.Run("media flows both ways", func(t *testing.T) {
		testutils.WithTimeout(t, func() string {
			if alice.BytesReceived(bob.ID()) == 0 {
				return "alice has not received media"
			}
			if bob.BytesReceived(alice.ID()) == 0 {
				return "bob has not received media"
			}
			return ""
		})
	})

	t.Run("mute is reported to the peer", func(t *testing.T) {
		var states []signalling.TrackUpdate
		updates := make(chan signalling.TrackUpdate, 10)
		bob.OnRemoteMediaState(func(remote signalling.ParticipantID, update signalling.TrackUpdate) {
			if remote == alice.ID() {
				updates <- update
			}
		})
		require.NoError(t, alice.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false))

		testutils.WithTimeout(t, func() string {
			select {
			case u := <-updates:
				states = append(states, u)
			default:
			}
			if len(states) == 0 || states[len(states)-1].Audio {
				return "mute not observed"
			}
			return ""
		})
	})

	t.Run("leave closes the peer's session", func(t *testing.T) {
		aliceID := alice.ID()
		alice.Leave()
		require.True(t, alice.IsLeft())

		testutils.WithTimeout(t, func() string {
			if bob.Manager().Session(aliceID) != nil {
				return "bob still has a session with alice"
			}
			return ""
		})
		require.ErrorIs(t, alice.Connect(context.Background()), ErrLeft)
	})
}

func TestParticipantJoinRejected(t *testing.T) {
	_, url := newTestRelay(t, func(conf *config.Config) {
		conf.Room.MaxParticipants = 1
	})

	first := newTestParticipant(t, url, "small")
	connectAndJoin(t, first)

	second := newTestParticipant(t, url, "small")
	ctx, cancel := context.WithTimeout(context.Background(), testutils.ConnectTimeout)
	defer cancel()
	require.NoError(t, second.Connect(ctx))

	err := second.WaitUntilJoined(ctx)
	require.ErrorIs(t, err, ErrJoinFailed)
	require.NotNil(t, second.LastError())
	require.Equal(t, signalling.ErrorCodeRoomFull, second.LastError().Code)
}

func TestParticipantDegradedMedia(t *testing.T) {
	p := NewParticipant(ParticipantParams{})

	var reported []*rtc.MediaError
	p.OnMediaError(func(err *rtc.MediaError) {
		reported = append(reported, err)
	})

	acquire := func(kind webrtc.RTPCodecType) (webrtc.TrackLocal, error) {
		if kind == webrtc.RTPCodecTypeVideo {
			return nil, &os.PathError{Op: "open", Path: "/dev/video0", Err: os.ErrPermission}
		}
		return rtc.NewSyntheticTrack(kind, "test")
	}

	failed := p.AcquireMedia(acquire, webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo)
	require.Len(t, failed, 1)
	require.Equal(t, webrtc.RTPCodecTypeVideo, failed[0].Kind)
	require.True(t, errors.Is(failed[0], os.ErrPermission))
	require.Equal(t, failed, reported)
	require.Equal(t, failed, p.MediaErrors())

	// the participant carries on with what it could acquire
	require.NotNil(t, p.Media().Track(webrtc.RTPCodecTypeAudio))
	require.Nil(t, p.Media().Track(webrtc.RTPCodecTypeVideo))
	require.Equal(t, signalling.TrackUpdate{Audio: true}, p.Media().State())
}

func TestParticipantConnectFails(t *testing.T) {
	p := NewParticipant(ParticipantParams{URL: "ws://127.0.0.1:1/ws"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, p.Connect(ctx))
}
