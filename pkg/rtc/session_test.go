package rtc

import (
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/rtc/types"
	"github.com/livekit/meshroom/pkg/rtc/types/typesfakes"
	"github.com/livekit/meshroom/pkg/signalling"
	"github.com/livekit/meshroom/pkg/testutils"
)

type sessionFixture struct {
	session *PeerSession
	link    *typesfakes.FakeTransportLink
	signal  *typesfakes.FakeSignalSender
	media   *LocalMedia
}

func newSessionFixture(t *testing.T, local, remote signalling.ParticipantID, tracks ...webrtc.TrackLocal) *sessionFixture {
	media := NewLocalMedia()
	for _, track := range tracks {
		media.SetTrack(track)
	}
	link := typesfakes.NewFakeTransportLink(types.LinkParams{LocalID: local, RemoteID: remote})
	signal := &typesfakes.FakeSignalSender{}

	session, err := NewPeerSession(PeerSessionParams{
		LocalID:             local,
		RemoteID:            remote,
		Link:                link,
		Signal:              signal,
		Media:               media,
		Quality:             config.DefaultConfig.Quality,
		NegotiationDebounce: testSessionConfig().NegotiationDebounce,
	})
	require.NoError(t, err)
	t.Cleanup(session.Close)

	return &sessionFixture{session: session, link: link, signal: signal, media: media}
}

func (f *sessionFixture) waitForSent(t *testing.T, kind signalling.MessageKind, n int) {
	testutils.WithTimeout(t, func() string {
		count := 0
		for _, k := range sentKinds(f.signal) {
			if k == kind {
				count++
			}
		}
		if count != n {
			return fmt.Sprintf("expected %d %s messages, sent %v", n, kind, sentKinds(f.signal))
		}
		return ""
	})
}

func (f *sessionFixture) waitForState(t *testing.T, state types.HandshakeState) {
	testutils.WithTimeout(t, func() string {
		if s := f.session.State(); s != state {
			return fmt.Sprintf("expected state %s, got %s", state, s)
		}
		return ""
	})
}

func TestPeerSessionInitiator(t *testing.T) {
	f := newSessionFixture(t, "alice", "bob", newSyntheticTrack(t, webrtc.RTPCodecTypeAudio))
	require.True(t, f.session.IsInitiator())
	require.Equal(t, types.HandshakeStateIdle, f.session.State())
	require.True(t, f.link.HasTrack(webrtc.RTPCodecTypeAudio), "local tracks are attached on creation")

	f.session.Negotiate()
	f.waitForSent(t, signalling.KindOffer, 1)
	f.waitForState(t, types.HandshakeStateOfferSent)

	offer := lastSent(t, f.signal, signalling.KindOffer)
	require.Equal(t, signalling.ParticipantID("bob"), offer.Target)
	var sd webrtc.SessionDescription
	require.NoError(t, offer.DecodePayload(&sd))
	require.Equal(t, webrtc.SDPTypeOffer, sd.Type)
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, f.link.SignalingState())

	f.session.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-bob"})
	f.waitForState(t, types.HandshakeStateAnswerReceived)
	require.Equal(t, webrtc.SignalingStateStable, f.link.SignalingState())
}

func TestPeerSessionCandidateQueue(t *testing.T) {
	t.Run("candidates before answer are applied in order after it", func(t *testing.T) {
		f := newSessionFixture(t, "alice", "bob")
		f.session.Negotiate()
		f.waitForSent(t, signalling.KindOffer, 1)

		c1, c2, c3 := candidate("1"), candidate("2"), candidate("3")
		f.session.AddICECandidate(c1)
		f.session.AddICECandidate(c2)
		testutils.WithTimeout(t, func() string {
			if n := f.session.PendingCandidates(); n != 2 {
				return fmt.Sprintf("expected 2 pending candidates, got %d", n)
			}
			return ""
		})
		require.Empty(t, f.link.Candidates())

		f.session.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-bob"})
		testutils.WithTimeout(t, func() string {
			if n := len(f.link.Candidates()); n != 2 {
				return fmt.Sprintf("expected 2 applied candidates, got %d", n)
			}
			return ""
		})
		require.Equal(t, []webrtc.ICECandidateInit{c1, c2}, f.link.Candidates())
		require.Zero(t, f.session.PendingCandidates())
		require.Zero(t, f.link.EarlyCandidates(), "no candidate is applied before a remote description")

		// once the description is set candidates go straight through
		f.session.AddICECandidate(c3)
		testutils.WithTimeout(t, func() string {
			if n := len(f.link.Candidates()); n != 3 {
				return fmt.Sprintf("expected 3 applied candidates, got %d", n)
			}
			return ""
		})
		require.Equal(t, []webrtc.ICECandidateInit{c1, c2, c3}, f.link.Candidates())
	})

	t.Run("candidates before offer are applied before answering", func(t *testing.T) {
		f := newSessionFixture(t, "bob", "alice")
		require.False(t, f.session.IsInitiator())

		c1, c2 := candidate("1"), candidate("2")
		f.session.AddICECandidate(c1)
		f.session.AddICECandidate(c2)
		f.session.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-alice-1"})

		f.waitForSent(t, signalling.KindAnswer, 1)
		require.Equal(t, []webrtc.ICECandidateInit{c1, c2}, f.link.Candidates())
		require.Zero(t, f.link.EarlyCandidates())
		require.Equal(t, types.HandshakeStateAnswerSent, f.session.State())
	})

	t.Run("failed remote description keeps candidates queued", func(t *testing.T) {
		f := newSessionFixture(t, "bob", "alice")
		f.link.SetRemoteDescriptionError(ErrMalformedDescription)

		f.session.AddICECandidate(candidate("1"))
		f.session.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"})
		f.session.AddICECandidate(candidate("2"))

		testutils.WithTimeout(t, func() string {
			if n := f.session.PendingCandidates(); n != 2 {
				return fmt.Sprintf("expected 2 pending candidates, got %d", n)
			}
			return ""
		})
		require.Zero(t, f.signal.SendMessageCallCount())
		require.Zero(t, f.link.EarlyCandidates())
	})
}

func TestPeerSessionResponderWaitsForOffer(t *testing.T) {
	f := newSessionFixture(t, "bob", "alice")
	f.session.Negotiate()
	time.Sleep(10 * testSessionConfig().NegotiationDebounce)
	require.Zero(t, f.signal.SendMessageCallCount())

	f.session.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-alice-1"})
	f.waitForSent(t, signalling.KindAnswer, 1)
	require.Equal(t, []signalling.MessageKind{signalling.KindAnswer}, sentKinds(f.signal))

	// after the first exchange the responder may renegotiate on its own
	f.session.Negotiate()
	f.waitForSent(t, signalling.KindOffer, 1)
}

func TestPeerSessionOfferCollision(t *testing.T) {
	t.Run("initiator ignores remote offer", func(t *testing.T) {
		f := newSessionFixture(t, "alice", "bob")
		f.session.Negotiate()
		f.waitForSent(t, signalling.KindOffer, 1)

		f.session.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-bob-1"})
		f.session.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-bob"})

		f.waitForState(t, types.HandshakeStateAnswerReceived)
		require.Equal(t, []webrtc.SessionDescription{
			{Type: webrtc.SDPTypeAnswer, SDP: "answer-bob"},
		}, f.link.RemoteDescriptions())
		require.Equal(t, []signalling.MessageKind{signalling.KindOffer}, sentKinds(f.signal))
	})

	t.Run("responder rolls back and re-offers", func(t *testing.T) {
		f := newSessionFixture(t, "bob", "alice")
		f.session.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-alice-1"})
		f.waitForSent(t, signalling.KindAnswer, 1)

		f.session.Negotiate()
		f.waitForSent(t, signalling.KindOffer, 1)
		require.Equal(t, webrtc.SignalingStateHaveLocalOffer, f.link.SignalingState())

		f.session.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-alice-2"})
		f.waitForSent(t, signalling.KindAnswer, 2)
		f.waitForSent(t, signalling.KindOffer, 2)

		var sdpTypes []webrtc.SDPType
		for _, sd := range f.link.LocalDescriptions() {
			sdpTypes = append(sdpTypes, sd.Type)
		}
		require.Equal(t, []webrtc.SDPType{
			webrtc.SDPTypeAnswer,
			webrtc.SDPTypeOffer,
			webrtc.SDPTypeRollback,
			webrtc.SDPTypeAnswer,
			webrtc.SDPTypeOffer,
		}, sdpTypes)
	})
}

func TestPeerSessionDropsStaleAnswer(t *testing.T) {
	f := newSessionFixture(t, "alice", "bob")
	f.session.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-bob"})
	f.session.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-bob"})

	f.session.Negotiate()
	f.waitForSent(t, signalling.KindOffer, 1)
	require.Empty(t, f.link.RemoteDescriptions())
	require.Equal(t, types.HandshakeStateOfferSent, f.session.State())
}

func TestPeerSessionRenegotiatesAfterAnswer(t *testing.T) {
	f := newSessionFixture(t, "alice", "bob")
	f.session.Negotiate()
	f.waitForSent(t, signalling.KindOffer, 1)

	// offer outstanding, so this one has to wait for the answer
	require.NoError(t, f.session.AddTrack(newSyntheticTrack(t, webrtc.RTPCodecTypeVideo)))
	testutils.WithTimeout(t, func() string {
		f.session.lock.RLock()
		defer f.session.lock.RUnlock()
		if !f.session.negotiateRetry {
			return "renegotiation not deferred"
		}
		return ""
	})
	require.Equal(t, 1, len(f.link.LocalDescriptions()))

	f.session.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-bob"})
	f.waitForSent(t, signalling.KindOffer, 2)
}

func TestPeerSessionConnectionState(t *testing.T) {
	video := newSyntheticTrack(t, webrtc.RTPCodecTypeVideo)
	f := newSessionFixture(t, "alice", "bob", video)

	var states []types.HandshakeState
	failed := make(chan *PeerSession, 1)
	f.session.OnStateChange(func(_ *PeerSession, state types.HandshakeState) {
		states = append(states, state)
	})
	f.session.OnFailed(func(s *PeerSession) {
		failed <- s
	})

	f.link.SetConnectionState(webrtc.PeerConnectionStateConnecting)
	require.Equal(t, types.HandshakeStateIdle, f.session.State())

	f.link.SetConnectionState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, types.HandshakeStateConnected, f.session.State())

	controller := f.session.QualityController()
	require.NotNil(t, controller, "outbound video gets a quality controller")
	require.Equal(t, []uint64{controller.Level().Bitrate}, f.link.Bitrates())

	update := lastSent(t, f.signal, signalling.KindTrackUpdate)
	var tu signalling.TrackUpdate
	require.NoError(t, update.DecodePayload(&tu))
	require.Equal(t, signalling.TrackUpdate{Audio: false, Video: true}, tu)

	f.link.SetConnectionState(webrtc.PeerConnectionStateFailed)
	require.Equal(t, types.HandshakeStateReconnecting, f.session.State())
	require.True(t, controller.IsStopped())
	require.Nil(t, f.session.QualityController())
	select {
	case s := <-failed:
		require.Equal(t, f.session, s)
	case <-testTimeout():
		t.Fatal("failure callback not called")
	}

	require.Equal(t, []types.HandshakeState{
		types.HandshakeStateConnected,
		types.HandshakeStateReconnecting,
	}, states)
}

func TestPeerSessionNoControllerWithoutVideo(t *testing.T) {
	f := newSessionFixture(t, "alice", "bob", newSyntheticTrack(t, webrtc.RTPCodecTypeAudio))
	f.link.SetConnectionState(webrtc.PeerConnectionStateConnected)
	require.Nil(t, f.session.QualityController())

	// video published later starts the controller on a connected link
	require.NoError(t, f.session.AddTrack(newSyntheticTrack(t, webrtc.RTPCodecTypeVideo)))
	require.NotNil(t, f.session.QualityController())

	require.NoError(t, f.session.RemoveTrack(webrtc.RTPCodecTypeVideo))
	require.Nil(t, f.session.QualityController())
}

func TestPeerSessionClose(t *testing.T) {
	f := newSessionFixture(t, "alice", "bob", newSyntheticTrack(t, webrtc.RTPCodecTypeVideo))
	f.link.SetConnectionState(webrtc.PeerConnectionStateConnected)
	controller := f.session.QualityController()

	f.session.AddICECandidate(candidate("1"))
	testutils.WithTimeout(t, func() string {
		if f.session.PendingCandidates() != 1 {
			return "candidate not queued"
		}
		return ""
	})

	f.session.Close()
	require.True(t, f.session.IsClosed())
	require.True(t, f.link.IsClosed())
	require.True(t, controller.IsStopped())
	require.Zero(t, f.session.PendingCandidates())
	require.Equal(t, types.HandshakeStateClosed, f.session.State())

	sent := f.signal.SendMessageCallCount()
	f.session.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-bob-1"})
	f.session.Negotiate()
	f.link.EmitCandidate(candidate("2"))
	f.link.SetConnectionState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, sent, f.signal.SendMessageCallCount())
	require.Equal(t, types.HandshakeStateClosed, f.session.State())
	require.ErrorIs(t, f.session.AddTrack(newSyntheticTrack(t, webrtc.RTPCodecTypeAudio)), ErrSessionClosed)

	// idempotent
	f.session.Close()
}

func TestPeerSessionSendsLocalCandidates(t *testing.T) {
	f := newSessionFixture(t, "alice", "bob")
	c := candidate("1")
	f.link.EmitCandidate(c)

	msg := lastSent(t, f.signal, signalling.KindICECandidate)
	require.Equal(t, signalling.ParticipantID("bob"), msg.Target)
	var decoded webrtc.ICECandidateInit
	require.NoError(t, msg.DecodePayload(&decoded))
	require.Equal(t, c.Candidate, decoded.Candidate)
}
