package rtc

import (
	"sync"
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

func testTimeout() <-chan time.Time {
	return time.After(testutils.ConnectTimeout)
}

// linkRecorder is a LinkFactory handing out fake links and remembering them per remote.
type linkRecorder struct {
	lock  sync.Mutex
	links map[signalling.ParticipantID][]*typesfakes.FakeTransportLink
}

func newLinkRecorder() *linkRecorder {
	return &linkRecorder{links: make(map[signalling.ParticipantID][]*typesfakes.FakeTransportLink)}
}

func (r *linkRecorder) factory(params types.LinkParams) (types.TransportLink, error) {
	link := typesfakes.NewFakeTransportLink(params)
	r.lock.Lock()
	r.links[params.RemoteID] = append(r.links[params.RemoteID], link)
	r.lock.Unlock()
	return link, nil
}

func (r *linkRecorder) count(remote signalling.ParticipantID) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.links[remote])
}

func (r *linkRecorder) latest(remote signalling.ParticipantID) *typesfakes.FakeTransportLink {
	r.lock.Lock()
	defer r.lock.Unlock()
	links := r.links[remote]
	if len(links) == 0 {
		return nil
	}
	return links[len(links)-1]
}

// loopbackRelay delivers messages between in-process session managers the way the relay
// service does: sender stamped, absent targets dropped.
type loopbackRelay struct {
	lock     sync.Mutex
	managers map[signalling.ParticipantID]*SessionManager
	sent     []*signalling.Message
}

func newLoopbackRelay() *loopbackRelay {
	return &loopbackRelay{managers: make(map[signalling.ParticipantID]*SessionManager)}
}

func (r *loopbackRelay) sender(from signalling.ParticipantID) types.SignalSender {
	return &relaySender{relay: r, from: from}
}

func (r *loopbackRelay) register(m *SessionManager) {
	r.lock.Lock()
	r.managers[m.LocalID()] = m
	r.lock.Unlock()
}

func (r *loopbackRelay) count(from signalling.ParticipantID, kind signalling.MessageKind) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := 0
	for _, msg := range r.sent {
		if msg.Sender == from && msg.Kind == kind {
			n++
		}
	}
	return n
}

type relaySender struct {
	relay *loopbackRelay
	from  signalling.ParticipantID
}

func (s *relaySender) SendMessage(msg *signalling.Message) error {
	relayed := msg.Clone()
	relayed.Sender = s.from

	s.relay.lock.Lock()
	s.relay.sent = append(s.relay.sent, relayed)
	target := s.relay.managers[relayed.Target]
	s.relay.lock.Unlock()

	if target == nil {
		return nil
	}
	return target.HandleMessage(relayed)
}

func testSessionConfig() config.SessionConfig {
	conf := config.DefaultConfig.Session
	conf.NegotiationDebounce = 5 * time.Millisecond
	return conf
}

func sentKinds(fake *typesfakes.FakeSignalSender) []signalling.MessageKind {
	var kinds []signalling.MessageKind
	for i := 0; i < fake.SendMessageCallCount(); i++ {
		kinds = append(kinds, fake.SendMessageArgsForCall(i).Kind)
	}
	return kinds
}

func lastSent(t *testing.T, fake *typesfakes.FakeSignalSender, kind signalling.MessageKind) *signalling.Message {
	for i := fake.SendMessageCallCount() - 1; i >= 0; i-- {
		if msg := fake.SendMessageArgsForCall(i); msg.Kind == kind {
			return msg
		}
	}
	t.Fatalf("no %s message sent", kind)
	return nil
}

func candidate(n string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: "candidate:" + n + " 1 udp 2130706431 10.0.0.1 5000" + n + " typ host"}
}

func newSyntheticTrack(t *testing.T, kind webrtc.RTPCodecType) *SyntheticTrack {
	track, err := NewSyntheticTrack(kind, "test")
	require.NoError(t, err)
	return track
}

func message(t *testing.T, kind signalling.MessageKind, sender signalling.ParticipantID, payload interface{}) *signalling.Message {
	msg, err := signalling.NewMessage(kind, payload)
	require.NoError(t, err)
	msg.Sender = sender
	return msg
}
