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
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/rtc/quality"
	"github.com/livekit/meshroom/pkg/rtc/types"
	"github.com/livekit/meshroom/pkg/signalling"
	"github.com/livekit/meshroom/pkg/telemetry/prometheus"
)

const (
	defaultNegotiationDebounce = 150 * time.Millisecond
)

type PeerSessionParams struct {
	LocalID             signalling.ParticipantID
	RemoteID            signalling.ParticipantID
	Link                types.TransportLink
	Signal              types.SignalSender
	Media               *LocalMedia
	Quality             config.QualityConfig
	NegotiationDebounce time.Duration
	Logger              logger.Logger
}

// PeerSession drives the handshake with a single remote participant over one TransportLink.
// Handshake steps run one at a time on a single worker, in the order they were submitted.
type PeerSession struct {
	params    PeerSessionParams
	initiator bool
	createdAt time.Time

	lock              sync.RWMutex
	state             types.HandshakeState
	pendingCandidates deque.Deque[webrtc.ICECandidateInit]
	// local offer awaiting an answer
	offerPending bool
	// renegotiation requested while an offer was outstanding
	negotiateRetry bool
	connectedAt    time.Time
	controller     *quality.Controller

	debouncedNegotiate func(func())

	opsLock    sync.Mutex
	opsStopped bool
	ops        *workerpool.WorkerPool

	onStateChange func(s *PeerSession, state types.HandshakeState)
	onFailed      func(s *PeerSession)
	onRemoteTrack func(s *PeerSession, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

	closed core.Fuse
}

func NewPeerSession(params PeerSessionParams) (*PeerSession, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Media == nil {
		params.Media = NewLocalMedia()
	}
	if params.NegotiationDebounce <= 0 {
		params.NegotiationDebounce = defaultNegotiationDebounce
	}

	s := &PeerSession{
		params:             params,
		initiator:          types.IsInitiator(params.LocalID, params.RemoteID),
		createdAt:          time.Now(),
		state:              types.HandshakeStateIdle,
		debouncedNegotiate: debounce.New(params.NegotiationDebounce),
		ops:                workerpool.New(1),
	}

	for _, track := range params.Media.Tracks() {
		if err := params.Link.AddTrack(track); err != nil {
			s.ops.Stop()
			return nil, err
		}
	}

	params.Link.OnICECandidate(s.sendCandidate)
	params.Link.OnConnectionStateChange(s.handleConnectionState)
	params.Link.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if s.closed.IsBroken() {
			return
		}
		s.params.Logger.Infow("remote track added", "kind", track.Kind().String(), "trackID", track.ID())
		s.lock.RLock()
		onRemoteTrack := s.onRemoteTrack
		s.lock.RUnlock()
		if onRemoteTrack != nil {
			onRemoteTrack(s, track, receiver)
		}
	})

	return s, nil
}

func (s *PeerSession) LocalID() signalling.ParticipantID {
	return s.params.LocalID
}

func (s *PeerSession) RemoteID() signalling.ParticipantID {
	return s.params.RemoteID
}

func (s *PeerSession) IsInitiator() bool {
	return s.initiator
}

func (s *PeerSession) Link() types.TransportLink {
	return s.params.Link
}

func (s *PeerSession) State() types.HandshakeState {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.state
}

func (s *PeerSession) PendingCandidates() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.pendingCandidates.Len()
}

// QualityController is nil until the link connects with an outbound video track.
func (s *PeerSession) QualityController() *quality.Controller {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.controller
}

func (s *PeerSession) IsClosed() bool {
	return s.closed.IsBroken()
}

func (s *PeerSession) OnStateChange(f func(s *PeerSession, state types.HandshakeState)) {
	s.lock.Lock()
	s.onStateChange = f
	s.lock.Unlock()
}

// OnFailed is called from its own goroutine once the link reports a failed connection.
func (s *PeerSession) OnFailed(f func(s *PeerSession)) {
	s.lock.Lock()
	s.onFailed = f
	s.lock.Unlock()
}

func (s *PeerSession) OnRemoteTrack(f func(s *PeerSession, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	s.lock.Lock()
	s.onRemoteTrack = f
	s.lock.Unlock()
}

// Negotiate schedules a fresh offer. Calls within the debounce window are coalesced; a call
// while an offer is outstanding is retried once the answer has been applied.
func (s *PeerSession) Negotiate() {
	if s.closed.IsBroken() {
		return
	}
	s.debouncedNegotiate(func() {
		s.enqueue(s.negotiate)
	})
}

func (s *PeerSession) HandleOffer(offer webrtc.SessionDescription) {
	s.enqueue(func() {
		s.handleOffer(offer)
	})
}

func (s *PeerSession) HandleAnswer(answer webrtc.SessionDescription) {
	s.enqueue(func() {
		s.handleAnswer(answer)
	})
}

func (s *PeerSession) AddICECandidate(candidate webrtc.ICECandidateInit) {
	s.enqueue(func() {
		s.handleCandidate(candidate)
	})
}

// AddTrack adds a new outbound track and renegotiates.
func (s *PeerSession) AddTrack(track webrtc.TrackLocal) error {
	if s.closed.IsBroken() {
		return ErrSessionClosed
	}
	if err := s.params.Link.AddTrack(track); err != nil {
		return err
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo && s.State() == types.HandshakeStateConnected {
		s.startQualityController()
	}
	s.Negotiate()
	return nil
}

// ReplaceTrack swaps the outbound track in place. No renegotiation is needed.
func (s *PeerSession) ReplaceTrack(track webrtc.TrackLocal) error {
	if s.closed.IsBroken() {
		return ErrSessionClosed
	}
	if err := s.params.Link.ReplaceTrack(track.Kind(), track); err != nil {
		return err
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		if controller := s.QualityController(); controller != nil {
			// the new encoder starts at the current rung
			_ = s.params.Link.SetVideoBitrate(controller.Level().Bitrate)
		}
	}
	return nil
}

func (s *PeerSession) RemoveTrack(kind webrtc.RTPCodecType) error {
	if s.closed.IsBroken() {
		return ErrSessionClosed
	}
	if err := s.params.Link.RemoveTrack(kind); err != nil {
		return err
	}
	if kind == webrtc.RTPCodecTypeVideo {
		s.stopQualityController()
	}
	s.Negotiate()
	return nil
}

// SendTrackUpdate tells the remote which kinds are currently enabled. Delivery is best-effort.
func (s *PeerSession) SendTrackUpdate() {
	if s.closed.IsBroken() {
		return
	}
	s.send(signalling.KindTrackUpdate, s.params.Media.State())
}

// Close tears down the link, discards queued candidates and stops the quality controller.
// It must not be called from a handshake step.
func (s *PeerSession) Close() {
	if s.closed.IsBroken() {
		return
	}
	s.closed.Break()

	s.opsLock.Lock()
	s.opsStopped = true
	s.opsLock.Unlock()
	s.ops.Stop()

	s.stopQualityController()

	s.lock.Lock()
	dropped := s.pendingCandidates.Len()
	s.pendingCandidates.Clear()
	s.lock.Unlock()

	if err := s.params.Link.Close(); err != nil {
		s.params.Logger.Warnw("could not close transport link", err)
	}
	s.setState(types.HandshakeStateClosed)
	s.params.Logger.Debugw("peer session closed", "droppedCandidates", dropped)
}

func (s *PeerSession) enqueue(op func()) {
	s.opsLock.Lock()
	defer s.opsLock.Unlock()

	if s.opsStopped {
		return
	}
	s.ops.Submit(func() {
		// results that land after teardown are discarded
		if s.closed.IsBroken() {
			return
		}
		op()
	})
}

func (s *PeerSession) negotiate() {
	if !s.initiator && !s.params.Link.HasRemoteDescription() {
		// the initiator sends the first offer
		s.params.Logger.Debugw("deferring negotiation until the remote offer arrives")
		return
	}

	s.lock.Lock()
	if s.offerPending || s.params.Link.SignalingState() != webrtc.SignalingStateStable {
		s.params.Logger.Debugw("negotiation in progress, trying again later")
		s.negotiateRetry = true
		s.lock.Unlock()
		return
	}
	s.lock.Unlock()

	s.createAndSendOffer()
}

func (s *PeerSession) createAndSendOffer() {
	offer, err := s.params.Link.CreateOffer(false)
	prometheus.RecordHandshake("create_offer", err)
	if err != nil {
		s.params.Logger.Errorw("could not create offer", err)
		return
	}
	if err = s.params.Link.SetLocalDescription(offer); err != nil {
		prometheus.RecordHandshake("local_offer", err)
		s.params.Logger.Errorw("could not set local description", err)
		return
	}

	s.lock.Lock()
	s.offerPending = true
	s.negotiateRetry = false
	s.lock.Unlock()

	s.advanceState(types.HandshakeStateOfferSent)
	s.send(signalling.KindOffer, offer)
}

func (s *PeerSession) handleOffer(offer webrtc.SessionDescription) {
	if offer.Type != webrtc.SDPTypeOffer {
		s.params.Logger.Warnw("unexpected description in offer", ErrUnexpectedDescription, "type", offer.Type.String())
		return
	}

	if s.params.Link.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if s.initiator {
			// offers collided, ours wins
			s.params.Logger.Infow("ignoring colliding remote offer")
			prometheus.RecordHandshake("offer_collision", nil)
			return
		}

		s.params.Logger.Infow("rolling back local offer for colliding remote offer")
		if err := s.params.Link.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			prometheus.RecordHandshake("rollback", err)
			s.params.Logger.Errorw("could not roll back local offer", err)
			return
		}
		s.lock.Lock()
		s.offerPending = false
		s.negotiateRetry = true
		s.lock.Unlock()
	}

	s.advanceState(types.HandshakeStateOfferReceived)
	if err := s.params.Link.SetRemoteDescription(offer); err != nil {
		prometheus.RecordHandshake("remote_offer", err)
		s.params.Logger.Errorw("could not apply remote offer", err)
		return
	}
	s.flushPendingCandidates()

	answer, err := s.params.Link.CreateAnswer()
	prometheus.RecordHandshake("create_answer", err)
	if err != nil {
		s.params.Logger.Errorw("could not create answer", err)
		return
	}
	if err = s.params.Link.SetLocalDescription(answer); err != nil {
		prometheus.RecordHandshake("local_answer", err)
		s.params.Logger.Errorw("could not set local description", err)
		return
	}

	s.advanceState(types.HandshakeStateAnswerSent)
	s.send(signalling.KindAnswer, answer)

	s.lock.RLock()
	retry := s.negotiateRetry
	s.lock.RUnlock()
	if retry {
		s.params.Logger.Debugw("re-negotiate after answering")
		s.Negotiate()
	}
}

func (s *PeerSession) handleAnswer(answer webrtc.SessionDescription) {
	if answer.Type != webrtc.SDPTypeAnswer {
		s.params.Logger.Warnw("unexpected description in answer", ErrUnexpectedDescription, "type", answer.Type.String())
		return
	}
	if s.params.Link.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.params.Logger.Debugw("dropping answer without local offer", "signalingState", s.params.Link.SignalingState().String())
		return
	}

	if err := s.params.Link.SetRemoteDescription(answer); err != nil {
		prometheus.RecordHandshake("remote_answer", err)
		s.params.Logger.Errorw("could not apply remote answer", err)
		return
	}
	prometheus.RecordHandshake("remote_answer", nil)
	s.flushPendingCandidates()

	s.lock.Lock()
	s.offerPending = false
	retry := s.negotiateRetry
	s.lock.Unlock()

	s.advanceState(types.HandshakeStateAnswerReceived)

	if retry {
		s.params.Logger.Debugw("re-negotiate after receiving answer")
		s.createAndSendOffer()
	}
}

func (s *PeerSession) handleCandidate(candidate webrtc.ICECandidateInit) {
	if !s.params.Link.HasRemoteDescription() {
		s.lock.Lock()
		s.pendingCandidates.PushBack(candidate)
		s.lock.Unlock()
		return
	}

	if err := s.params.Link.AddICECandidate(candidate); err != nil {
		s.params.Logger.Warnw("could not add remote candidate", err, "candidate", candidate.Candidate)
	}
}

// flushPendingCandidates applies queued candidates in arrival order. Called right after a
// remote description has been applied.
func (s *PeerSession) flushPendingCandidates() {
	for {
		s.lock.Lock()
		if s.pendingCandidates.Len() == 0 {
			s.lock.Unlock()
			return
		}
		candidate := s.pendingCandidates.PopFront()
		s.lock.Unlock()

		if err := s.params.Link.AddICECandidate(candidate); err != nil {
			s.params.Logger.Warnw("could not add queued candidate", err, "candidate", candidate.Candidate)
		}
	}
}

func (s *PeerSession) sendCandidate(candidate webrtc.ICECandidateInit) {
	if s.closed.IsBroken() {
		return
	}
	s.send(signalling.KindICECandidate, candidate)
}

func (s *PeerSession) send(kind signalling.MessageKind, payload interface{}) {
	msg, err := signalling.NewMessage(kind, payload)
	if err != nil {
		s.params.Logger.Errorw("could not encode message", err, "kind", kind)
		return
	}
	msg.Target = s.params.RemoteID
	if err = s.params.Signal.SendMessage(msg); err != nil {
		s.params.Logger.Warnw("could not send message", err, "kind", kind)
	}
}

func (s *PeerSession) handleConnectionState(state webrtc.PeerConnectionState) {
	if s.closed.IsBroken() {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.lock.Lock()
		first := s.connectedAt.IsZero()
		if first {
			s.connectedAt = time.Now()
		}
		s.lock.Unlock()
		if first {
			prometheus.RecordConnectTime(time.Since(s.createdAt))
		}

		s.setState(types.HandshakeStateConnected)
		s.startQualityController()
		s.SendTrackUpdate()

	case webrtc.PeerConnectionStateFailed:
		s.params.Logger.Infow("peer connection failed")
		s.stopQualityController()
		s.setState(types.HandshakeStateReconnecting)

		s.lock.RLock()
		onFailed := s.onFailed
		s.lock.RUnlock()
		if onFailed != nil {
			go onFailed(s)
		}
	}
}

func (s *PeerSession) startQualityController() {
	if !s.params.Link.HasTrack(webrtc.RTPCodecTypeVideo) {
		return
	}

	s.lock.Lock()
	if s.controller != nil || s.closed.IsBroken() {
		s.lock.Unlock()
		return
	}
	controller := quality.NewController(quality.ControllerParams{
		Config: s.params.Quality,
		Source: s.params.Link,
		Logger: s.params.Logger,
	})
	s.controller = controller
	s.lock.Unlock()

	controller.Start()
}

func (s *PeerSession) stopQualityController() {
	s.lock.Lock()
	controller := s.controller
	s.controller = nil
	s.lock.Unlock()

	if controller != nil {
		controller.Stop()
	}
}

// advanceState moves through the handshake states. Renegotiation on a connected link leaves
// the state untouched.
func (s *PeerSession) advanceState(state types.HandshakeState) {
	if current := s.State(); current == types.HandshakeStateConnected || !current.IsLive() {
		return
	}
	s.setState(state)
}

func (s *PeerSession) setState(state types.HandshakeState) {
	s.lock.Lock()
	prev := s.state
	if prev == state || prev == types.HandshakeStateClosed {
		s.lock.Unlock()
		return
	}
	s.state = state
	onStateChange := s.onStateChange
	s.lock.Unlock()

	s.params.Logger.Debugw("handshake state change", "prev", prev.String(), "state", state.String())
	if onStateChange != nil {
		onStateChange(s, state)
	}
}
