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
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/rtc/types"
	"github.com/livekit/meshroom/pkg/signalling"
	"github.com/livekit/meshroom/pkg/telemetry/prometheus"
)

var ErrReconnectExhausted = errors.New("reconnection attempts exhausted")

type SessionManagerParams struct {
	LocalID     signalling.ParticipantID
	Signal      types.SignalSender
	LinkFactory types.LinkFactory
	ICEServers  []webrtc.ICEServer
	Media       *LocalMedia
	Config      config.SessionConfig
	Quality     config.QualityConfig
	Logger      logger.Logger
}

// SessionManager owns every PeerSession of one local participant, at most one per remote.
// It dispatches relayed handshake messages to the right session and recreates sessions
// whose links fail.
type SessionManager struct {
	params SessionManagerParams

	lock        sync.RWMutex
	sessions    map[signalling.ParticipantID]*PeerSession
	reconnects  map[signalling.ParticipantID]*reconnectState
	remoteMedia map[signalling.ParticipantID]signalling.TrackUpdate

	onSessionStateChanged func(remote signalling.ParticipantID, state types.HandshakeState)
	onSessionFailed       func(remote signalling.ParticipantID, err error)
	onRemoteTrack         func(remote signalling.ParticipantID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onRemoteMediaState    func(remote signalling.ParticipantID, update signalling.TrackUpdate)

	closed core.Fuse
}

type reconnectState struct {
	backoff  backoff.BackOff
	attempts int
	timer    *time.Timer
	watchdog *time.Timer
	session  *PeerSession
}

func (r *reconnectState) stopTimers() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}
}

func NewSessionManager(params SessionManagerParams) *SessionManager {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Media == nil {
		params.Media = NewLocalMedia()
	}
	if params.Config.ReconnectInitialInterval <= 0 {
		params.Config = config.DefaultConfig.Session
	}

	return &SessionManager{
		params:      params,
		sessions:    make(map[signalling.ParticipantID]*PeerSession),
		reconnects:  make(map[signalling.ParticipantID]*reconnectState),
		remoteMedia: make(map[signalling.ParticipantID]signalling.TrackUpdate),
	}
}

func (m *SessionManager) LocalID() signalling.ParticipantID {
	return m.params.LocalID
}

func (m *SessionManager) Media() *LocalMedia {
	return m.params.Media
}

func (m *SessionManager) OnSessionStateChanged(f func(remote signalling.ParticipantID, state types.HandshakeState)) {
	m.lock.Lock()
	m.onSessionStateChanged = f
	m.lock.Unlock()
}

// OnSessionFailed fires when a session is given up after exhausting its reconnection attempts.
func (m *SessionManager) OnSessionFailed(f func(remote signalling.ParticipantID, err error)) {
	m.lock.Lock()
	m.onSessionFailed = f
	m.lock.Unlock()
}

func (m *SessionManager) OnRemoteTrack(f func(remote signalling.ParticipantID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	m.lock.Lock()
	m.onRemoteTrack = f
	m.lock.Unlock()
}

func (m *SessionManager) OnRemoteMediaState(f func(remote signalling.ParticipantID, update signalling.TrackUpdate)) {
	m.lock.Lock()
	m.onRemoteMediaState = f
	m.lock.Unlock()
}

func (m *SessionManager) Session(remote signalling.ParticipantID) *PeerSession {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.sessions[remote]
}

// Remotes returns the remote participants with a session, sorted.
func (m *SessionManager) Remotes() []signalling.ParticipantID {
	m.lock.RLock()
	remotes := funk.Keys(m.sessions).([]signalling.ParticipantID)
	m.lock.RUnlock()

	sort.Slice(remotes, func(i, j int) bool { return remotes[i] < remotes[j] })
	return remotes
}

func (m *SessionManager) RemoteMediaState(remote signalling.ParticipantID) (signalling.TrackUpdate, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	update, ok := m.remoteMedia[remote]
	return update, ok
}

func (m *SessionManager) IsReconnecting(remote signalling.ParticipantID) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()

	_, ok := m.reconnects[remote]
	return ok
}

// HandleMessage dispatches one message received from the relay. Messages addressed to
// sessions that no longer exist are dropped.
func (m *SessionManager) HandleMessage(msg *signalling.Message) error {
	if m.closed.IsBroken() {
		return ErrSessionClosed
	}

	switch msg.Kind {
	case signalling.KindExistingUsers:
		var existing signalling.ExistingUsers
		if err := msg.DecodePayload(&existing); err != nil {
			return err
		}
		for _, remote := range existing.Participants {
			m.ensureSession(remote)
		}

	case signalling.KindUserConnected:
		var event signalling.ParticipantEvent
		if err := msg.DecodePayload(&event); err != nil {
			return err
		}
		m.ensureSession(event.Participant)

	case signalling.KindUserDisconnected:
		var event signalling.ParticipantEvent
		if err := msg.DecodePayload(&event); err != nil {
			return err
		}
		m.RemoveSession(event.Participant)

	case signalling.KindOffer:
		var offer webrtc.SessionDescription
		if err := msg.DecodePayload(&offer); err != nil {
			return err
		}
		session := m.Session(msg.Sender)
		if session == nil {
			m.params.Logger.Debugw("offer from unknown participant, creating session", "remote", msg.Sender)
			var err error
			if session, err = m.createSession(msg.Sender); err != nil {
				return err
			}
		}
		session.HandleOffer(offer)

	case signalling.KindAnswer:
		var answer webrtc.SessionDescription
		if err := msg.DecodePayload(&answer); err != nil {
			return err
		}
		session := m.Session(msg.Sender)
		if session == nil {
			m.params.Logger.Debugw("dropping answer for unknown session", "remote", msg.Sender)
			return nil
		}
		session.HandleAnswer(answer)

	case signalling.KindICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := msg.DecodePayload(&candidate); err != nil {
			return err
		}
		session := m.Session(msg.Sender)
		if session == nil {
			m.params.Logger.Debugw("dropping candidate for unknown session", "remote", msg.Sender)
			return nil
		}
		session.AddICECandidate(candidate)

	case signalling.KindTrackUpdate:
		var update signalling.TrackUpdate
		if err := msg.DecodePayload(&update); err != nil {
			return err
		}
		m.lock.Lock()
		m.remoteMedia[msg.Sender] = update
		onRemoteMediaState := m.onRemoteMediaState
		m.lock.Unlock()
		if onRemoteMediaState != nil {
			onRemoteMediaState(msg.Sender, update)
		}
	}
	return nil
}

func (m *SessionManager) ensureSession(remote signalling.ParticipantID) {
	if remote == m.params.LocalID || m.Session(remote) != nil {
		return
	}
	if _, err := m.createSession(remote); err != nil {
		m.params.Logger.Errorw("could not create peer session", err, "remote", remote)
	}
}

// createSession replaces any session for remote with a new one and starts the handshake
// when the local side is the initiator.
func (m *SessionManager) createSession(remote signalling.ParticipantID) (*PeerSession, error) {
	if m.closed.IsBroken() {
		return nil, ErrSessionClosed
	}

	l := m.params.Logger.WithValues("remote", remote)
	link, err := m.params.LinkFactory(types.LinkParams{
		LocalID:    m.params.LocalID,
		RemoteID:   remote,
		ICEServers: m.params.ICEServers,
		Logger:     l,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not create transport link")
	}

	session, err := NewPeerSession(PeerSessionParams{
		LocalID:             m.params.LocalID,
		RemoteID:            remote,
		Link:                link,
		Signal:              m.params.Signal,
		Media:               m.params.Media,
		Quality:             m.params.Quality,
		NegotiationDebounce: m.params.Config.NegotiationDebounce,
		Logger:              l,
	})
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	session.OnStateChange(m.handleSessionState)
	session.OnFailed(m.handleSessionFailed)
	session.OnRemoteTrack(func(s *PeerSession, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.lock.RLock()
		onRemoteTrack := m.onRemoteTrack
		m.lock.RUnlock()
		if onRemoteTrack != nil {
			onRemoteTrack(s.RemoteID(), track, receiver)
		}
	})

	m.lock.Lock()
	if m.closed.IsBroken() {
		m.lock.Unlock()
		session.Close()
		return nil, ErrSessionClosed
	}
	prior := m.sessions[remote]
	m.sessions[remote] = session
	if rs := m.reconnects[remote]; rs != nil {
		// the new session is the current attempt, whoever triggered it
		m.trackAttemptLocked(remote, rs, session)
	}
	m.lock.Unlock()

	if prior != nil {
		prior.Close()
	}

	l.Infow("peer session created", "initiator", session.IsInitiator())
	if session.IsInitiator() {
		session.Negotiate()
	}
	return session, nil
}

// RemoveSession closes the session with remote and cancels any pending reconnection.
func (m *SessionManager) RemoveSession(remote signalling.ParticipantID) {
	m.lock.Lock()
	session := m.sessions[remote]
	delete(m.sessions, remote)
	delete(m.remoteMedia, remote)
	if rs := m.reconnects[remote]; rs != nil {
		rs.stopTimers()
		delete(m.reconnects, remote)
	}
	m.lock.Unlock()

	if session != nil {
		session.Close()
		m.params.Logger.Infow("peer session removed", "remote", remote)
	}
}

func (m *SessionManager) handleSessionState(s *PeerSession, state types.HandshakeState) {
	m.lock.Lock()
	if m.sessions[s.RemoteID()] != s {
		m.lock.Unlock()
		return
	}
	reconnected := false
	if state == types.HandshakeStateConnected {
		if rs := m.reconnects[s.RemoteID()]; rs != nil {
			rs.stopTimers()
			delete(m.reconnects, s.RemoteID())
			reconnected = true
		}
	}
	onSessionStateChanged := m.onSessionStateChanged
	m.lock.Unlock()

	if reconnected {
		prometheus.RecordReconnect("connected")
		m.params.Logger.Infow("peer session reconnected", "remote", s.RemoteID())
	}
	if onSessionStateChanged != nil {
		onSessionStateChanged(s.RemoteID(), state)
	}
}

func (m *SessionManager) handleSessionFailed(s *PeerSession) {
	remote := s.RemoteID()

	m.lock.Lock()
	if m.closed.IsBroken() || m.sessions[remote] != s {
		m.lock.Unlock()
		s.Close()
		return
	}
	delete(m.sessions, remote)

	rs := m.reconnects[remote]
	if rs == nil {
		rs = &reconnectState{backoff: m.newBackoff()}
		m.reconnects[remote] = rs
	}
	rs.stopTimers()
	rs.session = nil

	delay := rs.backoff.NextBackOff()
	if delay == backoff.Stop {
		delete(m.reconnects, remote)
		delete(m.remoteMedia, remote)
		attempts := rs.attempts
		onSessionFailed := m.onSessionFailed
		m.lock.Unlock()

		s.Close()
		prometheus.RecordReconnect("exhausted")
		m.params.Logger.Warnw("giving up on peer session", ErrReconnectExhausted, "remote", remote, "attempts", attempts)
		if onSessionFailed != nil {
			onSessionFailed(remote, ErrReconnectExhausted)
		}
		return
	}

	rs.timer = time.AfterFunc(delay, func() {
		m.attemptReconnect(remote, rs)
	})
	m.lock.Unlock()

	s.Close()
	m.params.Logger.Infow("peer session failed, reconnecting", "remote", remote, "delay", delay)
}

func (m *SessionManager) attemptReconnect(remote signalling.ParticipantID, rs *reconnectState) {
	m.lock.Lock()
	if m.closed.IsBroken() || m.reconnects[remote] != rs {
		m.lock.Unlock()
		return
	}
	rs.timer = nil
	rs.attempts++
	attempt := rs.attempts
	existing := m.sessions[remote]
	m.lock.Unlock()

	if existing != nil {
		// the remote already re-offered
		return
	}

	prometheus.RecordReconnect("attempt")
	m.params.Logger.Infow("reconnecting peer session", "remote", remote, "attempt", attempt)

	// the tie-break is evaluated again: only the initiator re-offers
	if _, err := m.createSession(remote); err != nil {
		m.params.Logger.Warnw("reconnection attempt failed", err, "remote", remote, "attempt", attempt)
		m.retryLater(remote, rs)
	}
}

// trackAttemptLocked arms the watchdog that fails an attempt which never connects.
func (m *SessionManager) trackAttemptLocked(remote signalling.ParticipantID, rs *reconnectState, session *PeerSession) {
	rs.stopTimers()
	rs.session = session
	timeout := m.params.Config.ReconnectAttemptTimeout
	if timeout <= 0 {
		return
	}
	rs.watchdog = time.AfterFunc(timeout, func() {
		if session.State() == types.HandshakeStateConnected || session.IsClosed() {
			return
		}
		m.params.Logger.Infow("reconnection attempt timed out", "remote", remote)
		m.handleSessionFailed(session)
	})
}

func (m *SessionManager) retryLater(remote signalling.ParticipantID, rs *reconnectState) {
	m.lock.Lock()
	if m.closed.IsBroken() || m.reconnects[remote] != rs {
		m.lock.Unlock()
		return
	}
	delay := rs.backoff.NextBackOff()
	if delay == backoff.Stop {
		delete(m.reconnects, remote)
		onSessionFailed := m.onSessionFailed
		m.lock.Unlock()

		prometheus.RecordReconnect("exhausted")
		if onSessionFailed != nil {
			onSessionFailed(remote, ErrReconnectExhausted)
		}
		return
	}
	rs.timer = time.AfterFunc(delay, func() {
		m.attemptReconnect(remote, rs)
	})
	m.lock.Unlock()
}

func (m *SessionManager) newBackoff() backoff.BackOff {
	conf := m.params.Config

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conf.ReconnectInitialInterval
	b.MaxInterval = conf.ReconnectMaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := conf.ReconnectMaxAttempts
	if attempts < 0 {
		attempts = 0
	}
	return backoff.WithMaxRetries(b, uint64(attempts))
}

func (m *SessionManager) sessionsSnapshot() []*PeerSession {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return funk.Values(m.sessions).([]*PeerSession)
}

// SetTrackEnabled mutes or unmutes the local track of kind and tells every peer.
func (m *SessionManager) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	if err := m.params.Media.SetEnabled(kind, enabled); err != nil {
		return err
	}
	for _, s := range m.sessionsSnapshot() {
		s.SendTrackUpdate()
	}
	return nil
}

// ReplaceTrack swaps the local track of the same kind on every link, e.g. camera to screen.
func (m *SessionManager) ReplaceTrack(track webrtc.TrackLocal) error {
	if m.params.Media.Track(track.Kind()) == nil {
		return ErrNoTrack
	}
	m.params.Media.SetTrack(track)

	var errs []error
	for _, s := range m.sessionsSnapshot() {
		if err := s.ReplaceTrack(track); err != nil {
			m.params.Logger.Warnw("could not replace track", err, "remote", s.RemoteID(), "kind", track.Kind().String())
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// AddTrack publishes a kind that was not captured before. Every link renegotiates.
func (m *SessionManager) AddTrack(track webrtc.TrackLocal) error {
	if m.params.Media.Track(track.Kind()) != nil {
		return ErrTrackExists
	}
	m.params.Media.SetTrack(track)

	for _, s := range m.sessionsSnapshot() {
		if err := s.AddTrack(track); err != nil {
			m.params.Logger.Warnw("could not add track", err, "remote", s.RemoteID(), "kind", track.Kind().String())
		}
	}
	for _, s := range m.sessionsSnapshot() {
		s.SendTrackUpdate()
	}
	return nil
}

func (m *SessionManager) RemoveTrack(kind webrtc.RTPCodecType) error {
	if m.params.Media.RemoveTrack(kind) == nil {
		return ErrNoTrack
	}

	for _, s := range m.sessionsSnapshot() {
		if err := s.RemoveTrack(kind); err != nil {
			m.params.Logger.Warnw("could not remove track", err, "remote", s.RemoteID(), "kind", kind.String())
		}
		s.SendTrackUpdate()
	}
	return nil
}

// Close tears down every session and pending reconnection.
func (m *SessionManager) Close() {
	if m.closed.IsBroken() {
		return
	}
	m.closed.Break()

	m.lock.Lock()
	sessions := funk.Values(m.sessions).([]*PeerSession)
	for _, rs := range m.reconnects {
		rs.stopTimers()
	}
	m.sessions = make(map[signalling.ParticipantID]*PeerSession)
	m.reconnects = make(map[signalling.ParticipantID]*reconnectState)
	m.lock.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.params.Logger.Infow("session manager closed", "sessions", len(sessions))
}
