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

package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	"github.com/thoas/go-funk"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/rtc"
	"github.com/livekit/meshroom/pkg/rtc/types"
	"github.com/livekit/meshroom/pkg/signalling"
	"github.com/livekit/meshroom/pkg/utils"
)

const opsQueueSize = 256

var (
	ErrLeft       = errors.New("participant has left")
	ErrJoinFailed = errors.New("join rejected by relay service")
)

type ParticipantParams struct {
	URL  string
	Room signalling.RoomName

	Signal  config.SignalConfig
	Session config.SessionConfig
	Quality config.QualityConfig
	// used when LinkFactory is nil
	RTC         config.RTCConfig
	LinkFactory types.LinkFactory

	Logger logger.Logger
}

// MediaAcquirer produces the outbound track for one media kind, standing in for a capture device.
type MediaAcquirer func(kind webrtc.RTPCodecType) (webrtc.TrackLocal, error)

// Participant is one end user: a signaling connection, a dispatch loop handling every
// inbound message in order, and the session manager holding its peer sessions.
type Participant struct {
	params ParticipantParams
	media  *rtc.LocalMedia
	ops    *utils.OpsQueue

	lock        sync.RWMutex
	signal      *SignalClient
	id          signalling.ParticipantID
	iceServers  []signalling.ICEServer
	manager     *rtc.SessionManager
	mediaErrors map[webrtc.RTPCodecType]*rtc.MediaError
	lastError   *signalling.Error
	// remote => bytes
	bytesReceived map[signalling.ParticipantID]uint64
	remoteTracks  map[signalling.ParticipantID][]*webrtc.TrackRemote

	onSessionStateChanged func(remote signalling.ParticipantID, state types.HandshakeState)
	onRemoteMediaState    func(remote signalling.ParticipantID, update signalling.TrackUpdate)
	onMediaError          func(err *rtc.MediaError)
	onError               func(err signalling.Error)

	joined   core.Fuse
	rejected core.Fuse
	left     core.Fuse
}

func NewParticipant(params ParticipantParams) *Participant {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Participant{
		params:        params,
		media:         rtc.NewLocalMedia(),
		ops:           utils.NewOpsQueue(params.Logger, "participant", opsQueueSize),
		mediaErrors:   make(map[webrtc.RTPCodecType]*rtc.MediaError),
		bytesReceived: make(map[signalling.ParticipantID]uint64),
		remoteTracks:  make(map[signalling.ParticipantID][]*webrtc.TrackRemote),
	}
}

func (p *Participant) ID() signalling.ParticipantID {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.id
}

func (p *Participant) Media() *rtc.LocalMedia {
	return p.media
}

// Manager is nil until the relay service has welcomed the participant.
func (p *Participant) Manager() *rtc.SessionManager {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.manager
}

func (p *Participant) ICEServers() []signalling.ICEServer {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.iceServers
}

func (p *Participant) OnSessionStateChanged(f func(remote signalling.ParticipantID, state types.HandshakeState)) {
	p.lock.Lock()
	p.onSessionStateChanged = f
	p.lock.Unlock()
}

func (p *Participant) OnRemoteMediaState(f func(remote signalling.ParticipantID, update signalling.TrackUpdate)) {
	p.lock.Lock()
	p.onRemoteMediaState = f
	p.lock.Unlock()
}

// OnMediaError fires once per failed capture, with the message to show the user.
func (p *Participant) OnMediaError(f func(err *rtc.MediaError)) {
	p.lock.Lock()
	p.onMediaError = f
	p.lock.Unlock()
}

func (p *Participant) OnError(f func(err signalling.Error)) {
	p.lock.Lock()
	p.onError = f
	p.lock.Unlock()
}

// Connect dials the relay service and starts the dispatch loop. The room is joined as soon
// as the service assigns an identifier.
func (p *Participant) Connect(ctx context.Context) error {
	if p.left.IsBroken() {
		return ErrLeft
	}

	signal, err := DialSignal(ctx, SignalClientParams{
		URL:    p.params.URL,
		Config: p.params.Signal,
		Logger: p.params.Logger,
	})
	if err != nil {
		return err
	}

	p.lock.Lock()
	p.signal = signal
	p.lock.Unlock()

	p.ops.Start()
	go p.readWorker(signal)
	return nil
}

// WaitUntilJoined blocks until the room membership has been confirmed.
func (p *Participant) WaitUntilJoined(ctx context.Context) error {
	select {
	case <-p.joined.Watch():
		return nil
	case <-p.rejected.Watch():
		return fmt.Errorf("%w: %s", ErrJoinFailed, p.LastError().Message)
	case <-p.left.Watch():
		return ErrLeft
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Participant) LastError() *signalling.Error {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.lastError
}

// AcquireMedia asks acquire for a track of each kind. A kind that cannot be captured is
// skipped: its error is recorded and reported, and the participant continues without it.
func (p *Participant) AcquireMedia(acquire MediaAcquirer, kinds ...webrtc.RTPCodecType) []*rtc.MediaError {
	var failed []*rtc.MediaError
	for _, kind := range kinds {
		track, err := acquire(kind)
		if err == nil {
			err = p.AddTrack(track)
		}
		if err == nil {
			continue
		}

		me := rtc.ClassifyMediaError(kind, err)
		p.params.Logger.Warnw("could not acquire media", me, "kind", kind.String(), "category", me.Category.String())
		failed = append(failed, me)

		p.lock.Lock()
		p.mediaErrors[kind] = me
		onMediaError := p.onMediaError
		p.lock.Unlock()
		if onMediaError != nil {
			onMediaError(me)
		}
	}
	return failed
}

func (p *Participant) MediaErrors() []*rtc.MediaError {
	p.lock.RLock()
	defer p.lock.RUnlock()

	errs := funk.Values(p.mediaErrors).([]*rtc.MediaError)
	sort.Slice(errs, func(i, j int) bool { return errs[i].Kind < errs[j].Kind })
	return errs
}

// AddTrack publishes a new kind to every peer, renegotiating each link.
func (p *Participant) AddTrack(track webrtc.TrackLocal) error {
	if manager := p.Manager(); manager != nil {
		if err := manager.AddTrack(track); err != nil {
			return err
		}
	} else {
		if p.media.Track(track.Kind()) != nil {
			return rtc.ErrTrackExists
		}
		p.media.SetTrack(track)
	}

	p.lock.Lock()
	delete(p.mediaErrors, track.Kind())
	p.lock.Unlock()
	return nil
}

// ReplaceTrack swaps the outbound track of the same kind on every link without renegotiation.
func (p *Participant) ReplaceTrack(track webrtc.TrackLocal) error {
	if manager := p.Manager(); manager != nil {
		return manager.ReplaceTrack(track)
	}
	if p.media.Track(track.Kind()) == nil {
		return rtc.ErrNoTrack
	}
	p.media.SetTrack(track)
	return nil
}

func (p *Participant) RemoveTrack(kind webrtc.RTPCodecType) error {
	if manager := p.Manager(); manager != nil {
		return manager.RemoveTrack(kind)
	}
	if p.media.RemoveTrack(kind) == nil {
		return rtc.ErrNoTrack
	}
	return nil
}

// SetTrackEnabled mutes or unmutes a kind and tells every peer.
func (p *Participant) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	if manager := p.Manager(); manager != nil {
		return manager.SetTrackEnabled(kind, enabled)
	}
	return p.media.SetEnabled(kind, enabled)
}

// Peers lists the remote participants with a session, sorted.
func (p *Participant) Peers() []signalling.ParticipantID {
	manager := p.Manager()
	if manager == nil {
		return nil
	}
	return manager.Remotes()
}

func (p *Participant) RemoteTracks() map[signalling.ParticipantID][]*webrtc.TrackRemote {
	p.lock.RLock()
	defer p.lock.RUnlock()

	tracks := make(map[signalling.ParticipantID][]*webrtc.TrackRemote, len(p.remoteTracks))
	for remote, ts := range p.remoteTracks {
		tracks[remote] = append([]*webrtc.TrackRemote{}, ts...)
	}
	return tracks
}

func (p *Participant) BytesReceived(remote signalling.ParticipantID) uint64 {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.bytesReceived[remote]
}

// Leave closes every peer session, which closes its link, discards its queued candidates
// and stops its quality controller, and only then closes the signaling connection.
func (p *Participant) Leave() {
	if p.left.IsBroken() {
		return
	}
	p.left.Break()
	p.ops.Stop()

	p.lock.Lock()
	manager := p.manager
	signal := p.signal
	p.lock.Unlock()

	if manager != nil {
		manager.Close()
	}
	if signal != nil {
		signal.Close()
	}
	for _, track := range p.media.Tracks() {
		if s, ok := track.(interface{ Stop() }); ok {
			s.Stop()
		}
	}
	p.params.Logger.Infow("left room", "participant", p.ID(), "room", p.params.Room)
}

func (p *Participant) IsLeft() bool {
	return p.left.IsBroken()
}

func (p *Participant) readWorker(signal *SignalClient) {
	defer p.Leave()

	for {
		msg, err := signal.ReadMessage()
		if err != nil {
			if !p.left.IsBroken() {
				p.params.Logger.Infow("signal connection closed", "error", err)
			}
			return
		}
		if !p.ops.Enqueue(func() { p.handleMessage(msg) }) && !p.left.IsBroken() {
			p.params.Logger.Warnw("dropping signal message", nil, "kind", msg.Kind)
		}
	}
}

// handleMessage runs on the ops queue, one message at a time.
func (p *Participant) handleMessage(msg *signalling.Message) {
	if p.left.IsBroken() {
		return
	}

	switch msg.Kind {
	case signalling.KindWelcome:
		p.handleWelcome(msg)

	case signalling.KindError:
		var e signalling.Error
		if err := msg.DecodePayload(&e); err != nil {
			p.params.Logger.Warnw("could not decode error", err)
			return
		}
		p.params.Logger.Warnw("relay service error", nil, "code", e.Code, "message", e.Message)
		p.lock.Lock()
		p.lastError = &e
		onError := p.onError
		p.lock.Unlock()
		switch e.Code {
		case signalling.ErrorCodeAlreadyJoined, signalling.ErrorCodeInvalidRoom, signalling.ErrorCodeRoomFull:
			if !p.joined.IsBroken() {
				p.rejected.Break()
			}
		}
		if onError != nil {
			onError(e)
		}

	default:
		manager := p.Manager()
		if manager == nil {
			p.params.Logger.Debugw("dropping message before welcome", "kind", msg.Kind)
			return
		}
		if msg.Kind == signalling.KindExistingUsers {
			p.joined.Break()
		}
		if err := manager.HandleMessage(msg); err != nil {
			p.params.Logger.Warnw("could not handle signal message", err, "kind", msg.Kind, "sender", msg.Sender)
		}
	}
}

func (p *Participant) handleWelcome(msg *signalling.Message) {
	var welcome signalling.Welcome
	if err := msg.DecodePayload(&welcome); err != nil {
		p.params.Logger.Warnw("could not decode welcome", err)
		return
	}

	p.lock.Lock()
	if p.manager != nil {
		p.lock.Unlock()
		p.params.Logger.Warnw("duplicate welcome", nil, "participant", welcome.ParticipantID)
		return
	}
	p.id = welcome.ParticipantID
	p.iceServers = welcome.ICEServers
	signal := p.signal
	p.lock.Unlock()
	log := p.params.Logger.WithValues("participant", welcome.ParticipantID)

	factory := p.params.LinkFactory
	if factory == nil {
		wc, err := rtc.NewWebRTCConfig(&p.params.RTC, nil)
		if err != nil {
			p.params.Logger.Errorw("could not create webrtc config", err)
			return
		}
		factory = rtc.NewLinkFactory(wc)
	}

	manager := rtc.NewSessionManager(rtc.SessionManagerParams{
		LocalID:     welcome.ParticipantID,
		Signal:      signal,
		LinkFactory: factory,
		ICEServers:  rtc.ToWebRTCICEServers(welcome.ICEServers),
		Media:       p.media,
		Config:      p.params.Session,
		Quality:     p.params.Quality,
		Logger:      log,
	})
	manager.OnSessionStateChanged(func(remote signalling.ParticipantID, state types.HandshakeState) {
		p.lock.RLock()
		f := p.onSessionStateChanged
		p.lock.RUnlock()
		if f != nil {
			f(remote, state)
		}
	})
	manager.OnSessionFailed(func(remote signalling.ParticipantID, err error) {
		log.Warnw("gave up on peer", err, "remote", remote)
	})
	manager.OnRemoteMediaState(func(remote signalling.ParticipantID, update signalling.TrackUpdate) {
		p.lock.RLock()
		f := p.onRemoteMediaState
		p.lock.RUnlock()
		if f != nil {
			f(remote, update)
		}
	})
	manager.OnRemoteTrack(p.handleRemoteTrack)

	p.lock.Lock()
	p.manager = manager
	p.lock.Unlock()

	join := &signalling.Message{Kind: signalling.KindJoinRoom, Room: p.params.Room}
	if err := signal.SendMessage(join); err != nil {
		log.Errorw("could not join room", err, "room", p.params.Room)
		return
	}
	log.Infow("joining room", "room", p.params.Room)
}

// handleRemoteTrack drains inbound RTP until the track ends.
func (p *Participant) handleRemoteTrack(remote signalling.ParticipantID, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.lock.Lock()
	p.remoteTracks[remote] = append(p.remoteTracks[remote], track)
	p.lock.Unlock()

	p.params.Logger.Infow("remote track added", "remote", remote, "kind", track.Kind().String(), "trackID", track.ID())

	go func() {
		defer func() {
			p.lock.Lock()
			p.remoteTracks[remote] = funk.Without(p.remoteTracks[remote], track).([]*webrtc.TrackRemote)
			if len(p.remoteTracks[remote]) == 0 {
				delete(p.remoteTracks, remote)
			}
			p.lock.Unlock()
		}()

		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				return
			}
			p.lock.Lock()
			p.bytesReceived[remote] += uint64(n)
			p.lock.Unlock()
		}
	}()
}
