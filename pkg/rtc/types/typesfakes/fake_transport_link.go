package typesfakes

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/meshroom/pkg/rtc/types"
)

var ErrNoRemoteDescription = errors.New("candidate added without remote description")

// FakeTransportLink is an in-memory TransportLink that follows the offer/answer signaling
// states and records every call made to it.
type FakeTransportLink struct {
	Params types.LinkParams

	lock sync.Mutex

	signalingState    webrtc.SignalingState
	connectionState   webrtc.PeerConnectionState
	remoteDescSet     bool
	offers            int
	tracks            map[webrtc.RTPCodecType]webrtc.TrackLocal
	localDescs        []webrtc.SessionDescription
	remoteDescs       []webrtc.SessionDescription
	candidates        []webrtc.ICECandidateInit
	bitrates          []uint64
	closed            bool
	setRemoteErr      error
	createOfferErr    error
	stats             webrtc.StatsReport
	earlyCandidates   int
	onICECandidate    func(candidate webrtc.ICECandidateInit)
	onTrack           func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onConnectionState func(state webrtc.PeerConnectionState)
}

func NewFakeTransportLink(params types.LinkParams) *FakeTransportLink {
	return &FakeTransportLink{
		Params:          params,
		signalingState:  webrtc.SignalingStateStable,
		connectionState: webrtc.PeerConnectionStateNew,
		tracks:          make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}
}

func (f *FakeTransportLink) AddTrack(track webrtc.TrackLocal) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.tracks[track.Kind()] = track
	return nil
}

func (f *FakeTransportLink) RemoveTrack(kind webrtc.RTPCodecType) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, ok := f.tracks[kind]; !ok {
		return fmt.Errorf("no %s track", kind)
	}
	delete(f.tracks, kind)
	return nil
}

func (f *FakeTransportLink) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, ok := f.tracks[kind]; !ok {
		return fmt.Errorf("no %s track", kind)
	}
	f.tracks[kind] = track
	return nil
}

func (f *FakeTransportLink) HasTrack(kind webrtc.RTPCodecType) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	_, ok := f.tracks[kind]
	return ok
}

func (f *FakeTransportLink) Track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.tracks[kind]
}

func (f *FakeTransportLink) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.createOfferErr != nil {
		return webrtc.SessionDescription{}, f.createOfferErr
	}
	f.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer-%s-%d", f.Params.LocalID, f.offers),
	}, nil
}

func (f *FakeTransportLink) CreateAnswer() (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.signalingState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer-%s", f.Params.LocalID),
	}, nil
}

func (f *FakeTransportLink) SetLocalDescription(sd webrtc.SessionDescription) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		f.signalingState = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		f.signalingState = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		f.signalingState = webrtc.SignalingStateStable
	}
	f.localDescs = append(f.localDescs, sd)
	return nil
}

func (f *FakeTransportLink) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if f.signalingState == webrtc.SignalingStateHaveLocalOffer {
			return errors.New("offer collision")
		}
		f.signalingState = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if f.signalingState != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("answer without local offer")
		}
		f.signalingState = webrtc.SignalingStateStable
	}
	f.remoteDescSet = true
	f.remoteDescs = append(f.remoteDescs, sd)
	return nil
}

func (f *FakeTransportLink) HasRemoteDescription() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.remoteDescSet
}

func (f *FakeTransportLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.remoteDescSet {
		f.earlyCandidates++
		return ErrNoRemoteDescription
	}
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *FakeTransportLink) SignalingState() webrtc.SignalingState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.signalingState
}

func (f *FakeTransportLink) OnICECandidate(fn func(candidate webrtc.ICECandidateInit)) {
	f.lock.Lock()
	f.onICECandidate = fn
	f.lock.Unlock()
}

func (f *FakeTransportLink) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	f.lock.Lock()
	f.onTrack = fn
	f.lock.Unlock()
}

func (f *FakeTransportLink) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	f.lock.Lock()
	f.onConnectionState = fn
	f.lock.Unlock()
}

func (f *FakeTransportLink) ConnectionState() webrtc.PeerConnectionState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.connectionState
}

func (f *FakeTransportLink) GetStats() webrtc.StatsReport {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.stats
}

func (f *FakeTransportLink) SetVideoBitrate(bps uint64) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.bitrates = append(f.bitrates, bps)
	return nil
}

func (f *FakeTransportLink) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closed = true
	f.connectionState = webrtc.PeerConnectionStateClosed
	return nil
}

// test controls

// SetConnectionState moves the link to state and fires the registered callback.
func (f *FakeTransportLink) SetConnectionState(state webrtc.PeerConnectionState) {
	f.lock.Lock()
	f.connectionState = state
	fn := f.onConnectionState
	f.lock.Unlock()
	if fn != nil {
		fn(state)
	}
}

// EmitCandidate simulates discovery of a local candidate.
func (f *FakeTransportLink) EmitCandidate(candidate webrtc.ICECandidateInit) {
	f.lock.Lock()
	fn := f.onICECandidate
	f.lock.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

func (f *FakeTransportLink) SetStats(report webrtc.StatsReport) {
	f.lock.Lock()
	f.stats = report
	f.lock.Unlock()
}

func (f *FakeTransportLink) SetRemoteDescriptionError(err error) {
	f.lock.Lock()
	f.setRemoteErr = err
	f.lock.Unlock()
}

func (f *FakeTransportLink) SetCreateOfferError(err error) {
	f.lock.Lock()
	f.createOfferErr = err
	f.lock.Unlock()
}

func (f *FakeTransportLink) Candidates() []webrtc.ICECandidateInit {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

// EarlyCandidates counts candidates that were added before any remote description.
func (f *FakeTransportLink) EarlyCandidates() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.earlyCandidates
}

func (f *FakeTransportLink) LocalDescriptions() []webrtc.SessionDescription {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]webrtc.SessionDescription(nil), f.localDescs...)
}

func (f *FakeTransportLink) RemoteDescriptions() []webrtc.SessionDescription {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]webrtc.SessionDescription(nil), f.remoteDescs...)
}

func (f *FakeTransportLink) Bitrates() []uint64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]uint64(nil), f.bitrates...)
}

func (f *FakeTransportLink) IsClosed() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.closed
}

var _ types.TransportLink = (*FakeTransportLink)(nil)
