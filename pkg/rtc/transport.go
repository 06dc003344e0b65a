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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/rtc/types"
	"github.com/livekit/meshroom/pkg/signalling"
)

// PCTransport is a wrapper around PeerConnection that implements types.TransportLink
type PCTransport struct {
	params   TransportParams
	pc       *webrtc.PeerConnection
	rtpStats stats.Getter

	lock sync.RWMutex

	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks  map[webrtc.RTPCodecType]webrtc.TrackLocal

	iceConnectedAt time.Time
	connectedAt    time.Time

	onConnectionStateChange func(state webrtc.PeerConnectionState)

	closed core.Fuse
}

type TransportParams struct {
	LocalID    signalling.ParticipantID
	RemoteID   signalling.ParticipantID
	Config     *WebRTCConfig
	ICEServers []webrtc.ICEServer
	Logger     logger.Logger
}

func newPeerConnection(params TransportParams) (*webrtc.PeerConnection, stats.Getter, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, nil, err
	}

	// pion reports no rtp stream stats of its own
	statsFactory, err := stats.NewInterceptor()
	if err != nil {
		return nil, nil, err
	}
	var getter stats.Getter
	statsFactory.OnNewPeerConnection(func(_ string, g stats.Getter) {
		getter = g
	})
	ir.Add(statsFactory)

	se := params.Config.SettingEngine
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(ir),
	)

	conf := params.Config.Configuration
	if len(params.ICEServers) > 0 {
		conf.ICEServers = params.ICEServers
	}
	pc, err := api.NewPeerConnection(conf)
	if err != nil {
		return nil, nil, err
	}
	return pc, getter, nil
}

func NewPCTransport(params TransportParams) (*PCTransport, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config == nil {
		params.Config = &WebRTCConfig{}
	}

	pc, rtpStats, err := newPeerConnection(params)
	if err != nil {
		return nil, errors.Wrap(err, "could not create peer connection")
	}

	t := &PCTransport{
		params:   params,
		pc:       pc,
		rtpStats: rtpStats,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		tracks:  make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}
	pc.OnICEConnectionStateChange(t.onICEConnectionStateChange)
	pc.OnConnectionStateChange(t.onPeerConnectionStateChange)

	return t, nil
}

// NewLinkFactory returns a types.LinkFactory that creates pion backed transports.
func NewLinkFactory(conf *WebRTCConfig) types.LinkFactory {
	return func(params types.LinkParams) (types.TransportLink, error) {
		return NewPCTransport(TransportParams{
			LocalID:    params.LocalID,
			RemoteID:   params.RemoteID,
			Config:     conf,
			ICEServers: params.ICEServers,
			Logger:     params.Logger,
		})
	}
}

func (t *PCTransport) Logger() logger.Logger {
	return t.params.Logger
}

func (t *PCTransport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

func (t *PCTransport) setICEConnectedAt(at time.Time) {
	t.lock.Lock()
	if t.iceConnectedAt.IsZero() {
		// ICE may go Connected -> Disconnected -> Connected, keep the first
		t.iceConnectedAt = at
	}
	t.lock.Unlock()
}

func (t *PCTransport) setConnectedAt(at time.Time) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.connectedAt.IsZero() {
		return false
	}
	t.connectedAt = at
	return true
}

func (t *PCTransport) onICEConnectionStateChange(state webrtc.ICEConnectionState) {
	t.params.Logger.Debugw("ice connection state change", "state", state.String())
	if state == webrtc.ICEConnectionStateConnected {
		t.setICEConnectedAt(time.Now())
	}
}

func (t *PCTransport) onPeerConnectionStateChange(state webrtc.PeerConnectionState) {
	t.params.Logger.Infow("peer connection state change", "state", state.String())
	if state == webrtc.PeerConnectionStateConnected {
		if t.setConnectedAt(time.Now()) {
			t.lock.RLock()
			t.params.Logger.Debugw("initial connection", "iceConnectedAt", t.iceConnectedAt)
			t.lock.RUnlock()
		}
	}

	t.lock.RLock()
	onConnectionStateChange := t.onConnectionStateChange
	t.lock.RUnlock()
	if onConnectionStateChange != nil {
		onConnectionStateChange(state)
	}
}

func (t *PCTransport) AddTrack(track webrtc.TrackLocal) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.senders[track.Kind()]; ok {
		return ErrTrackExists
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	t.senders[track.Kind()] = sender
	t.tracks[track.Kind()] = track

	go t.rtcpWorker(track.Kind(), sender)
	return nil
}

// rtcpWorker drains feedback for one sender. RTCP must be read for interceptors to work;
// key frame requests are passed on to the current track of that kind.
func (t *PCTransport) rtcpWorker(kind webrtc.RTPCodecType, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				t.lock.RLock()
				track := t.tracks[kind]
				t.lock.RUnlock()
				if kf, ok := track.(types.KeyFrameRequester); ok {
					kf.RequestKeyFrame()
				}
			}
		}
	}
}

func (t *PCTransport) RemoveTrack(kind webrtc.RTPCodecType) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	sender, ok := t.senders[kind]
	if !ok {
		return ErrNoTrack
	}
	delete(t.senders, kind)
	delete(t.tracks, kind)
	return t.pc.RemoveTrack(sender)
}

func (t *PCTransport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	sender, ok := t.senders[kind]
	if !ok {
		return ErrNoTrack
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return err
	}
	t.tracks[kind] = track
	return nil
}

func (t *PCTransport) HasTrack(kind webrtc.RTPCodecType) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	_, ok := t.senders[kind]
	return ok
}

func (t *PCTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if t.closed.IsBroken() {
		return webrtc.SessionDescription{}, ErrTransportClosed
	}
	if err := t.ensureReceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	var options *webrtc.OfferOptions
	if iceRestart {
		options = &webrtc.OfferOptions{ICERestart: true}
	}
	return t.pc.CreateOffer(options)
}

// ensureReceivers adds a receive-only transceiver for every kind this side does not send,
// so that the remote can deliver its media without a reverse negotiation.
func (t *PCTransport) ensureReceivers() error {
	present := make(map[webrtc.RTPCodecType]bool)
	for _, tr := range t.pc.GetTransceivers() {
		present[tr.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if present[kind] {
			continue
		}
		if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *PCTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	if t.closed.IsBroken() {
		return webrtc.SessionDescription{}, ErrTransportClosed
	}
	return t.pc.CreateAnswer(nil)
}

func (t *PCTransport) SetLocalDescription(sd webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sd)
}

func (t *PCTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if sd.Type != webrtc.SDPTypeRollback {
		if err := validateDescription(sd); err != nil {
			return err
		}
	}
	return t.pc.SetRemoteDescription(sd)
}

func (t *PCTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.params.Logger.Debugw("add candidate", "candidate", candidate.Candidate)
	return t.pc.AddICECandidate(candidate)
}

func (t *PCTransport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

func (t *PCTransport) OnICECandidate(f func(candidate webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

func (t *PCTransport) OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	t.pc.OnTrack(f)
}

func (t *PCTransport) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	t.lock.Lock()
	t.onConnectionStateChange = f
	t.lock.Unlock()
}

func (t *PCTransport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

// GetStats returns the peer connection report with outbound and remote-inbound entries
// added for every sent stream.
func (t *PCTransport) GetStats() webrtc.StatsReport {
	report := t.pc.GetStats()
	if t.rtpStats == nil {
		return report
	}

	now := statsTimestamp(time.Now())
	t.lock.RLock()
	defer t.lock.RUnlock()
	for kind, sender := range t.senders {
		for _, encoding := range sender.GetParameters().Encodings {
			s := t.rtpStats.Get(uint32(encoding.SSRC))
			if s == nil {
				continue
			}
			addStreamStats(report, now, kind, encoding.SSRC, s)
		}
	}
	return report
}

func addStreamStats(report webrtc.StatsReport, now webrtc.StatsTimestamp, kind webrtc.RTPCodecType, ssrc webrtc.SSRC, s *stats.Stats) {
	outboundID := fmt.Sprintf("outbound-rtp-%s-%d", kind, ssrc)
	remoteID := fmt.Sprintf("remote-inbound-rtp-%s-%d", kind, ssrc)

	report[outboundID] = webrtc.OutboundRTPStreamStats{
		Timestamp:   now,
		Type:        webrtc.StatsTypeOutboundRTP,
		ID:          outboundID,
		SSRC:        ssrc,
		Kind:        kind.String(),
		PacketsSent: uint32(s.OutboundRTPStreamStats.PacketsSent),
		BytesSent:   s.OutboundRTPStreamStats.BytesSent,
		NACKCount:   s.OutboundRTPStreamStats.NACKCount,
		FIRCount:    s.OutboundRTPStreamStats.FIRCount,
		PLICount:    s.OutboundRTPStreamStats.PLICount,
		RemoteID:    remoteID,
	}

	remote := s.RemoteInboundRTPStreamStats
	if remote.PacketsReceived == 0 && remote.PacketsLost == 0 {
		// no receiver report yet
		return
	}
	report[remoteID] = webrtc.RemoteInboundRTPStreamStats{
		Timestamp:       now,
		Type:            webrtc.StatsTypeRemoteInboundRTP,
		ID:              remoteID,
		SSRC:            ssrc,
		Kind:            kind.String(),
		PacketsReceived: uint32(remote.PacketsReceived),
		PacketsLost:     int32(remote.PacketsLost),
		Jitter:          remote.Jitter,
		LocalID:         outboundID,
		RoundTripTime:   remote.RoundTripTime.Seconds(),
		FractionLost:    remote.FractionLost,
	}
}

func statsTimestamp(at time.Time) webrtc.StatsTimestamp {
	return webrtc.StatsTimestamp(float64(at.UnixNano()) / float64(time.Millisecond))
}

func (t *PCTransport) SetVideoBitrate(bps uint64) error {
	t.lock.RLock()
	track, ok := t.tracks[webrtc.RTPCodecTypeVideo]
	t.lock.RUnlock()
	if !ok {
		return ErrNoTrack
	}

	setter, ok := track.(types.BitrateSetter)
	if !ok {
		return errors.Wrapf(ErrBitrateUnsupported, "track %s", track.ID())
	}
	setter.SetBitrate(bps)
	return nil
}

func (t *PCTransport) Close() error {
	if t.closed.IsBroken() {
		return nil
	}
	t.closed.Break()
	return t.pc.Close()
}

// validateDescription rejects descriptions that cannot be negotiated before they reach the
// peer connection.
func validateDescription(sd webrtc.SessionDescription) error {
	if sd.SDP == "" {
		return errors.Wrap(ErrMalformedDescription, "empty sdp")
	}
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return errors.Wrapf(ErrMalformedDescription, "%s: %v", sd.Type, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return errors.Wrap(ErrMalformedDescription, "no media sections")
	}
	if _, _, err := extractICECredential(parsed); err != nil {
		return errors.Wrapf(ErrMalformedDescription, "%v", err)
	}
	if _, _, err := extractFingerprint(parsed); err != nil {
		return errors.Wrapf(ErrMalformedDescription, "%v", err)
	}
	return nil
}

func extractFingerprint(desc *sdp.SessionDescription) (string, string, error) {
	fingerprints := make([]string, 0)

	if fingerprint, haveFingerprint := desc.Attribute("fingerprint"); haveFingerprint {
		fingerprints = append(fingerprints, fingerprint)
	}

	for _, m := range desc.MediaDescriptions {
		if fingerprint, haveFingerprint := m.Attribute("fingerprint"); haveFingerprint {
			fingerprints = append(fingerprints, fingerprint)
		}
	}

	if len(fingerprints) < 1 {
		return "", "", webrtc.ErrSessionDescriptionNoFingerprint
	}

	for _, m := range fingerprints {
		if m != fingerprints[0] {
			return "", "", webrtc.ErrSessionDescriptionConflictingFingerprints
		}
	}

	parts := strings.Split(fingerprints[0], " ")
	if len(parts) != 2 {
		return "", "", webrtc.ErrSessionDescriptionInvalidFingerprint
	}
	return parts[1], parts[0], nil
}

func extractICECredential(desc *sdp.SessionDescription) (string, string, error) {
	var remotePwds, remoteUfrags []string

	if ufrag, haveUfrag := desc.Attribute("ice-ufrag"); haveUfrag {
		remoteUfrags = append(remoteUfrags, ufrag)
	}
	if pwd, havePwd := desc.Attribute("ice-pwd"); havePwd {
		remotePwds = append(remotePwds, pwd)
	}

	for _, m := range desc.MediaDescriptions {
		if ufrag, haveUfrag := m.Attribute("ice-ufrag"); haveUfrag {
			remoteUfrags = append(remoteUfrags, ufrag)
		}
		if pwd, havePwd := m.Attribute("ice-pwd"); havePwd {
			remotePwds = append(remotePwds, pwd)
		}
	}

	if len(remoteUfrags) == 0 {
		return "", "", webrtc.ErrSessionDescriptionMissingIceUfrag
	} else if len(remotePwds) == 0 {
		return "", "", webrtc.ErrSessionDescriptionMissingIcePwd
	}

	for _, m := range remoteUfrags {
		if m != remoteUfrags[0] {
			return "", "", webrtc.ErrSessionDescriptionConflictingIceUfrag
		}
	}

	for _, m := range remotePwds {
		if m != remotePwds[0] {
			return "", "", webrtc.ErrSessionDescriptionConflictingIcePwd
		}
	}

	return remoteUfrags[0], remotePwds[0], nil
}

var _ types.TransportLink = (*PCTransport)(nil)
