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

package service

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/routing"
	"github.com/livekit/meshroom/pkg/rtc"
	"github.com/livekit/meshroom/pkg/signalling"
	"github.com/livekit/meshroom/pkg/telemetry/prometheus"
)

const (
	messageStatusOK      = "ok"
	messageStatusError   = "error"
	messageStatusDropped = "dropped"
)

// SignalService accepts participant signaling connections. Each connection is assigned a
// participant ID, greeted with a welcome, and then feeds the router until it closes.
type SignalService struct {
	conf       config.SignalConfig
	router     *routing.Router
	turnAuth   *TURNAuthHandler
	iceServers []signalling.ICEServer
	upgrader   websocket.Upgrader
	newID      func() signalling.ParticipantID
}

func NewSignalService(conf *config.Config, router *routing.Router, turnAuth *TURNAuthHandler) *SignalService {
	return &SignalService{
		conf:       conf.Signal,
		router:     router,
		turnAuth:   turnAuth,
		iceServers: rtc.FromConfigICEServers(&conf.RTC),
		upgrader: websocket.Upgrader{
			// allow connections from any origin, since script may be hosted anywhere
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		newID: func() signalling.ParticipantID {
			return signalling.ParticipantID(utils.NewGuid(utils.ParticipantPrefix))
		},
	}
}

// ICEServers returns the servers handed to pID in its welcome.
func (s *SignalService) ICEServers(pID signalling.ParticipantID) []signalling.ICEServer {
	servers := append([]signalling.ICEServer{}, s.iceServers...)
	if turnServer, ok := s.turnAuth.ICEServer(pID); ok {
		servers = append(servers, turnServer)
	}
	return servers
}

func (s *SignalService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("could not upgrade to WS", err, "remote", r.RemoteAddr)
		return
	}

	pID := s.newID()
	pLogger := logger.GetLogger().WithValues("participant", pID, "remote", r.RemoteAddr)
	sigConn := NewWSSignalConnection(conn, s.conf, pLogger)

	sink := routing.NewMessageChannel(s.conf.SendBufferSize)
	welcome, _ := signalling.NewMessage(signalling.KindWelcome, signalling.Welcome{
		ParticipantID: pID,
		ICEServers:    s.ICEServers(pID),
	})
	// welcome is queued before the sink is visible to the router, so it is always first
	_ = sink.WriteMessage(welcome)
	s.router.Connect(pID, sink)

	pLogger.Infow("new signal connection")

	defer func() {
		s.router.Disconnect(pID)
		sink.Close()
		_ = sigConn.Close()
		pLogger.Infow("signal connection closed")
	}()

	// function exits when the sink closes or the socket fails
	go func() {
		defer func() {
			_ = sigConn.Close()
		}()
		for msg := range sink.ReadChan() {
			if _, err := sigConn.WriteMessage(msg); err != nil {
				if !IsWebSocketCloseError(err) {
					pLogger.Warnw("could not send message to participant", err, "kind", msg.Kind)
				}
				return
			}
		}
	}()

	for {
		msg, _, err := sigConn.ReadMessage()
		if err != nil {
			if _, ok := err.(*DecodeError); ok {
				prometheus.RecordMessage("unknown", messageStatusError)
				s.reportError(sink, pLogger, err)
				continue
			}
			if !IsWebSocketCloseError(err) {
				pLogger.Warnw("error reading from websocket", err)
			}
			return
		}

		if err := s.router.HandleMessage(pID, msg); err != nil {
			prometheus.RecordMessage(msg.Kind.String(), messageStatusError)
			pLogger.Debugw("could not handle message", "kind", msg.Kind, "error", err)
			s.reportError(sink, pLogger, err)
			continue
		}
		prometheus.RecordMessage(msg.Kind.String(), messageStatusOK)
	}
}

func (s *SignalService) reportError(sink routing.MessageSink, l logger.Logger, err error) {
	code, ok := ErrorCodeFor(err)
	if !ok {
		l.Warnw("unexpected error handling message", err)
		return
	}
	if werr := sink.WriteMessage(newErrorMessage(code, err)); werr != nil {
		prometheus.RecordMessage(signalling.KindError.String(), messageStatusDropped)
	}
}
