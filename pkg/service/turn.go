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
	"crypto/sha256"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jxskiss/base62"
	"github.com/pion/turn/v2"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/config"
	serverlogger "github.com/livekit/meshroom/pkg/logger"
	"github.com/livekit/meshroom/pkg/signalling"
)

const (
	allocateRetries  = 50
	authKeyCacheSize = 4096
)

var ErrInvalidTURNUsername = errors.New("invalid TURN username")

func NewTurnServer(conf *config.Config, authHandler turn.AuthHandler) (*turn.Server, error) {
	turnConf := conf.TURN
	if !turnConf.Enabled {
		return nil, nil
	}

	if turnConf.UDPPort <= 0 {
		return nil, errors.New("invalid TURN ports")
	}

	serverConfig := turn.ServerConfig{
		Realm:         turnConf.Realm,
		AuthHandler:   authHandler,
		LoggerFactory: serverlogger.DefaultLoggerFactory(),
	}
	relayAddrGen := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(conf.RTC.NodeIP),
		Address:      "0.0.0.0",
		MinPort:      turnConf.RelayPortRangeStart,
		MaxPort:      turnConf.RelayPortRangeEnd,
		MaxRetries:   allocateRetries,
	}

	checkUDPReadBuffer()
	udpListener, err := net.ListenPacket("udp4", "0.0.0.0:"+strconv.Itoa(turnConf.UDPPort))
	if err != nil {
		return nil, errors.Wrap(err, "could not listen on TURN UDP port")
	}
	serverConfig.PacketConnConfigs = append(serverConfig.PacketConnConfigs, turn.PacketConnConfig{
		PacketConn:            udpListener,
		RelayAddressGenerator: relayAddrGen,
	})

	logger.Infow("Starting TURN server",
		"turn.portUDP", turnConf.UDPPort,
		"turn.relay_range_start", turnConf.RelayPortRangeStart,
		"turn.relay_range_end", turnConf.RelayPortRangeEnd,
	)
	return turn.NewServer(serverConfig)
}

func getTURNAuthHandlerFunc(handler *TURNAuthHandler) turn.AuthHandler {
	return handler.HandleAuth
}

// TURNAuthHandler issues short lived credentials for the embedded relay. The username
// encodes the expiry and the participant; the password is derived from the shared secret,
// so nothing needs to be stored.
type TURNAuthHandler struct {
	conf config.TURNConfig
	host string
	now  func() time.Time

	// username => key
	keys *lru.Cache[string, []byte]
}

func NewTURNAuthHandler(conf *config.Config) *TURNAuthHandler {
	host := conf.TURN.Domain
	if host == "" {
		host = conf.RTC.NodeIP
	}
	keys, _ := lru.New[string, []byte](authKeyCacheSize)
	return &TURNAuthHandler{
		conf: conf.TURN,
		host: host,
		now:  time.Now,
		keys: keys,
	}
}

func (h *TURNAuthHandler) Enabled() bool {
	return h != nil && h.conf.Enabled
}

func (h *TURNAuthHandler) CreateUsername(pID signalling.ParticipantID) string {
	expiry := h.now().Add(h.conf.CredentialTTL).Unix()
	return base62.EncodeToString([]byte(fmt.Sprintf("%d|%s", expiry, pID)))
}

func (h *TURNAuthHandler) ParseUsername(username string) (expiry time.Time, pID signalling.ParticipantID, err error) {
	decoded, err := base62.DecodeString(username)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", ErrInvalidTURNUsername
	}
	unix, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", ErrInvalidTURNUsername
	}
	return time.Unix(unix, 0), signalling.ParticipantID(parts[1]), nil
}

func (h *TURNAuthHandler) CreatePassword(username string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", h.conf.Secret, username)))
	return base62.EncodeToString(sum[:])
}

// ICEServer returns the relay entry handed to a participant in its welcome, or false when
// the relay is disabled.
func (h *TURNAuthHandler) ICEServer(pID signalling.ParticipantID) (signalling.ICEServer, bool) {
	if !h.Enabled() || h.host == "" {
		return signalling.ICEServer{}, false
	}
	username := h.CreateUsername(pID)
	return signalling.ICEServer{
		URLs:       []string{fmt.Sprintf("turn:%s:%d?transport=udp", h.host, h.conf.UDPPort)},
		Username:   username,
		Credential: h.CreatePassword(username),
	}, true
}

func (h *TURNAuthHandler) HandleAuth(username, realm string, srcAddr net.Addr) (key []byte, ok bool) {
	expiry, pID, err := h.ParseUsername(username)
	if err != nil {
		logger.Debugw("rejecting TURN username", "username", username, "remote", srcAddr, "error", err)
		return nil, false
	}
	if h.now().After(expiry) {
		logger.Debugw("TURN credential expired", "participant", pID, "remote", srcAddr)
		return nil, false
	}
	if key, ok := h.keys.Get(username); ok {
		return key, true
	}
	key = turn.GenerateAuthKey(username, h.conf.Realm, h.CreatePassword(username))
	h.keys.Add(username, key)
	return key, true
}
