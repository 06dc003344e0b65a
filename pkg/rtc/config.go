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
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/meshroom/pkg/config"
	serverlogger "github.com/livekit/meshroom/pkg/logger"
	"github.com/livekit/meshroom/pkg/signalling"
)

type WebRTCConfig struct {
	Configuration webrtc.Configuration
	SettingEngine webrtc.SettingEngine
}

func NewWebRTCConfig(conf *config.RTCConfig, lf logging.LoggerFactory) (*WebRTCConfig, error) {
	c := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	s := webrtc.SettingEngine{}

	if conf.ICEPortRangeStart != 0 && conf.ICEPortRangeEnd != 0 {
		if err := s.SetEphemeralUDPPortRange(conf.ICEPortRangeStart, conf.ICEPortRangeEnd); err != nil {
			return nil, err
		}
	}
	if conf.IncludeLoopbackCandidate {
		s.SetIncludeLoopbackCandidate(true)
	}
	if conf.ICEDisconnectedTimeout > 0 && conf.ICEFailedTimeout > 0 && conf.ICEKeepaliveInterval > 0 {
		s.SetICETimeouts(conf.ICEDisconnectedTimeout, conf.ICEFailedTimeout, conf.ICEKeepaliveInterval)
	}

	if lf == nil {
		lf = serverlogger.DefaultLoggerFactory()
	}
	s.LoggerFactory = lf

	c.ICEServers = ToWebRTCICEServers(FromConfigICEServers(conf))

	return &WebRTCConfig{
		Configuration: c,
		SettingEngine: s,
	}, nil
}

// FromConfigICEServers lists the configured STUN servers followed by the explicit ICE servers.
func FromConfigICEServers(conf *config.RTCConfig) []signalling.ICEServer {
	var servers []signalling.ICEServer
	if len(conf.STUNServers) > 0 {
		servers = append(servers, signalling.ICEServer{URLs: append([]string{}, conf.STUNServers...)})
	}
	for _, s := range conf.ICEServers {
		servers = append(servers, signalling.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func ToWebRTCICEServers(servers []signalling.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}
