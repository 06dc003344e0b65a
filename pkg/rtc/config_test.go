package rtc

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/signalling"
)

func TestWebRTCConfig_ICEServers(t *testing.T) {
	tests := []struct {
		name     string
		conf     config.RTCConfig
		expected []webrtc.ICEServer
	}{
		{
			name:     "none configured",
			conf:     config.RTCConfig{},
			expected: []webrtc.ICEServer{},
		},
		{
			name: "stun servers are grouped",
			conf: config.RTCConfig{
				STUNServers: []string{"stun:a.example.com:3478", "stun:b.example.com:3478"},
			},
			expected: []webrtc.ICEServer{
				{URLs: []string{"stun:a.example.com:3478", "stun:b.example.com:3478"}},
			},
		},
		{
			name: "turn credentials are passed through",
			conf: config.RTCConfig{
				STUNServers: []string{"stun:a.example.com:3478"},
				ICEServers: []config.ICEServerConfig{
					{URLs: []string{"turn:t.example.com:3478"}, Username: "user", Credential: "pass"},
				},
			},
			expected: []webrtc.ICEServer{
				{URLs: []string{"stun:a.example.com:3478"}},
				{
					URLs:           []string{"turn:t.example.com:3478"},
					Username:       "user",
					Credential:     "pass",
					CredentialType: webrtc.ICECredentialTypePassword,
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := tt.conf
			webRTCConfig, err := NewWebRTCConfig(&conf, nil)
			require.NoError(t, err)
			require.Equal(t, tt.expected, webRTCConfig.Configuration.ICEServers)
			require.Equal(t, webrtc.SDPSemanticsUnifiedPlan, webRTCConfig.Configuration.SDPSemantics)
		})
	}
}

func TestWebRTCConfig_PortRange(t *testing.T) {
	_, err := NewWebRTCConfig(&config.RTCConfig{ICEPortRangeStart: 50000, ICEPortRangeEnd: 50100}, nil)
	require.NoError(t, err)

	_, err = NewWebRTCConfig(&config.RTCConfig{ICEPortRangeStart: 50100, ICEPortRangeEnd: 50000}, nil)
	require.Error(t, err)
}

func TestToWebRTCICEServers(t *testing.T) {
	servers := ToWebRTCICEServers([]signalling.ICEServer{
		{URLs: []string{"stun:a.example.com:3478"}},
		{URLs: []string{"turn:t.example.com:3478?transport=udp"}, Username: "u", Credential: "c"},
	})
	require.Len(t, servers, 2)
	require.Empty(t, servers[0].Username)
	require.Nil(t, servers[0].Credential)
	require.Equal(t, "u", servers[1].Username)
	require.Equal(t, "c", servers[1].Credential)
}
