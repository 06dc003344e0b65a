package service

import (
	"net"
	"testing"
	"time"

	"github.com/pion/turn/v2"
	"github.com/stretchr/testify/require"

	"github.com/livekit/meshroom/pkg/config"
)

func newTestTURNAuthHandler(t *testing.T) *TURNAuthHandler {
	conf, err := config.NewConfig("", true, nil, nil)
	require.NoError(t, err)
	conf.TURN.Enabled = true
	conf.TURN.Secret = "secret"
	conf.TURN.Domain = "turn.example.com"
	return NewTURNAuthHandler(conf)
}

func TestTURNAuthHandler(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}

	t.Run("issued credentials authenticate", func(t *testing.T) {
		h := newTestTURNAuthHandler(t)
		server, ok := h.ICEServer("PA_alice")
		require.True(t, ok)
		require.Equal(t, []string{"turn:turn.example.com:3478?transport=udp"}, server.URLs)

		expiry, pID, err := h.ParseUsername(server.Username)
		require.NoError(t, err)
		require.EqualValues(t, "PA_alice", pID)
		require.True(t, expiry.After(time.Now()))

		key, ok := h.HandleAuth(server.Username, h.conf.Realm, addr)
		require.True(t, ok)
		require.Equal(t, turn.GenerateAuthKey(server.Username, h.conf.Realm, server.Credential), key)
	})

	t.Run("expired credentials are rejected", func(t *testing.T) {
		h := newTestTURNAuthHandler(t)
		server, ok := h.ICEServer("PA_alice")
		require.True(t, ok)

		h.now = func() time.Time { return time.Now().Add(h.conf.CredentialTTL + time.Minute) }
		_, ok = h.HandleAuth(server.Username, h.conf.Realm, addr)
		require.False(t, ok)
	})

	t.Run("garbage username is rejected", func(t *testing.T) {
		h := newTestTURNAuthHandler(t)
		_, ok := h.HandleAuth("not-base62!", h.conf.Realm, addr)
		require.False(t, ok)
	})

	t.Run("password depends on the secret", func(t *testing.T) {
		h := newTestTURNAuthHandler(t)
		username := h.CreateUsername("PA_alice")
		other := newTestTURNAuthHandler(t)
		other.conf.Secret = "another"
		require.NotEqual(t, h.CreatePassword(username), other.CreatePassword(username))
	})

	t.Run("disabled", func(t *testing.T) {
		conf, err := config.NewConfig("", true, nil, nil)
		require.NoError(t, err)
		h := NewTURNAuthHandler(conf)
		_, ok := h.ICEServer("PA_alice")
		require.False(t, ok)
	})
}
