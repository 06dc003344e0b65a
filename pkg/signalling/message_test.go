package signalling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageKind_IsRelayed(t *testing.T) {
	relayed := []MessageKind{KindOffer, KindAnswer, KindICECandidate, KindTrackUpdate}
	for _, k := range relayed {
		require.True(t, k.IsRelayed(), k)
	}

	notRelayed := []MessageKind{KindJoinRoom, KindWelcome, KindExistingUsers, KindUserConnected, KindUserDisconnected, KindError}
	for _, k := range notRelayed {
		require.False(t, k.IsRelayed(), k)
	}
}

func TestNewMessage(t *testing.T) {
	t.Run("raw payload is kept verbatim", func(t *testing.T) {
		raw := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
		msg, err := NewMessage(KindOffer, raw)
		require.NoError(t, err)
		require.Equal(t, raw, msg.Payload)
	})

	t.Run("struct payload is encoded", func(t *testing.T) {
		msg, err := NewMessage(KindExistingUsers, ExistingUsers{Participants: []ParticipantID{"a", "b"}})
		require.NoError(t, err)

		var users ExistingUsers
		require.NoError(t, msg.DecodePayload(&users))
		require.Equal(t, []ParticipantID{"a", "b"}, users.Participants)
	})

	t.Run("nil payload", func(t *testing.T) {
		msg, err := NewMessage(KindJoinRoom, nil)
		require.NoError(t, err)
		require.Empty(t, msg.Payload)
		require.ErrorIs(t, msg.DecodePayload(&ExistingUsers{}), ErrEmptyPayload)
	})
}

func TestUnmarshal(t *testing.T) {
	msg, err := Unmarshal([]byte(`{"kind":"ice-candidate","target":"PA_b","payload":{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}}`))
	require.NoError(t, err)
	require.Equal(t, KindICECandidate, msg.Kind)
	require.Equal(t, ParticipantID("PA_b"), msg.Target)
	require.JSONEq(t, `{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}`, string(msg.Payload))

	_, err = Unmarshal([]byte(`{"target":"PA_b"}`))
	require.ErrorIs(t, err, ErrMissingKind)

	_, err = Unmarshal([]byte(`not json`))
	require.Error(t, err)

	_, err = Marshal(&Message{})
	require.ErrorIs(t, err, ErrMissingKind)
}
