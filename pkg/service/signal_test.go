package service_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/service"
	"github.com/livekit/meshroom/pkg/signalling"
)

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   signalling.ParticipantID
}

func newTestServer(t *testing.T, mutate ...func(conf *config.Config)) (*service.MeshroomServer, *httptest.Server) {
	conf, err := config.NewConfig("", true, nil, nil)
	require.NoError(t, err)
	for _, m := range mutate {
		m(conf)
	}

	s, err := service.InitializeServer(conf)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *testClient {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{t: t, conn: conn}
	welcome := c.expect(signalling.KindWelcome)
	var w signalling.Welcome
	require.NoError(t, welcome.DecodePayload(&w))
	require.NotEmpty(t, w.ParticipantID)
	c.id = w.ParticipantID
	return c
}

func (c *testClient) send(msg *signalling.Message) {
	data, err := signalling.Marshal(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *testClient) read() *signalling.Message {
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	msg, err := signalling.Unmarshal(data)
	require.NoError(c.t, err)
	return msg
}

func (c *testClient) expect(kind signalling.MessageKind) *signalling.Message {
	msg := c.read()
	require.Equal(c.t, kind, msg.Kind, "payload: %s", string(msg.Payload))
	return msg
}

func (c *testClient) expectError(code signalling.ErrorCode) {
	msg := c.expect(signalling.KindError)
	var e signalling.Error
	require.NoError(c.t, msg.DecodePayload(&e))
	require.Equal(c.t, code, e.Code)
}

func (c *testClient) join(room signalling.RoomName) []signalling.ParticipantID {
	c.send(&signalling.Message{Kind: signalling.KindJoinRoom, Room: room})
	msg := c.expect(signalling.KindExistingUsers)
	var existing signalling.ExistingUsers
	require.NoError(c.t, msg.DecodePayload(&existing))
	return existing.Participants
}

func TestSignalService(t *testing.T) {
	t.Run("welcome carries a unique id", func(t *testing.T) {
		_, ts := newTestServer(t)
		a := dial(t, ts)
		b := dial(t, ts)
		require.NotEqual(t, a.id, b.id)
		require.True(t, strings.HasPrefix(string(a.id), "PA_"))
	})

	t.Run("join and membership events", func(t *testing.T) {
		_, ts := newTestServer(t)
		a := dial(t, ts)
		b := dial(t, ts)

		require.Empty(t, a.join("lobby"))
		require.Equal(t, []signalling.ParticipantID{a.id}, b.join("lobby"))

		msg := a.expect(signalling.KindUserConnected)
		var ev signalling.ParticipantEvent
		require.NoError(t, msg.DecodePayload(&ev))
		require.Equal(t, b.id, ev.Participant)
		require.Equal(t, signalling.RoomName("lobby"), msg.Room)
	})

	t.Run("relays to the target with the sender stamped", func(t *testing.T) {
		_, ts := newTestServer(t)
		a := dial(t, ts)
		b := dial(t, ts)
		a.join("lobby")
		b.join("lobby")
		a.expect(signalling.KindUserConnected)

		payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
		a.send(&signalling.Message{
			Kind:    signalling.KindOffer,
			Sender:  "someone-else",
			Target:  b.id,
			Payload: payload,
		})

		msg := b.expect(signalling.KindOffer)
		require.Equal(t, a.id, msg.Sender)
		require.JSONEq(t, string(payload), string(msg.Payload))
	})

	t.Run("no relay across rooms", func(t *testing.T) {
		_, ts := newTestServer(t)
		a := dial(t, ts)
		b := dial(t, ts)
		a.join("one")
		b.join("two")

		a.send(&signalling.Message{Kind: signalling.KindOffer, Target: b.id, Payload: json.RawMessage(`{}`)})
		// the next thing b sees is its own error, not the offer
		b.send(&signalling.Message{Kind: signalling.KindJoinRoom, Room: "two"})
		b.expectError(signalling.ErrorCodeAlreadyJoined)
	})

	t.Run("disconnect notifies remaining members", func(t *testing.T) {
		_, ts := newTestServer(t)
		a := dial(t, ts)
		b := dial(t, ts)
		a.join("lobby")
		b.join("lobby")
		a.expect(signalling.KindUserConnected)

		require.NoError(t, b.conn.Close())

		msg := a.expect(signalling.KindUserDisconnected)
		var ev signalling.ParticipantEvent
		require.NoError(t, msg.DecodePayload(&ev))
		require.Equal(t, b.id, ev.Participant)
	})

	t.Run("errors", func(t *testing.T) {
		_, ts := newTestServer(t, func(conf *config.Config) {
			conf.Room.MaxParticipants = 1
		})
		a := dial(t, ts)
		b := dial(t, ts)

		a.send(&signalling.Message{Kind: signalling.KindOffer, Target: b.id, Payload: json.RawMessage(`{}`)})
		a.expectError(signalling.ErrorCodeNotJoined)

		a.send(&signalling.Message{Kind: signalling.KindJoinRoom})
		a.expectError(signalling.ErrorCodeInvalidRoom)

		require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		a.expectError(signalling.ErrorCodeMalformedMessage)

		a.send(&signalling.Message{Kind: signalling.KindWelcome})
		a.expectError(signalling.ErrorCodeMalformedMessage)

		a.join("lobby")
		a.send(&signalling.Message{Kind: signalling.KindJoinRoom, Room: "lobby"})
		a.expectError(signalling.ErrorCodeAlreadyJoined)

		b.send(&signalling.Message{Kind: signalling.KindJoinRoom, Room: "lobby"})
		b.expectError(signalling.ErrorCodeRoomFull)
	})
}

func TestServerEndpoints(t *testing.T) {
	s, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	a := dial(t, ts)
	a.join("lobby")

	res, err = http.Get(ts.URL + "/debug/rooms")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var rooms service.RoomsResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rooms))
	require.Equal(t, 1, rooms.NumRooms)
	require.Equal(t, 1, rooms.NumParticipants)
	require.Len(t, rooms.Rooms, 1)
	require.Equal(t, signalling.RoomName("lobby"), rooms.Rooms[0].Name)
	require.Equal(t, []signalling.ParticipantID{a.id}, rooms.Rooms[0].Members)
	require.Equal(t, 1, s.Router().Registry().NumRooms())
}
