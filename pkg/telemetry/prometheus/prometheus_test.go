package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	// recording before Init only updates the in-process mirrors
	RoomStarted()
	RecordRelay("offer", RelayStatusForwarded)
	require.Equal(t, int32(1), CurrentRooms())
	RoomEnded(time.Time{})

	Init("test-node")
	Init("test-node")

	t.Run("rooms and participants", func(t *testing.T) {
		RoomStarted()
		AddParticipant()
		AddJoined()
		require.Equal(t, int32(1), CurrentRooms())
		require.Equal(t, int32(1), CurrentParticipants())
		require.Equal(t, 1.0, testutil.ToFloat64(promRoomCurrent))
		require.Equal(t, 1.0, testutil.ToFloat64(promJoinedCurrent))

		SubJoined()
		SubParticipant()
		RoomEnded(time.Now().Add(-time.Minute))
		require.Equal(t, int32(0), CurrentRooms())
		require.Equal(t, 0.0, testutil.ToFloat64(promRoomCurrent))
		require.Equal(t, 1, testutil.CollectAndCount(promRoomDuration))
	})

	t.Run("relay outcomes", func(t *testing.T) {
		RecordRelay("offer", RelayStatusForwarded)
		RecordRelay("offer", RelayStatusForwarded)
		RecordRelay("answer", RelayStatusNoTarget)
		require.Equal(t, 2.0, testutil.ToFloat64(promRelayCounter.WithLabelValues("offer", RelayStatusForwarded)))
		require.Equal(t, 1.0, testutil.ToFloat64(promRelayCounter.WithLabelValues("answer", RelayStatusNoTarget)))
	})

	t.Run("node stats", func(t *testing.T) {
		require.NoError(t, UpdateNodeStats())
		require.NoError(t, UpdateNodeStats())
		require.Greater(t, testutil.ToFloat64(promNumCPUsGauge), 0.0)
		memoryLoad := testutil.ToFloat64(promMemoryLoadGauge)
		require.True(t, memoryLoad > 0 && memoryLoad <= 1, "memory load %f", memoryLoad)
	})

	t.Run("signal messages", func(t *testing.T) {
		RecordMessage("join", "ok")
		require.Equal(t, 1.0, testutil.ToFloat64(MessageCounter.WithLabelValues("join", "ok")))
	})
}
