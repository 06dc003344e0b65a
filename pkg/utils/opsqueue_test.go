package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

func TestOpsQueue(t *testing.T) {
	t.Run("runs in order", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test", 10)
		oq.Start()

		var got []int
		for i := 0; i < 5; i++ {
			i := i
			require.True(t, oq.Enqueue(func() { got = append(got, i) }))
		}
		oq.Stop()

		select {
		case <-oq.Drained():
		case <-time.After(time.Second):
			t.Fatal("queue did not drain")
		}
		require.Equal(t, []int{0, 1, 2, 3, 4}, got)
	})

	t.Run("rejects after stop", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test", 10)
		oq.Start()
		oq.Stop()
		oq.Stop()
		require.False(t, oq.Enqueue(func() {}))
	})

	t.Run("stop from inside an op", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test", 10)
		oq.Start()
		require.True(t, oq.Enqueue(oq.Stop))

		select {
		case <-oq.Drained():
		case <-time.After(time.Second):
			t.Fatal("queue did not drain")
		}
	})

	t.Run("full", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test", 1)
		// not started, nothing is consumed
		require.True(t, oq.Enqueue(func() {}))
		require.False(t, oq.Enqueue(func() {}))
	})
}
