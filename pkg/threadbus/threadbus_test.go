package threadbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendReceive(t *testing.T) {
	b := New(3)
	b.Send(1, Message{From: 0, Kind: KindTxnPrepare, Txn: 42})

	msg, ok := b.Receive(1)
	require.True(t, ok)
	require.Equal(t, uint64(42), msg.Txn)
}

func TestBroadcastSkipsSender(t *testing.T) {
	b := New(3)
	b.Broadcast(0, Message{From: 0, Kind: KindSyncModel, Table: "users"})

	for i := 1; i < 3; i++ {
		msg, ok := b.Receive(i)
		require.True(t, ok)
		require.Equal(t, "users", msg.Table)
	}
}

func TestShutdownUnblocksReceive(t *testing.T) {
	b := New(1)
	done := make(chan bool, 1)
	go func() {
		_, ok := b.Receive(0)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	b.Shutdown()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Shutdown")
	}
}
