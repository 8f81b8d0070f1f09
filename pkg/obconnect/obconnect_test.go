package obconnect

import (
	"context"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestWaitConnectedReturnsImmediatelyWhenOnline(t *testing.T) {
	gate := NewGate(true)

	assert.Ok(t, gate.WaitConnected(context.Background()))
}

func TestWaitConnectedBlocksUntilReconnect(t *testing.T) {
	gate := NewGate(false)

	released := make(chan error, 1)
	go func() {
		released <- gate.WaitConnected(context.Background())
	}()

	select {
	case <-released:
		t.Fatal("released while offline")
	case <-time.After(10 * time.Millisecond):
	}

	gate.SetOnline(true)

	assert.Ok(t, <-released)
	assert.Assert(t, gate.Online())
}

func TestWaitConnectedHonorsContext(t *testing.T) {
	gate := NewGate(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Assert(t, gate.WaitConnected(ctx) == context.Canceled)
}

func TestRepeatedOfflineOnlineCycles(t *testing.T) {
	gate := NewGate(false)

	for i := 0; i < 3; i++ {
		gate.SetOnline(true)
		assert.Ok(t, gate.WaitConnected(context.Background()))
		gate.SetOnline(false)
	}
}
