package mutexmap

import (
	"context"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestTryLock(t *testing.T) {
	mm := New()

	releaseFoo, fooOk := mm.TryLock("foo")
	assert.Assert(t, fooOk)

	_, fooConcurrentOk := mm.TryLock("foo")
	assert.Assert(t, !fooConcurrentOk)

	// other keys are unaffected
	releaseBar, barOk := mm.TryLock("bar")
	assert.Assert(t, barOk)
	releaseBar()

	releaseFoo()

	releaseFoo, fooOk = mm.TryLock("foo")
	assert.Assert(t, fooOk)
	defer releaseFoo()
}

func TestLockWaitsForRelease(t *testing.T) {
	mm := New()

	release, ok := mm.TryLock("foo")
	assert.Assert(t, ok)

	acquired := make(chan func(), 1)
	go func() {
		unlock, err := mm.Lock(context.Background(), "foo")
		assert.Ok(t, err)
		acquired <- unlock
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while held")
	case <-time.After(10 * time.Millisecond):
	}

	release()

	unlock := <-acquired
	unlock()
}

func TestLockHonorsContext(t *testing.T) {
	mm := New()

	release, ok := mm.TryLock("foo")
	assert.Assert(t, ok)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mm.Lock(ctx, "foo")
	assert.Assert(t, err == context.Canceled)
}
