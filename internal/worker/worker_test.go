package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostBeforeEnsureIsRejected(t *testing.T) {
	c := New("test", 4)
	assert.False(t, c.Running())
	assert.False(t, c.Post(func() {}))
}

func TestEnsureIsIdempotent(t *testing.T) {
	c := New("test", 4)
	c.Ensure()
	c.Ensure()
	require.True(t, c.Running())

	done := make(chan struct{})
	require.True(t, c.Post(func() { close(done) }))
	<-done

	require.NoError(t, c.Teardown(context.Background()))
	assert.False(t, c.Running())
}

func TestTeardownDrainsQueuedTasks(t *testing.T) {
	c := New("test", 8)
	c.Ensure()

	release := make(chan struct{})
	var ran atomic.Int32
	require.True(t, c.Post(func() { <-release; ran.Add(1) }))
	for i := 0; i < 3; i++ {
		require.True(t, c.Post(func() { ran.Add(1) }))
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, c.Teardown(context.Background()))
	assert.Equal(t, int32(4), ran.Load())
	assert.False(t, c.Post(func() {}))
}

func TestTeardownForcesStopAfterDeadline(t *testing.T) {
	c := New("test", 8)
	c.Ensure()

	block := make(chan struct{})
	defer close(block)
	var ran atomic.Int32
	require.True(t, c.Post(func() { <-block }))
	require.True(t, c.Post(func() { ran.Add(1) }))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Teardown(ctx)
	assert.ErrorIs(t, err, ErrForcedStop)
	assert.Equal(t, int32(0), ran.Load())
	assert.False(t, c.Running())
}

func TestQuitFromWorkerTask(t *testing.T) {
	c := New("test", 4)
	c.Ensure()

	done := make(chan struct{})
	require.True(t, c.Post(func() {
		c.Quit()
		close(done)
	}))
	<-done
	assert.False(t, c.Running())

	// A fresh loop can be started after quitting.
	c.Ensure()
	ok := make(chan struct{})
	require.True(t, c.Post(func() { close(ok) }))
	<-ok
	require.NoError(t, c.Teardown(context.Background()))
}

func TestPanickingTaskDoesNotKillLoop(t *testing.T) {
	c := New("test", 4)
	c.Ensure()
	defer c.Teardown(context.Background())

	require.True(t, c.Post(func() { panic("boom") }))
	done := make(chan struct{})
	require.True(t, c.Post(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after panic")
	}
}

func TestQueueFullRejects(t *testing.T) {
	c := New("test", 1)
	c.Ensure()
	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, c.Post(func() { close(started); <-block }))
	<-started
	require.True(t, c.Post(func() {}))
	assert.False(t, c.Post(func() {}))
	close(block)
	require.NoError(t, c.Teardown(context.Background()))
}
