package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutBlocksUntilSubscriber(t *testing.T) {
	f := newFanout(log)
	ctx := testContext(t)

	written := make(chan error, 1)
	go func() { written <- f.Write(ctx, "early") }()

	select {
	case <-written:
		t.Fatal("write returned with no subscribers")
	case <-time.After(20 * time.Millisecond):
	}

	ch := f.Add(1)
	require.NoError(t, <-written)
	assert.Equal(t, "early", <-ch)
}

func TestFanoutWriteHonorsContext(t *testing.T) {
	f := newFanout(log)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Write(ctx, "nobody"), context.DeadlineExceeded)
}

func TestFanoutDropsForSlowSubscriber(t *testing.T) {
	f := newFanout(log)
	ctx := testContext(t)

	slow := f.Add(1)
	fast := f.Add(3)
	for _, line := range []string{"a", "b", "c"} {
		require.NoError(t, f.Write(ctx, line))
	}

	assert.Equal(t, "a", <-slow)
	assert.Len(t, slow, 0)
	assert.Equal(t, []string{"a", "b", "c"}, []string{<-fast, <-fast, <-fast})
}

func TestFanoutRemove(t *testing.T) {
	f := newFanout(log)
	a := f.Add(1)
	b := f.Add(1)
	require.Equal(t, 2, f.Len())

	f.Remove(a)
	assert.Equal(t, 1, f.Len())
	_, ok := <-a
	assert.False(t, ok)

	require.NoError(t, f.Write(testContext(t), "x"))
	assert.Equal(t, "x", <-b)
}

func TestFanoutClose(t *testing.T) {
	f := newFanout(log)
	ctx := testContext(t)

	blocked := make(chan error, 1)
	go func() { blocked <- f.Write(ctx, "x") }()
	time.Sleep(10 * time.Millisecond)

	f.Close()
	assert.ErrorIs(t, <-blocked, errFanoutClosed)
	assert.ErrorIs(t, f.Write(ctx, "y"), errFanoutClosed)

	ch := f.Add(1)
	_, ok := <-ch
	assert.False(t, ok, "subscribing to a closed fanout returns a closed channel")
	f.Close()
}

func TestFanoutPump(t *testing.T) {
	f := newFanout(log)
	ch := f.Add(4)
	lines := make(chan string, 4)
	lines <- "one"
	lines <- "two"
	close(lines)

	done := make(chan struct{})
	go func() {
		f.Pump(testContext(t), lines)
		close(done)
	}()
	<-done
	assert.Equal(t, "one", <-ch)
	assert.Equal(t, "two", <-ch)
}
