package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := New[string](4)
	a := b.Subscribe()
	c := b.Subscribe()
	require.Equal(t, 2, b.Len())
	assert.NotEqual(t, a.ID, c.ID)

	require.NoError(t, b.Publish(context.Background(), "hello"))
	assert.Equal(t, "hello", <-a.C)
	assert.Equal(t, "hello", <-c.C)
}

func TestPublishWaitsForSlowSubscriber(t *testing.T) {
	b := New[int](1)
	sub := b.Subscribe()
	require.NoError(t, b.Publish(context.Background(), 1))

	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), 2) }()

	select {
	case <-done:
		t.Fatal("publish should block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, 1, <-sub.C)
	require.NoError(t, <-done)
	assert.Equal(t, 2, <-sub.C)
}

func TestPublishHonoursContext(t *testing.T) {
	b := New[int](1)
	b.Subscribe()
	require.NoError(t, b.Publish(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, 2), context.DeadlineExceeded)
}

func TestUnsubscribeReleasesBlockedPublisher(t *testing.T) {
	b := New[int](1)
	sub := b.Subscribe()
	require.NoError(t, b.Publish(context.Background(), 1))

	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), 2) }()
	time.Sleep(20 * time.Millisecond)

	b.Unsubscribe(sub.ID)
	b.Unsubscribe(sub.ID)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not return after unsubscribe")
	}
	<-sub.Done()
	assert.Equal(t, 0, b.Len())
}

func TestClose(t *testing.T) {
	b := New[int](2)
	sub := b.Subscribe()
	b.Close()

	<-sub.Done()
	late := b.Subscribe()
	<-late.Done()
	assert.Equal(t, 0, b.Len())
	require.NoError(t, b.Publish(context.Background(), 1))
}
