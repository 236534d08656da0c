package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishStampsEnvelope(t *testing.T) {
	b := New("run-1")
	s := b.Subscribe(4, DropNewest)
	b.Publish(NodeStateChanged("app:build", "pending", "running", "", nil))
	e := recv(t, s)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "run-1", e.RunID)
	assert.False(t, e.At.IsZero())
	assert.Equal(t, TypeNodeStateChanged, e.Type)
	require.NotNil(t, e.State)
	assert.Equal(t, "running", e.State.To)
}

func TestNewGeneratesRunID(t *testing.T) {
	assert.NotEmpty(t, New("").RunID())
}

func TestDropNewestCountsDrops(t *testing.T) {
	b := New("r")
	s := b.Subscribe(2, DropNewest)
	for i := 0; i < 5; i++ {
		b.Publish(OutputLine("a:b", Stdout, "line"))
	}
	assert.Equal(t, uint64(3), b.Dropped())
	assert.Len(t, s.C, 2)
}

func TestDropOldestKeepsLatest(t *testing.T) {
	b := New("r")
	s := b.Subscribe(2, DropOldest)
	for _, l := range []string{"1", "2", "3", "4"} {
		b.Publish(OutputLine("a:b", Stdout, l))
	}
	assert.Equal(t, uint64(2), b.Dropped())
	assert.Equal(t, "3", recv(t, s).Output.Line)
	assert.Equal(t, "4", recv(t, s).Output.Line)
}

func TestBufferNeverDrops(t *testing.T) {
	b := New("r")
	s := b.Subscribe(1, Buffer)
	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(PortAllocated("svc:api", "http", 8080, 8080+i))
	}
	for i := 0; i < n; i++ {
		e := recv(t, s)
		assert.Equal(t, 8080+i, e.Port.Resolved)
	}
	assert.Zero(t, b.Dropped())
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New("r")
	_ = b.Subscribe(1, DropNewest)
	fast := b.Subscribe(128, DropNewest)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(OutputLine("a:b", Stderr, "x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked")
	}
	assert.Len(t, fast.C, 100)
}

func TestCloseClosesSubscriptions(t *testing.T) {
	b := New("r")
	s1 := b.Subscribe(1, DropNewest)
	s2 := b.Subscribe(1, Buffer)
	b.Close()
	_, ok := <-s1.C
	assert.False(t, ok)
	select {
	case _, ok = <-s2.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("buffer subscription not closed")
	}
	b.Publish(OutputLine("a:b", Stdout, "late"))
	b.Close()
}

func TestSubscribeAfterClose(t *testing.T) {
	b := New("r")
	b.Close()
	for _, p := range []Policy{DropNewest, DropOldest, Buffer} {
		s := b.Subscribe(1, p)
		_, ok := <-s.C
		assert.False(t, ok)
		assert.NotPanics(t, s.Close)
		assert.NotPanics(t, s.Close)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New("r")
	s := b.Subscribe(1, DropNewest)
	s.Close()
	s.Close()
	b.Publish(OutputLine("a:b", Stdout, "ignored"))
	_, ok := <-s.C
	assert.False(t, ok)
	assert.Zero(t, b.Dropped())
}

func TestStateChangeCarriesError(t *testing.T) {
	e := NodeStateChanged("a:b", "running", "failed", "exit", errors.New("exit status 1"))
	assert.Equal(t, "exit status 1", e.State.Error)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("drop_oldest")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropNewest, p)
	_, err = ParsePolicy("block")
	assert.Error(t, err)
}
