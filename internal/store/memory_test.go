package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/controlplane/fleet/internal/clockid"
)

func TestMemoryStoreStringTTL(t *testing.T) {
	clock := clockid.NewVirtualClock(time.Unix(0, 0))
	s := NewMemoryStoreWithClock(clock)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Second))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(2 * time.Second)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreSets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetAdd(ctx, "tag:go", "a", "b"))
	members, err := s.SetMembers(ctx, "tag:go")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, s.SetRemove(ctx, "tag:go", "a"))
	members, err = s.SetMembers(ctx, "tag:go")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestMemoryStoreZSetSlidingWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ZSetAdd(ctx, "rl", 1, "req-1"))
	require.NoError(t, s.ZSetAdd(ctx, "rl", 2, "req-2"))
	require.NoError(t, s.ZSetAdd(ctx, "rl", 10, "req-3"))

	require.NoError(t, s.ZSetRemoveByScore(ctx, "rl", -1<<62, 5))
	card, err := s.ZSetCard(ctx, "rl")
	require.NoError(t, err)
	assert.EqualValues(t, 1, card)
}

func TestMemoryStorePubSub(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "agent_events")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Publish(ctx, "agent_events", `{"type":"registration"}`))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "agent_events", msg.Channel)
		assert.Contains(t, msg.Payload, "registration")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemoryStoreHash(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "agent:1", map[string]string{"name": "a", "status": "healthy"}))
	all, err := s.HashGetAll(ctx, "agent:1")
	require.NoError(t, err)
	assert.Equal(t, "a", all["name"])
	assert.Equal(t, "healthy", all["status"])
}

func TestMemoryStoreKeysPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "svc:1", "x", 0))
	require.NoError(t, s.Set(ctx, "svc:2", "x", 0))
	require.NoError(t, s.Set(ctx, "other:1", "x", 0))

	keys, err := s.Keys(ctx, "svc:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"svc:1", "svc:2"}, keys)
}
