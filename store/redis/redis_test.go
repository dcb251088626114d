package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store"
	"github.com/smallnest/stateflow/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return NewRedisStore(RedisOptions{Addr: mr.Addr()}), mr
}

func TestRedisStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s, mr := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.CreateStates(ctx, storetest.NewRun("r1"), []*state.State{
		storetest.NewState("s1", "r1", "a", storetest.Base),
	}))

	assert.True(t, mr.Exists("stateflow:state:s1"))
	assert.Equal(t, "CREATED", mr.HGet("stateflow:state:s1", "status"))
	members, err := mr.ZMembers("stateflow:ready:ns:a")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)

	lease := storetest.Base.Add(time.Minute)
	_, err = s.Claim(ctx, store.ClaimQuery{Namespace: "ns", NodeNames: []string{"a"}, Limit: 1, Now: storetest.Base, LeaseUntil: lease})
	require.NoError(t, err)

	assert.False(t, mr.Exists("stateflow:ready:ns:a"))
	score, err := mr.ZScore("stateflow:leases", "s1")
	require.NoError(t, err)
	assert.Equal(t, float64(lease.UnixMicro()), score)
	queued, err := mr.Members("stateflow:status:ns:QUEUED")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, queued)

	_, err = s.Transition(ctx, store.Transition{StateID: "s1", From: state.Queued, Via: state.TimedOut, To: state.Cancelled, Now: storetest.Base})
	require.NoError(t, err)
	assert.False(t, mr.Exists("stateflow:leases"))
	assert.False(t, mr.Exists("stateflow:status:ns:QUEUED"))
	assert.False(t, mr.Exists("stateflow:status:ns:TIMEDOUT"))
	cancelled, err := mr.Members("stateflow:status:ns:CANCELLED")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, cancelled)
}

func TestRedisStore_CustomPrefix(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s := NewRedisStore(RedisOptions{Addr: mr.Addr(), Prefix: "wf:"})
	defer s.Close()

	require.NoError(t, s.PutTemplate(context.Background(), storetest.NewRun("r1").Template))
	assert.True(t, mr.Exists("wf:template:ns"))
}

func TestRedisSecretStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s := NewRedisSecretStore(RedisOptions{Addr: mr.Addr()})
	defer s.Close()
	ctx := context.Background()

	got, err := s.Get(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Put(ctx, "ns", "g", map[string]string{"api_key": "k", "token": ""}))
	got, err = s.Get(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "k", "token": ""}, got)

	require.NoError(t, s.Put(ctx, "ns", "g", map[string]string{"other": "x"}))
	got, err = s.Get(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"other": "x"}, got)

	require.NoError(t, s.Put(ctx, "ns", "g", nil))
	got, err = s.Get(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Empty(t, got)
}
