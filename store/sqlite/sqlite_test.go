package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store"
	"github.com/smallnest/stateflow/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SqliteStore {
	s, err := NewSqliteStore(SqliteOptions{
		Path: filepath.Join(t.TempDir(), "stateflow.db"),
	})
	require.NoError(t, err)
	return s
}

func TestSqliteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestSqliteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewSqliteStore(SqliteOptions{Path: path, TablePrefix: "custom_"})
	require.NoError(t, err)
	require.NoError(t, s.CreateStates(ctx, storetest.NewRun("r1"), []*state.State{
		storetest.NewState("s1", "r1", "a", storetest.Base),
	}))
	require.NoError(t, s.Close())

	s, err = NewSqliteStore(SqliteOptions{Path: path, TablePrefix: "custom_"})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, state.Created, got.Status)
	assert.True(t, got.EnqueueAfter.Equal(storetest.Base))
}

func TestSqliteSecretStore(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	secrets := s.Secrets()
	ctx := context.Background()

	got, err := secrets.Get(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, secrets.Put(ctx, "ns", "g", map[string]string{"api_key": "k", "token": ""}))
	got, err = secrets.Get(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "k", "token": ""}, got)

	require.NoError(t, secrets.Put(ctx, "ns", "g", map[string]string{"other": "x"}))
	got, err = secrets.Get(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"other": "x"}, got)

	got, err = secrets.Get(ctx, "ns", "h")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, secrets.Put(ctx, "ns", "g", nil))
	got, err = secrets.Get(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSqliteSecretStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.db")
	ctx := context.Background()

	s, err := NewSqliteStore(SqliteOptions{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Secrets().Put(ctx, "ns", "g", map[string]string{"api_key": "k"}))
	require.NoError(t, s.Close())

	s, err = NewSqliteStore(SqliteOptions{Path: path})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Secrets().Get(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "k"}, got)
}
