package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/smallnest/stateflow/node"
	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store"
	"github.com/smallnest/stateflow/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stateCols = []string{
	"id", "run_id", "namespace", "graph_name", "node_name", "identifier",
	"inputs", "outputs", "status", "error", "parents", "retry_count",
	"enqueue_after", "lease_expires_at", "created_at", "updated_at",
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func stateRow(rows *pgxmock.Rows, id string, status state.Status, lease *time.Time) *pgxmock.Rows {
	ts := storetest.Base
	return rows.AddRow(
		id, "r1", "ns", "g", "a", "a",
		[]byte(`{"k":"v"}`), []byte(`{}`), string(status), "", []byte(`{}`), 0,
		ts, lease, ts, ts,
	)
}

func TestPostgresStore_InitSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "")

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS stateflow_nodes")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	assert.NoError(t, s.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutNodes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "sf_")

	def := &node.Definition{Namespace: "ns", RuntimeName: "rt", Name: "a"}
	data, _ := json.Marshal(def)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sf_nodes")).
		WithArgs("ns", "rt", "a", data).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	assert.NoError(t, s.PutNodes(context.Background(), []*node.Definition{def}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutNodes_RollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stateflow_nodes")).
		WithArgs("ns", "rt", "a", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stateflow_nodes")).
		WithArgs("ns", "rt", "b", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = s.PutNodes(context.Background(), []*node.Definition{
		{Namespace: "ns", RuntimeName: "rt", Name: "a"},
		{Namespace: "ns", RuntimeName: "rt", Name: "b"},
	})
	assert.ErrorContains(t, err, "failed to save node b")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNode_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT definition FROM stateflow_nodes WHERE namespace = $1 AND runtime_name = $2 AND name = $3")).
		WithArgs("ns", "rt", "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = s.GetNode(context.Background(), "ns", "rt", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetState(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "")

	lease := storetest.Base.Add(time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + stateColumns + " FROM stateflow_states WHERE id = $1")).
		WithArgs("s1").
		WillReturnRows(stateRow(pgxmock.NewRows(stateCols), "s1", state.Queued, &lease))

	got, err := s.GetState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, state.Queued, got.Status)
	assert.Equal(t, "v", got.Inputs["k"])
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.Equal(lease))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateStates_Duplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stateflow_runs")).
		WithArgs("ns", "r1", "g", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stateflow_states")).
		WithArgs(append([]any{"s1"}, anyArgs(15)...)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stateflow_states")).
		WithArgs(append([]any{"s2"}, anyArgs(15)...)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err = s.CreateStates(context.Background(), storetest.NewRun("r1"), []*state.State{
		storetest.NewState("s1", "r1", "a", storetest.Base),
		storetest.NewState("s2", "r1", "a", storetest.Base),
	})
	assert.ErrorIs(t, err, store.ErrDuplicateState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Claim(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "")

	now := storetest.Base
	lease := now.Add(5 * time.Minute)
	rows := pgxmock.NewRows(stateCols)
	stateRow(rows, "s2", state.Queued, &lease)
	stateRow(rows, "s1", state.Queued, &lease)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE stateflow_states SET status = $1, lease_expires_at = $2, updated_at = $3")).
		WithArgs("QUEUED", lease, now, "ns", "CREATED", []string{"a"}, 2).
		WillReturnRows(rows)

	claimed, err := s.Claim(context.Background(), store.ClaimQuery{
		Namespace:  "ns",
		NodeNames:  []string{"a"},
		Limit:      2,
		Now:        now,
		LeaseUntil: lease,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "s1", claimed[0].ID)
	assert.Equal(t, "s2", claimed[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition_Conflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("s1").
		WillReturnRows(stateRow(pgxmock.NewRows(stateCols), "s1", state.Created, nil))
	mock.ExpectRollback()

	got, err := s.Transition(context.Background(), store.Transition{
		StateID: "s1",
		From:    state.Queued,
		To:      state.Executed,
		Now:     storetest.Base,
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict)
	require.NotNil(t, got)
	assert.Equal(t, state.Created, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition_Spawn(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "")

	now := storetest.Base.Add(time.Second)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("s1").
		WillReturnRows(stateRow(pgxmock.NewRows(stateCols), "s1", state.Executed, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE stateflow_states SET status = $2")).
		WithArgs("s1", "NEXT_CREATED", []byte(`{}`), "", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stateflow_states")).
		WithArgs(append([]any{"s2"}, anyArgs(15)...)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	child := storetest.NewState("s2", "r1", "b", now)
	child.Parents = map[string]string{"a": "s1"}
	got, err := s.Transition(context.Background(), store.Transition{
		StateID: "s1",
		From:    state.Executed,
		To:      state.NextCreated,
		Now:     now,
		Spawn:   []*state.State{child},
	})
	require.NoError(t, err)
	assert.Equal(t, state.NextCreated, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition_Via(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "")

	now := storetest.Base.Add(time.Minute)
	lease := storetest.Base.Add(30 * time.Second)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("s1").
		WillReturnRows(stateRow(pgxmock.NewRows(stateCols), "s1", state.Queued, &lease))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE stateflow_states SET status = $2")).
		WithArgs("s1", "CANCELLED", []byte(`{}`), "lease expired", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, err := s.Transition(context.Background(), store.Transition{
		StateID: "s1",
		From:    state.Queued,
		Via:     state.TimedOut,
		To:      state.Cancelled,
		Error:   "lease expired",
		Now:     now,
	})
	require.NoError(t, err)
	assert.Equal(t, state.Cancelled, got.Status)
	assert.Nil(t, got.LeaseExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition_OutsideLifecycle(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "")

	_, err = s.Transition(context.Background(), store.Transition{
		StateID: "s1",
		From:    state.Created,
		To:      state.Success,
		Now:     storetest.Base,
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListExpired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStoreWithPool(mock, "")

	now := storetest.Base.Add(time.Hour)
	lease := storetest.Base.Add(time.Minute)
	rows := pgxmock.NewRows(stateCols)
	stateRow(rows, "s1", state.Queued, &lease)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND lease_expires_at <= $2")).
		WithArgs("QUEUED", now, 10).
		WillReturnRows(rows)

	expired, err := s.ListExpired(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, state.Queued, expired[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSecretStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	secrets := NewPostgresStoreWithPool(mock, "").Secrets()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM stateflow_secrets WHERE namespace = $1 AND graph_name = $2")).
		WithArgs("ns", "g").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stateflow_secrets")).
		WithArgs("ns", "g", "api_key", "k").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	require.NoError(t, secrets.Put(ctx, "ns", "g", map[string]string{"api_key": "k"}))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT name, value FROM stateflow_secrets")).
		WithArgs("ns", "g").
		WillReturnRows(pgxmock.NewRows([]string{"name", "value"}).AddRow("api_key", "k").AddRow("token", ""))
	got, err := secrets.Get(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "k", "token": ""}, got)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM stateflow_secrets")).
		WithArgs("ns", "g").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()
	assert.ErrorContains(t, secrets.Put(ctx, "ns", "g", nil), "failed to save secrets")

	assert.NoError(t, mock.ExpectationsWereMet())
}
