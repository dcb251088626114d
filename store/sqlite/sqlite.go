package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/node"
	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store"
)

// SqliteStore implements store.Store using SQLite. The pool holds a single
// connection, so every transaction runs serialized.
type SqliteStore struct {
	db     *sql.DB
	prefix string
}

var _ store.Store = (*SqliteStore)(nil)

// SqliteOptions configuration for SQLite connection
type SqliteOptions struct {
	Path        string
	TablePrefix string // Default "stateflow_"
}

// NewSqliteStore creates a new SQLite store and initializes its schema
func NewSqliteStore(opts SqliteOptions) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	prefix := opts.TablePrefix
	if prefix == "" {
		prefix = "stateflow_"
	}

	s := &SqliteStore{
		db:     db,
		prefix: prefix,
	}

	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SqliteStore) nodes() string     { return s.prefix + "nodes" }
func (s *SqliteStore) templates() string { return s.prefix + "templates" }
func (s *SqliteStore) runs() string      { return s.prefix + "runs" }
func (s *SqliteStore) states() string    { return s.prefix + "states" }
func (s *SqliteStore) secrets() string   { return s.prefix + "secrets" }

// InitSchema creates the necessary tables if they don't exist
func (s *SqliteStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			namespace TEXT NOT NULL,
			runtime_name TEXT NOT NULL,
			name TEXT NOT NULL,
			definition TEXT NOT NULL,
			PRIMARY KEY (namespace, runtime_name, name)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			template TEXT NOT NULL,
			PRIMARY KEY (namespace, name)
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			namespace TEXT NOT NULL,
			run_id TEXT NOT NULL,
			graph_name TEXT NOT NULL,
			template TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, run_id)
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			graph_name TEXT NOT NULL,
			node_name TEXT NOT NULL,
			identifier TEXT NOT NULL,
			inputs TEXT NOT NULL,
			outputs TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			parents TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			enqueue_after INTEGER NOT NULL,
			lease_expires_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[4]s_dispatch ON %[4]s (namespace, status, node_name, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_%[4]s_run ON %[4]s (namespace, run_id);
		CREATE INDEX IF NOT EXISTS idx_%[4]s_lease ON %[4]s (status, lease_expires_at);
		CREATE TABLE IF NOT EXISTS %[5]s (
			namespace TEXT NOT NULL,
			graph_name TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (namespace, graph_name, name)
		);
	`, s.nodes(), s.templates(), s.runs(), s.states(), s.secrets())

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func unixNano(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// PutNodes upserts definitions in one transaction
func (s *SqliteStore) PutNodes(ctx context.Context, defs []*node.Definition) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, runtime_name, name, definition)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, runtime_name, name) DO UPDATE SET definition = excluded.definition
	`, s.nodes())

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, d := range defs {
			data, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("failed to marshal node: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, d.Namespace, d.RuntimeName, d.Name, string(data)); err != nil {
				return fmt.Errorf("failed to save node %s: %w", d.Name, err)
			}
		}
		return nil
	})
}

// GetNode retrieves one definition
func (s *SqliteStore) GetNode(ctx context.Context, namespace, runtime, name string) (*node.Definition, error) {
	query := fmt.Sprintf(`SELECT definition FROM %s WHERE namespace = ? AND runtime_name = ? AND name = ?`, s.nodes())

	var data string
	if err := s.db.QueryRowContext(ctx, query, namespace, runtime, name).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("node %s/%s/%s: %w", namespace, runtime, name, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load node: %w", err)
	}

	var d node.Definition
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return &d, nil
}

// ListNodes returns the definitions of a namespace
func (s *SqliteStore) ListNodes(ctx context.Context, namespace string) ([]*node.Definition, error) {
	query := fmt.Sprintf(`SELECT definition FROM %s WHERE namespace = ? ORDER BY runtime_name, name`, s.nodes())

	rows, err := s.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	defs := []*node.Definition{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		var d node.Definition
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node: %w", err)
		}
		defs = append(defs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node rows: %w", err)
	}
	return defs, nil
}

// PutTemplate inserts or replaces a template
func (s *SqliteStore) PutTemplate(ctx context.Context, t *graph.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, name, template)
		VALUES (?, ?, ?)
		ON CONFLICT(namespace, name) DO UPDATE SET template = excluded.template
	`, s.templates())

	if _, err := s.db.ExecContext(ctx, query, t.Namespace, t.Name, string(data)); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

// GetTemplate retrieves one template
func (s *SqliteStore) GetTemplate(ctx context.Context, namespace, name string) (*graph.Template, error) {
	query := fmt.Sprintf(`SELECT template FROM %s WHERE namespace = ? AND name = ?`, s.templates())

	var data string
	if err := s.db.QueryRowContext(ctx, query, namespace, name).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("template %s/%s: %w", namespace, name, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load template: %w", err)
	}

	var t graph.Template
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	return &t, nil
}

// ListTemplates returns the templates of a namespace
func (s *SqliteStore) ListTemplates(ctx context.Context, namespace string) ([]*graph.Template, error) {
	query := fmt.Sprintf(`SELECT template FROM %s WHERE namespace = ? ORDER BY name`, s.templates())

	rows, err := s.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	templates := []*graph.Template{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		var t graph.Template
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal template: %w", err)
		}
		templates = append(templates, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating template rows: %w", err)
	}
	return templates, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*graph.Run, error) {
	var (
		r         graph.Run
		data      string
		createdAt int64
	)
	if err := row.Scan(&r.Namespace, &r.ID, &r.GraphName, &data, &createdAt); err != nil {
		return nil, err
	}
	r.CreatedAt = fromUnixNano(createdAt)
	if err := json.Unmarshal([]byte(data), &r.Template); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run template: %w", err)
	}
	return &r, nil
}

// GetRun retrieves one run
func (s *SqliteStore) GetRun(ctx context.Context, namespace, runID string) (*graph.Run, error) {
	query := fmt.Sprintf(`SELECT namespace, run_id, graph_name, template, created_at FROM %s WHERE namespace = ? AND run_id = ?`, s.runs())

	r, err := scanRun(s.db.QueryRowContext(ctx, query, namespace, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s/%s: %w", namespace, runID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return r, nil
}

// ListRuns returns the known runs among runIDs
func (s *SqliteStore) ListRuns(ctx context.Context, namespace string, runIDs []string) ([]*graph.Run, error) {
	if len(runIDs) == 0 {
		return []*graph.Run{}, nil
	}
	query := fmt.Sprintf(`SELECT namespace, run_id, graph_name, template, created_at FROM %s WHERE namespace = ? AND run_id IN (%s) ORDER BY created_at, run_id`,
		s.runs(), placeholders(len(runIDs)))

	args := []any{namespace}
	for _, id := range runIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*graph.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

const stateColumns = `id, run_id, namespace, graph_name, node_name, identifier, inputs, outputs, status, error, parents, retry_count, enqueue_after, lease_expires_at, created_at, updated_at`

func scanState(row scanner) (*state.State, error) {
	var (
		st                                 state.State
		status, inputs, outputs, parents   string
		enqueueAfter, createdAt, updatedAt int64
		lease                              sql.NullInt64
	)
	err := row.Scan(
		&st.ID,
		&st.RunID,
		&st.Namespace,
		&st.GraphName,
		&st.NodeName,
		&st.Identifier,
		&inputs,
		&outputs,
		&status,
		&st.Error,
		&parents,
		&st.RetryCount,
		&enqueueAfter,
		&lease,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Status = state.Status(status)
	st.EnqueueAfter = fromUnixNano(enqueueAfter)
	st.CreatedAt = fromUnixNano(createdAt)
	st.UpdatedAt = fromUnixNano(updatedAt)
	if lease.Valid {
		t := fromUnixNano(lease.Int64)
		st.LeaseExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(inputs), &st.Inputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &st.Outputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(parents), &st.Parents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parents: %w", err)
	}
	return &st, nil
}

func collectStates(rows *sql.Rows) ([]*state.State, error) {
	defer rows.Close()

	states := []*state.State{}
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state rows: %w", err)
	}
	return states, nil
}

func (s *SqliteStore) insertStates(ctx context.Context, tx *sql.Tx, states []*state.State) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, s.states(), stateColumns, placeholders(16))

	for _, st := range states {
		inputs, err := json.Marshal(state.CloneDocument(st.Inputs))
		if err != nil {
			return fmt.Errorf("failed to marshal inputs: %w", err)
		}
		outputs, err := json.Marshal(state.CloneDocument(st.Outputs))
		if err != nil {
			return fmt.Errorf("failed to marshal outputs: %w", err)
		}
		parents := st.Parents
		if parents == nil {
			parents = map[string]string{}
		}
		parentsJSON, err := json.Marshal(parents)
		if err != nil {
			return fmt.Errorf("failed to marshal parents: %w", err)
		}
		var lease sql.NullInt64
		if st.LeaseExpiresAt != nil {
			lease = sql.NullInt64{Int64: unixNano(*st.LeaseExpiresAt), Valid: true}
		}

		_, err = tx.ExecContext(ctx, query,
			st.ID,
			st.RunID,
			st.Namespace,
			st.GraphName,
			st.NodeName,
			st.Identifier,
			string(inputs),
			string(outputs),
			string(st.Status),
			st.Error,
			string(parentsJSON),
			st.RetryCount,
			unixNano(st.EnqueueAfter),
			lease,
			unixNano(st.CreatedAt),
			unixNano(st.UpdatedAt),
		)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
				return fmt.Errorf("state %s: %w", st.ID, store.ErrDuplicateState)
			}
			return fmt.Errorf("failed to insert state %s: %w", st.ID, err)
		}
	}
	return nil
}

// CreateStates inserts the run if needed and all states in one transaction
func (s *SqliteStore) CreateStates(ctx context.Context, run *graph.Run, states []*state.State) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if run != nil {
			data, err := json.Marshal(run.Template)
			if err != nil {
				return fmt.Errorf("failed to marshal run template: %w", err)
			}
			query := fmt.Sprintf(`
				INSERT INTO %s (namespace, run_id, graph_name, template, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(namespace, run_id) DO NOTHING
			`, s.runs())
			if _, err := tx.ExecContext(ctx, query, run.Namespace, run.ID, run.GraphName, string(data), unixNano(run.CreatedAt)); err != nil {
				return fmt.Errorf("failed to insert run: %w", err)
			}
		}
		return s.insertStates(ctx, tx, states)
	})
}

// GetState retrieves one state
func (s *SqliteStore) GetState(ctx context.Context, stateID string) (*state.State, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, stateColumns, s.states())

	st, err := scanState(s.db.QueryRowContext(ctx, query, stateID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("state %s: %w", stateID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return st, nil
}

// ListStatesByRun returns the states of a run ordered by creation
func (s *SqliteStore) ListStatesByRun(ctx context.Context, namespace, runID string) ([]*state.State, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE namespace = ? AND run_id = ? ORDER BY created_at, id`, stateColumns, s.states())

	rows, err := s.db.QueryContext(ctx, query, namespace, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	return collectStates(rows)
}

// ListStatesByStatus returns the states of a namespace in any of statuses
func (s *SqliteStore) ListStatesByStatus(ctx context.Context, namespace string, statuses []state.Status) ([]*state.State, error) {
	if len(statuses) == 0 {
		return []*state.State{}, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE namespace = ? AND status IN (%s) ORDER BY created_at, id`,
		stateColumns, s.states(), placeholders(len(statuses)))

	args := []any{namespace}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	return collectStates(rows)
}

func selectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SqliteStore) loadStates(ctx context.Context, tx *sql.Tx, ids []string) ([]*state.State, error) {
	if len(ids) == 0 {
		return []*state.State{}, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id IN (%s) ORDER BY created_at, id`, stateColumns, s.states(), placeholders(len(ids)))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectStates(rows)
}

// Claim moves the oldest eligible CREATED states to QUEUED
func (s *SqliteStore) Claim(ctx context.Context, q store.ClaimQuery) ([]*state.State, error) {
	if len(q.NodeNames) == 0 {
		return []*state.State{}, nil
	}

	var claimed []*state.State
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			SELECT id FROM %s
			WHERE namespace = ? AND status = ? AND node_name IN (%s) AND enqueue_after <= ?
			ORDER BY created_at, id
			LIMIT ?
		`, s.states(), placeholders(len(q.NodeNames)))

		args := []any{q.Namespace, string(state.Created)}
		for _, n := range q.NodeNames {
			args = append(args, n)
		}
		args = append(args, unixNano(q.Now), q.Limit)

		ids, err := selectIDs(ctx, tx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to select claimable states: %w", err)
		}

		update := fmt.Sprintf(`UPDATE %s SET status = ?, lease_expires_at = ?, updated_at = ? WHERE id = ?`, s.states())
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, update, string(state.Queued), unixNano(q.LeaseUntil), unixNano(q.Now), id); err != nil {
				return fmt.Errorf("failed to claim state %s: %w", id, err)
			}
		}

		claimed, err = s.loadStates(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim states: %w", err)
	}
	return claimed, nil
}

// ListExpired returns QUEUED states whose lease has passed, earliest expiry
// first
func (s *SqliteStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*state.State, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = ? AND lease_expires_at <= ?
		ORDER BY lease_expires_at, created_at, id
		LIMIT ?
	`, stateColumns, s.states())

	rows, err := s.db.QueryContext(ctx, query, string(state.Queued), unixNano(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired states: %w", err)
	}
	return collectStates(rows)
}

// Transition applies a compare-and-set status change and inserts spawned
// states in the same transaction
func (s *SqliteStore) Transition(ctx context.Context, t store.Transition) (*state.State, error) {
	if err := store.CheckTransition(t); err != nil {
		return nil, err
	}

	var result *state.State
	var conflict bool

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, stateColumns, s.states())
		st, err := scanState(tx.QueryRowContext(ctx, query, t.StateID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("state %s: %w", t.StateID, store.ErrNotFound)
			}
			return fmt.Errorf("failed to load state: %w", err)
		}
		if st.Status != t.From {
			result = st
			conflict = true
			return fmt.Errorf("state %s is %s, expected %s: %w", t.StateID, st.Status, t.From, store.ErrStatusConflict)
		}

		store.Apply(st, t)
		outputs, err := json.Marshal(state.CloneDocument(st.Outputs))
		if err != nil {
			return fmt.Errorf("failed to marshal outputs: %w", err)
		}
		update := fmt.Sprintf(`UPDATE %s SET status = ?, outputs = ?, error = ?, lease_expires_at = NULL, updated_at = ? WHERE id = ?`, s.states())
		if _, err := tx.ExecContext(ctx, update, string(st.Status), string(outputs), st.Error, unixNano(st.UpdatedAt), st.ID); err != nil {
			return fmt.Errorf("failed to update state: %w", err)
		}
		if err := s.insertStates(ctx, tx, t.Spawn); err != nil {
			return err
		}
		result = st
		return nil
	})
	if err != nil {
		if conflict {
			return result, err
		}
		return nil, err
	}
	return result, nil
}
