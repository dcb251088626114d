package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/node"
	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// querier is satisfied by both DBPool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements store.Store using PostgreSQL
type PostgresStore struct {
	pool   DBPool
	prefix string
}

var _ store.Store = (*PostgresStore)(nil)

// PostgresOptions configuration for Postgres connection
type PostgresOptions struct {
	ConnString  string
	TablePrefix string // Default "stateflow_"
}

const defaultPrefix = "stateflow_"

const uniqueViolation = "23505"

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewPostgresStoreWithPool(pool, opts.TablePrefix), nil
}

// NewPostgresStoreWithPool creates a new Postgres store with an existing pool
// Useful for testing with mocks
func NewPostgresStoreWithPool(pool DBPool, tablePrefix string) *PostgresStore {
	if tablePrefix == "" {
		tablePrefix = defaultPrefix
	}
	return &PostgresStore{
		pool:   pool,
		prefix: tablePrefix,
	}
}

func (s *PostgresStore) nodes() string     { return s.prefix + "nodes" }
func (s *PostgresStore) templates() string { return s.prefix + "templates" }
func (s *PostgresStore) runs() string      { return s.prefix + "runs" }
func (s *PostgresStore) states() string    { return s.prefix + "states" }
func (s *PostgresStore) secrets() string   { return s.prefix + "secrets" }

// InitSchema creates the necessary tables if they don't exist
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			namespace TEXT NOT NULL,
			runtime_name TEXT NOT NULL,
			name TEXT NOT NULL,
			definition JSONB NOT NULL,
			PRIMARY KEY (namespace, runtime_name, name)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			template JSONB NOT NULL,
			PRIMARY KEY (namespace, name)
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			namespace TEXT NOT NULL,
			run_id TEXT NOT NULL,
			graph_name TEXT NOT NULL,
			template JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (namespace, run_id)
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			graph_name TEXT NOT NULL,
			node_name TEXT NOT NULL,
			identifier TEXT NOT NULL,
			inputs JSONB NOT NULL,
			outputs JSONB NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			parents JSONB NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			enqueue_after TIMESTAMPTZ NOT NULL,
			lease_expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[4]s_dispatch ON %[4]s (namespace, status, node_name, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_%[4]s_run ON %[4]s (namespace, run_id);
		CREATE INDEX IF NOT EXISTS idx_%[4]s_lease ON %[4]s (lease_expires_at) WHERE status = 'QUEUED';
		CREATE TABLE IF NOT EXISTS %[5]s (
			namespace TEXT NOT NULL,
			graph_name TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (namespace, graph_name, name)
		);
	`, s.nodes(), s.templates(), s.runs(), s.states(), s.secrets())

	_, err := s.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PutNodes upserts definitions in one transaction
func (s *PostgresStore) PutNodes(ctx context.Context, defs []*node.Definition) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, runtime_name, name, definition)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, runtime_name, name) DO UPDATE SET definition = EXCLUDED.definition
	`, s.nodes())

	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, d := range defs {
			data, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("failed to marshal node: %w", err)
			}
			if _, err := tx.Exec(ctx, query, d.Namespace, d.RuntimeName, d.Name, data); err != nil {
				return fmt.Errorf("failed to save node %s: %w", d.Name, err)
			}
		}
		return nil
	})
}

// GetNode retrieves one definition
func (s *PostgresStore) GetNode(ctx context.Context, namespace, runtime, name string) (*node.Definition, error) {
	query := fmt.Sprintf(`SELECT definition FROM %s WHERE namespace = $1 AND runtime_name = $2 AND name = $3`, s.nodes())

	var data []byte
	if err := s.pool.QueryRow(ctx, query, namespace, runtime, name).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("node %s/%s/%s: %w", namespace, runtime, name, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load node: %w", err)
	}

	var d node.Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return &d, nil
}

// ListNodes returns the definitions of a namespace
func (s *PostgresStore) ListNodes(ctx context.Context, namespace string) ([]*node.Definition, error) {
	query := fmt.Sprintf(`SELECT definition FROM %s WHERE namespace = $1 ORDER BY runtime_name, name`, s.nodes())

	rows, err := s.pool.Query(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	defs := []*node.Definition{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		var d node.Definition
		if err := json.Unmarshal(data, &d); err != nil {
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
func (s *PostgresStore) PutTemplate(ctx context.Context, t *graph.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, name, template)
		VALUES ($1, $2, $3)
		ON CONFLICT (namespace, name) DO UPDATE SET template = EXCLUDED.template
	`, s.templates())

	if _, err := s.pool.Exec(ctx, query, t.Namespace, t.Name, data); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

// GetTemplate retrieves one template
func (s *PostgresStore) GetTemplate(ctx context.Context, namespace, name string) (*graph.Template, error) {
	query := fmt.Sprintf(`SELECT template FROM %s WHERE namespace = $1 AND name = $2`, s.templates())

	var data []byte
	if err := s.pool.QueryRow(ctx, query, namespace, name).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("template %s/%s: %w", namespace, name, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load template: %w", err)
	}

	var t graph.Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	return &t, nil
}

// ListTemplates returns the templates of a namespace
func (s *PostgresStore) ListTemplates(ctx context.Context, namespace string) ([]*graph.Template, error) {
	query := fmt.Sprintf(`SELECT template FROM %s WHERE namespace = $1 ORDER BY name`, s.templates())

	rows, err := s.pool.Query(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	templates := []*graph.Template{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		var t graph.Template
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal template: %w", err)
		}
		templates = append(templates, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating template rows: %w", err)
	}
	return templates, nil
}

func scanRun(row pgx.Row) (*graph.Run, error) {
	var (
		r    graph.Run
		data []byte
	)
	if err := row.Scan(&r.Namespace, &r.ID, &r.GraphName, &data, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &r.Template); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run template: %w", err)
	}
	return &r, nil
}

// GetRun retrieves one run
func (s *PostgresStore) GetRun(ctx context.Context, namespace, runID string) (*graph.Run, error) {
	query := fmt.Sprintf(`SELECT namespace, run_id, graph_name, template, created_at FROM %s WHERE namespace = $1 AND run_id = $2`, s.runs())

	r, err := scanRun(s.pool.QueryRow(ctx, query, namespace, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s/%s: %w", namespace, runID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return r, nil
}

// ListRuns returns the known runs among runIDs
func (s *PostgresStore) ListRuns(ctx context.Context, namespace string, runIDs []string) ([]*graph.Run, error) {
	query := fmt.Sprintf(`SELECT namespace, run_id, graph_name, template, created_at FROM %s WHERE namespace = $1 AND run_id = ANY($2) ORDER BY created_at, run_id`, s.runs())

	rows, err := s.pool.Query(ctx, query, namespace, runIDs)
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

func scanState(row pgx.Row) (*state.State, error) {
	var (
		st                       state.State
		status                   string
		inputs, outputs, parents []byte
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
		&st.EnqueueAfter,
		&st.LeaseExpiresAt,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Status = state.Status(status)
	if err := json.Unmarshal(inputs, &st.Inputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal(outputs, &st.Outputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
	}
	if err := json.Unmarshal(parents, &st.Parents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parents: %w", err)
	}
	return &st, nil
}

func collectStates(rows pgx.Rows) ([]*state.State, error) {
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

func (s *PostgresStore) insertStates(ctx context.Context, q querier, states []*state.State) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, s.states(), stateColumns)

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

		_, err = q.Exec(ctx, query,
			st.ID,
			st.RunID,
			st.Namespace,
			st.GraphName,
			st.NodeName,
			st.Identifier,
			inputs,
			outputs,
			string(st.Status),
			st.Error,
			parentsJSON,
			st.RetryCount,
			st.EnqueueAfter,
			st.LeaseExpiresAt,
			st.CreatedAt,
			st.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("state %s: %w", st.ID, store.ErrDuplicateState)
			}
			return fmt.Errorf("failed to insert state %s: %w", st.ID, err)
		}
	}
	return nil
}

// CreateStates inserts the run if needed and all states in one transaction
func (s *PostgresStore) CreateStates(ctx context.Context, run *graph.Run, states []*state.State) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if run != nil {
			data, err := json.Marshal(run.Template)
			if err != nil {
				return fmt.Errorf("failed to marshal run template: %w", err)
			}
			query := fmt.Sprintf(`
				INSERT INTO %s (namespace, run_id, graph_name, template, created_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (namespace, run_id) DO NOTHING
			`, s.runs())
			if _, err := tx.Exec(ctx, query, run.Namespace, run.ID, run.GraphName, data, run.CreatedAt); err != nil {
				return fmt.Errorf("failed to insert run: %w", err)
			}
		}
		return s.insertStates(ctx, tx, states)
	})
}

// GetState retrieves one state
func (s *PostgresStore) GetState(ctx context.Context, stateID string) (*state.State, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, stateColumns, s.states())

	st, err := scanState(s.pool.QueryRow(ctx, query, stateID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("state %s: %w", stateID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return st, nil
}

// ListStatesByRun returns the states of a run ordered by creation
func (s *PostgresStore) ListStatesByRun(ctx context.Context, namespace, runID string) ([]*state.State, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE namespace = $1 AND run_id = $2 ORDER BY created_at, id`, stateColumns, s.states())

	rows, err := s.pool.Query(ctx, query, namespace, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	return collectStates(rows)
}

func statusStrings(statuses []state.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// ListStatesByStatus returns the states of a namespace in any of statuses
func (s *PostgresStore) ListStatesByStatus(ctx context.Context, namespace string, statuses []state.Status) ([]*state.State, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE namespace = $1 AND status = ANY($2) ORDER BY created_at, id`, stateColumns, s.states())

	rows, err := s.pool.Query(ctx, query, namespace, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	return collectStates(rows)
}

// Claim moves the oldest eligible CREATED states to QUEUED. Concurrent
// callers skip rows locked by each other, so no state is claimed twice.
func (s *PostgresStore) Claim(ctx context.Context, q store.ClaimQuery) ([]*state.State, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s SET status = $1, lease_expires_at = $2, updated_at = $3
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE namespace = $4 AND status = $5 AND node_name = ANY($6) AND enqueue_after <= $3
			ORDER BY created_at, id
			LIMIT $7
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[2]s
	`, s.states(), stateColumns)

	rows, err := s.pool.Query(ctx, query,
		string(state.Queued),
		q.LeaseUntil,
		q.Now,
		q.Namespace,
		string(state.Created),
		q.NodeNames,
		q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim states: %w", err)
	}
	states, err := collectStates(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(states, func(i, j int) bool { return store.Less(states[i], states[j]) })
	return states, nil
}

// ListExpired returns QUEUED states whose lease has passed, earliest expiry
// first
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*state.State, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = $1 AND lease_expires_at <= $2
		ORDER BY lease_expires_at, created_at, id
		LIMIT $3
	`, stateColumns, s.states())

	rows, err := s.pool.Query(ctx, query, string(state.Queued), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired states: %w", err)
	}
	return collectStates(rows)
}

// Transition applies a compare-and-set status change and inserts spawned
// states in the same transaction
func (s *PostgresStore) Transition(ctx context.Context, t store.Transition) (*state.State, error) {
	if err := store.CheckTransition(t); err != nil {
		return nil, err
	}

	var result *state.State
	var conflict error

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, stateColumns, s.states())
		st, err := scanState(tx.QueryRow(ctx, query, t.StateID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("state %s: %w", t.StateID, store.ErrNotFound)
			}
			return fmt.Errorf("failed to load state: %w", err)
		}
		if st.Status != t.From {
			result = st
			conflict = fmt.Errorf("state %s is %s, expected %s: %w", t.StateID, st.Status, t.From, store.ErrStatusConflict)
			return conflict
		}

		store.Apply(st, t)
		outputs, err := json.Marshal(state.CloneDocument(st.Outputs))
		if err != nil {
			return fmt.Errorf("failed to marshal outputs: %w", err)
		}
		update := fmt.Sprintf(`
			UPDATE %s SET status = $2, outputs = $3, error = $4, lease_expires_at = NULL, updated_at = $5
			WHERE id = $1
		`, s.states())
		if _, err := tx.Exec(ctx, update, st.ID, string(st.Status), outputs, st.Error, st.UpdatedAt); err != nil {
			return fmt.Errorf("failed to update state: %w", err)
		}
		if err := s.insertStates(ctx, tx, t.Spawn); err != nil {
			return err
		}
		result = st
		return nil
	})
	if err != nil {
		if conflict != nil {
			return result, err
		}
		return nil, err
	}
	return result, nil
}
