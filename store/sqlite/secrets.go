package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/smallnest/stateflow/secret"
)

// SqliteSecretStore implements secret.Store on the secrets table of a
// SqliteStore. It shares the store's connection.
type SqliteSecretStore struct {
	store *SqliteStore
}

var _ secret.Store = (*SqliteSecretStore)(nil)

// Secrets returns a secret store backed by the same database.
func (s *SqliteStore) Secrets() *SqliteSecretStore {
	return &SqliteSecretStore{store: s}
}

// Put replaces the secret values of a template
func (s *SqliteSecretStore) Put(ctx context.Context, namespace, graphName string, values map[string]string) error {
	table := s.store.secrets()
	err := s.store.inTx(ctx, func(tx *sql.Tx) error {
		del := fmt.Sprintf(`DELETE FROM %s WHERE namespace = ? AND graph_name = ?`, table)
		if _, err := tx.ExecContext(ctx, del, namespace, graphName); err != nil {
			return err
		}
		insert := fmt.Sprintf(`INSERT INTO %s (namespace, graph_name, name, value) VALUES (?, ?, ?, ?)`, table)
		for name, value := range values {
			if _, err := tx.ExecContext(ctx, insert, namespace, graphName, name, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save secrets: %w", err)
	}
	return nil
}

// Get returns the secret values of a template
func (s *SqliteSecretStore) Get(ctx context.Context, namespace, graphName string) (map[string]string, error) {
	query := fmt.Sprintf(`SELECT name, value FROM %s WHERE namespace = ? AND graph_name = ?`, s.store.secrets())
	rows, err := s.store.db.QueryContext(ctx, query, namespace, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	defer rows.Close()

	values := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		values[name] = value
	}
	return values, rows.Err()
}
