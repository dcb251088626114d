package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/smallnest/stateflow/secret"
)

// PostgresSecretStore implements secret.Store on the secrets table of a
// PostgresStore. It shares the store's pool.
type PostgresSecretStore struct {
	store *PostgresStore
}

var _ secret.Store = (*PostgresSecretStore)(nil)

// Secrets returns a secret store backed by the same pool.
func (s *PostgresStore) Secrets() *PostgresSecretStore {
	return &PostgresSecretStore{store: s}
}

// Put replaces the secret values of a template
func (s *PostgresSecretStore) Put(ctx context.Context, namespace, graphName string, values map[string]string) error {
	table := s.store.secrets()
	err := s.store.inTx(ctx, func(tx pgx.Tx) error {
		del := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND graph_name = $2`, table)
		if _, err := tx.Exec(ctx, del, namespace, graphName); err != nil {
			return err
		}
		insert := fmt.Sprintf(`INSERT INTO %s (namespace, graph_name, name, value) VALUES ($1, $2, $3, $4)`, table)
		for name, value := range values {
			if _, err := tx.Exec(ctx, insert, namespace, graphName, name, value); err != nil {
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
func (s *PostgresSecretStore) Get(ctx context.Context, namespace, graphName string) (map[string]string, error) {
	query := fmt.Sprintf(`SELECT name, value FROM %s WHERE namespace = $1 AND graph_name = $2`, s.store.secrets())
	rows, err := s.store.pool.Query(ctx, query, namespace, graphName)
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
