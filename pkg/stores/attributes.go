package stores

import (
	"context"
	"fmt"
	"time"
)

// Attributes returns the key/value attributes of a cluster.
func (s *SQLiteStore) Attributes(ctx context.Context, clusterID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM cluster_attributes WHERE cluster_id = ? ORDER BY key`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster attributes: %w", err)
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan cluster attribute: %w", err)
		}
		attrs[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cluster attributes: %w", err)
	}

	return attrs, nil
}

// SetAttribute inserts or updates one cluster attribute.
func (s *SQLiteStore) SetAttribute(ctx context.Context, clusterID, key, value string) error {
	if clusterID == "" || key == "" {
		return fmt.Errorf("cluster id and key are required")
	}

	query := `
		INSERT INTO cluster_attributes (cluster_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cluster_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, clusterID, key, value, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to set cluster attribute: %w", err)
	}

	return nil
}

// DeleteAttribute removes one cluster attribute.
func (s *SQLiteStore) DeleteAttribute(ctx context.Context, clusterID, key string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cluster_attributes WHERE cluster_id = ? AND key = ?`, clusterID, key)
	if err != nil {
		return fmt.Errorf("failed to delete cluster attribute: %w", err)
	}
	return expectRow(result, "cluster attribute", clusterID+"/"+key)
}
