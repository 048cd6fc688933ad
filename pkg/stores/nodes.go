package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

// AddNode registers a node, replacing address and roles of an existing one.
// Status and liveness of an existing node are kept.
func (s *SQLiteStore) AddNode(ctx context.Context, node *engine.Node) error {
	if node.UID == "" {
		return fmt.Errorf("node uid is required")
	}
	status := node.Status
	if status == "" {
		status = engine.NodeStatusDiscover
	}
	if err := status.Validate(); err != nil {
		return err
	}

	roles := append([]string(nil), node.Roles...)
	sort.Strings(roles)
	encoded, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}

	now := formatTime(time.Now())
	query := `
		INSERT INTO nodes (uid, address, roles, status, online, last_heartbeat, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			address = excluded.address,
			roles = excluded.roles,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		node.UID,
		node.Address,
		string(encoded),
		status,
		node.Online,
		nullableTime(node.LastHeartbeat),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to add node: %w", err)
	}

	return nil
}

// RemoveNode deletes a node from the registry.
func (s *SQLiteStore) RemoveNode(ctx context.Context, uid string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("failed to remove node: %w", err)
	}
	return expectRow(result, "node", uid)
}

const nodeColumns = `uid, address, roles, status, online, last_heartbeat`

// ListNodes returns every registered node ordered by uid.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]engine.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []engine.Node{}
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, *node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return nodes, nil
}

// GetNode retrieves a node by uid.
func (s *SQLiteStore) GetNode(ctx context.Context, uid string) (*engine.Node, error) {
	node, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE uid = ?`, uid))
	if err == sql.ErrNoRows {
		return nil, notFound("node", uid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

// SetNodeStatus records the deployment status of a node.
func (s *SQLiteStore) SetNodeStatus(ctx context.Context, uid string, status engine.NodeStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ?, updated_at = ? WHERE uid = ?`,
		status, formatTime(time.Now()), uid)
	if err != nil {
		return fmt.Errorf("failed to set node status: %w", err)
	}

	return expectRow(result, "node", uid)
}

// SetNodeOnline records node liveness. Only the health monitor calls it.
func (s *SQLiteStore) SetNodeOnline(ctx context.Context, uid string, online bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET online = ?, updated_at = ? WHERE uid = ?`,
		online, formatTime(time.Now()), uid)
	if err != nil {
		return fmt.Errorf("failed to set node liveness: %w", err)
	}

	return expectRow(result, "node", uid)
}

// RecordHeartbeat stores the time a node was last heard from.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, uid string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET last_heartbeat = ?, updated_at = ? WHERE uid = ?`,
		formatTime(at), formatTime(time.Now()), uid)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	return expectRow(result, "node", uid)
}

func scanNode(row rowScanner) (*engine.Node, error) {
	var (
		node      engine.Node
		roles     string
		heartbeat sql.NullString
	)
	if err := row.Scan(&node.UID, &node.Address, &roles, &node.Status, &node.Online, &heartbeat); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roles), &node.Roles); err != nil {
		return nil, fmt.Errorf("failed to decode roles: %w", err)
	}
	var err error
	if node.LastHeartbeat, err = parseNullTime(heartbeat); err != nil {
		return nil, err
	}
	return &node, nil
}
