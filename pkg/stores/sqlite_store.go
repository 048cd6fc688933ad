package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/stackdeploy/stackdeploy/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the engine persistence interfaces using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		"foreign_keys(1)",
		fmt.Sprintf("busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"synchronous(NORMAL)",
	}
	if s.cfg.Path != memoryPath {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}
	params := make([]string, 0, len(pragmas)+1)
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate")
	dsn := s.cfg.Path + "?" + strings.Join(params, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// CreateTransaction inserts a new transaction.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, tx *engine.Transaction) error {
	thresholds, nodeUIDs, oldState, err := encodeTransaction(tx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (
			id, cluster_id, status, current_stage, thresholds, node_uids,
			graph_hash, old_state, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		tx.ID,
		tx.ClusterID,
		tx.Status,
		tx.CurrentStage,
		thresholds,
		nodeUIDs,
		tx.GraphHash,
		oldState,
		tx.Error,
		formatTime(tx.CreatedAt),
		formatTime(tx.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewConflictError("transaction already exists", err).
				WithCode(engine.ErrCodeConflict).
				WithResource(tx.ID)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	return nil
}

// UpdateTransaction overwrites the mutable fields of a transaction. Rows
// that already reached ready or error are left untouched and a conflict
// error is returned.
func (s *SQLiteStore) UpdateTransaction(ctx context.Context, tx *engine.Transaction) error {
	thresholds, nodeUIDs, oldState, err := encodeTransaction(tx)
	if err != nil {
		return err
	}

	query := `
		UPDATE transactions
		SET status = ?, current_stage = ?, thresholds = ?, node_uids = ?,
			graph_hash = ?, old_state = ?, error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		tx.Status,
		tx.CurrentStage,
		thresholds,
		nodeUIDs,
		tx.GraphHash,
		oldState,
		tx.Error,
		formatTime(tx.UpdatedAt),
		tx.ID,
		engine.TransactionReady,
		engine.TransactionError,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = ?`, tx.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("transaction", tx.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to get transaction status: %w", err)
	}
	return engine.NewConflictError("transaction already "+status, nil).
		WithCode(engine.ErrCodeConflict).
		WithResource(tx.ID)
}

const transactionColumns = `
	id, cluster_id, status, current_stage, thresholds, node_uids,
	graph_hash, old_state, error, created_at, updated_at
`

// GetTransaction retrieves a transaction by ID.
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*engine.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("transaction", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return tx, nil
}

// ListTransactions lists transactions, newest first, with pagination.
func (s *SQLiteStore) ListTransactions(ctx context.Context, limit, offset int) ([]*engine.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs := []*engine.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txs, nil
}

// AppendTaskRun inserts one history row and sets run.Seq. Rows are never
// updated.
func (s *SQLiteStore) AppendTaskRun(ctx context.Context, run *engine.TaskRun) error {
	query := `
		INSERT INTO task_runs (id, transaction_id, task_id, node_uid, status, time_start, time_end, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var summary *string
	if len(run.Summary) > 0 {
		str := string(run.Summary)
		summary = &str
	}

	result, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.TransactionID,
		run.TaskID,
		run.NodeUID,
		run.Status,
		nullableTime(run.TimeStart),
		nullableTime(run.TimeEnd),
		summary,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return notFound("transaction", run.TransactionID)
		}
		return fmt.Errorf("failed to append task run: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get task run sequence: %w", err)
	}

	run.Seq = seq
	return nil
}

// ListTaskRuns returns every history row of a transaction in append order.
func (s *SQLiteStore) ListTaskRuns(ctx context.Context, transactionID string) ([]engine.TaskRun, error) {
	query := `
		SELECT seq, id, transaction_id, task_id, node_uid, status, time_start, time_end, summary
		FROM task_runs
		WHERE transaction_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}
	defer rows.Close()

	runs := []engine.TaskRun{}
	for rows.Next() {
		var (
			run                engine.TaskRun
			timeStart, timeEnd sql.NullString
			summary            sql.NullString
		)
		err := rows.Scan(
			&run.Seq,
			&run.ID,
			&run.TransactionID,
			&run.TaskID,
			&run.NodeUID,
			&run.Status,
			&timeStart,
			&timeEnd,
			&summary,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		if run.TimeStart, err = parseNullTime(timeStart); err != nil {
			return nil, err
		}
		if run.TimeEnd, err = parseNullTime(timeEnd); err != nil {
			return nil, err
		}
		if summary.Valid {
			run.Summary = json.RawMessage(summary.String)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task runs: %w", err)
	}

	return runs, nil
}

// SaveSnapshot appends a deployment snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	nodes, err := json.Marshal(snap.Nodes)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO snapshots (transaction_id, cluster_id, nodes, created_at)
		VALUES (?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query, snap.TransactionID, snap.ClusterID, string(nodes), formatTime(createdAt)); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// LatestSnapshot returns the most recent snapshot of a cluster, or nil.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, clusterID string) (*engine.Snapshot, error) {
	query := `
		SELECT transaction_id, cluster_id, nodes, created_at
		FROM snapshots
		WHERE cluster_id = ?
		ORDER BY id DESC
		LIMIT 1
	`

	var (
		snap      engine.Snapshot
		nodes     string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, clusterID).Scan(&snap.TransactionID, &snap.ClusterID, &nodes, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(nodes), &snap.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	return &snap, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*engine.Transaction, error) {
	var (
		tx                   engine.Transaction
		thresholds, nodeUIDs string
		oldState             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&tx.ID,
		&tx.ClusterID,
		&tx.Status,
		&tx.CurrentStage,
		&thresholds,
		&nodeUIDs,
		&tx.GraphHash,
		&oldState,
		&tx.Error,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(thresholds), &tx.Thresholds); err != nil {
		return nil, fmt.Errorf("failed to decode thresholds: %w", err)
	}
	if err := json.Unmarshal([]byte(nodeUIDs), &tx.NodeUIDs); err != nil {
		return nil, fmt.Errorf("failed to decode node uids: %w", err)
	}
	if oldState.Valid {
		tx.OldState = &engine.Snapshot{}
		if err := json.Unmarshal([]byte(oldState.String), tx.OldState); err != nil {
			return nil, fmt.Errorf("failed to decode previous state: %w", err)
		}
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tx.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &tx, nil
}

func encodeTransaction(tx *engine.Transaction) (thresholds, nodeUIDs string, oldState *string, err error) {
	th := tx.Thresholds
	if th == nil {
		th = map[string]engine.Threshold{}
	}
	b, err := json.Marshal(th)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to encode thresholds: %w", err)
	}
	thresholds = string(b)

	uids := tx.NodeUIDs
	if uids == nil {
		uids = []string{}
	}
	if b, err = json.Marshal(uids); err != nil {
		return "", "", nil, fmt.Errorf("failed to encode node uids: %w", err)
	}
	nodeUIDs = string(b)

	if tx.OldState != nil {
		if b, err = json.Marshal(tx.OldState); err != nil {
			return "", "", nil, fmt.Errorf("failed to encode previous state: %w", err)
		}
		str := string(b)
		oldState = &str
	}

	return thresholds, nodeUIDs, oldState, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	str := formatTime(t)
	return &str
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFound(kind, id)
	}

	return nil
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(kind+" not found", nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
