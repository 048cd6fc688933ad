package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

// AppendNotification stores a progress notification.
func (s *SQLiteStore) AppendNotification(ctx context.Context, n engine.Notification) error {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO notifications (topic, message, transaction_id, cluster_id, node_uid, task_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		n.Topic, n.Message, n.TransactionID, n.ClusterID, n.NodeUID, n.TaskID, formatTime(ts))
	if err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}

	return nil
}

// ListNotifications returns the notifications of a transaction in order.
// An empty transactionID lists the most recent notifications of any
// transaction.
func (s *SQLiteStore) ListNotifications(ctx context.Context, transactionID string, limit int) ([]engine.Notification, error) {
	query := `
		SELECT topic, message, transaction_id, cluster_id, node_uid, task_id, timestamp
		FROM (
			SELECT * FROM notifications
			WHERE (? = '' OR transaction_id = ?)
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, transactionID, transactionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	out := []engine.Notification{}
	for rows.Next() {
		var (
			n  engine.Notification
			ts string
		)
		if err := rows.Scan(&n.Topic, &n.Message, &n.TransactionID, &n.ClusterID, &n.NodeUID, &n.TaskID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if n.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return out, nil
}

// NotificationLog persists notifications as an engine.NotificationSink.
// Writes happen on a background goroutine; when the buffer is full the
// notification is dropped.
type NotificationLog struct {
	store  *SQLiteStore
	ch     chan engine.Notification
	done   chan struct{}
	logger zerolog.Logger
}

// NewNotificationLog starts a notification writer with the given buffer size.
func NewNotificationLog(store *SQLiteStore, buffer int, logger zerolog.Logger) *NotificationLog {
	if buffer <= 0 {
		buffer = 256
	}
	l := &NotificationLog{
		store:  store,
		ch:     make(chan engine.Notification, buffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "notification_log").Logger(),
	}
	go l.run()
	return l
}

// Notify implements engine.NotificationSink.
func (l *NotificationLog) Notify(n engine.Notification) {
	select {
	case l.ch <- n:
	default:
		l.logger.Warn().Str("topic", string(n.Topic)).Msg("Notification buffer full, dropping")
	}
}

// Close flushes buffered notifications and stops the writer.
func (l *NotificationLog) Close() {
	close(l.ch)
	<-l.done
}

func (l *NotificationLog) run() {
	defer close(l.done)
	for n := range l.ch {
		if err := l.store.AppendNotification(context.Background(), n); err != nil {
			l.logger.Error().Err(err).Str("topic", string(n.Topic)).Msg("Failed to persist notification")
		}
	}
}
