package stores

import (
	"context"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

// Store is the full persistence surface backing a deployment controller.
type Store interface {
	engine.Persistence
	engine.NodeRegistry
	engine.LivenessStore
	engine.ClusterAttributes

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	ListTransactions(ctx context.Context, limit, offset int) ([]*engine.Transaction, error)

	// Node inventory
	AddNode(ctx context.Context, node *engine.Node) error
	RemoveNode(ctx context.Context, uid string) error

	// Cluster attributes
	SetAttribute(ctx context.Context, clusterID, key, value string) error
	DeleteAttribute(ctx context.Context, clusterID, key string) error

	// Notifications
	AppendNotification(ctx context.Context, n engine.Notification) error
	ListNotifications(ctx context.Context, transactionID string, limit int) ([]engine.Notification, error)
}

var _ Store = (*SQLiteStore)(nil)
