package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthMonitor marks nodes offline when they miss heartbeats. It is the
// only writer of Node.Online.
type HealthMonitor struct {
	store    LivenessStore
	sink     NotificationSink
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time

	// mu serializes writes to the online flag
	mu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHealthMonitor creates a monitor. sink and observer may be nil.
func NewHealthMonitor(store LivenessStore, sink NotificationSink, observer Observer, logger zerolog.Logger) *HealthMonitor {
	if sink == nil {
		sink = nopSink{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &HealthMonitor{
		store:    store,
		sink:     sink,
		observer: observer,
		logger:   logger.With().Str("component", "health_monitor").Logger(),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// UpdateNodesStatus marks every online node offline whose last heartbeat
// is older than timeout. Nodes being provisioned are exempt. A zero
// timeout marks every non-provisioning node offline. It returns the uids
// that went offline.
func (m *HealthMonitor) UpdateNodesStatus(ctx context.Context, timeout time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	now := m.now()
	offline := make([]string, 0)
	for _, n := range nodes {
		if n.Status == NodeStatusProvisioning || !n.Online {
			continue
		}
		if timeout > 0 && now.Sub(n.LastHeartbeat) <= timeout {
			continue
		}
		if err := m.store.SetNodeOnline(ctx, n.UID, false); err != nil {
			return offline, fmt.Errorf("failed to mark node %s offline: %w", n.UID, err)
		}
		offline = append(offline, n.UID)

		m.observer.NodeOffline(n.UID)
		m.sink.Notify(Notification{
			Topic:     TopicNodeOffline,
			Message:   fmt.Sprintf("node %s missed heartbeats for %s", n.UID, now.Sub(n.LastHeartbeat).Truncate(time.Second)),
			NodeUID:   n.UID,
			Timestamp: now,
		})
		m.logger.Warn().
			Str("node_uid", n.UID).
			Time("last_heartbeat", n.LastHeartbeat).
			Dur("timeout", timeout).
			Msg("Node marked offline")
	}
	return offline, nil
}

// RecordHeartbeat stores a heartbeat and brings the node back online.
func (m *HealthMonitor) RecordHeartbeat(ctx context.Context, uid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.RecordHeartbeat(ctx, uid, at); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if err := m.store.SetNodeOnline(ctx, uid, true); err != nil {
		return fmt.Errorf("failed to mark node %s online: %w", uid, err)
	}
	return nil
}

// Run calls UpdateNodesStatus every interval until ctx is cancelled or
// Stop is called.
func (m *HealthMonitor) Run(ctx context.Context, interval, timeout time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid health check interval: %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Dur("timeout", timeout).Msg("Health monitor started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			m.logger.Info().Msg("Health monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.UpdateNodesStatus(ctx, timeout); err != nil {
				m.logger.Error().Err(err).Msg("Failed to update node status")
			}
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
