package telemetry

import (
	"github.com/rs/zerolog"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

// MultiSink forwards every notification to each sink in order.
type MultiSink []engine.NotificationSink

// Notify implements engine.NotificationSink.
func (m MultiSink) Notify(n engine.Notification) {
	for _, s := range m {
		if s != nil {
			s.Notify(n)
		}
	}
}

// LogSink writes notifications to a logger at their severity.
type LogSink struct {
	Logger zerolog.Logger
}

// Notify implements engine.NotificationSink.
func (s LogSink) Notify(n engine.Notification) {
	var ev *zerolog.Event
	switch n.Topic.Severity() {
	case EventLevelError:
		ev = s.Logger.Error()
	case EventLevelWarning:
		ev = s.Logger.Warn()
	default:
		ev = s.Logger.Info()
	}
	ev = ev.Str("topic", string(n.Topic))
	if n.TransactionID != "" {
		ev = ev.Str("transaction_id", n.TransactionID)
	}
	if n.NodeUID != "" {
		ev = ev.Str("node_uid", n.NodeUID)
	}
	if n.TaskID != "" {
		ev = ev.Str("task_id", n.TaskID)
	}
	ev.Msg(n.Message)
}
