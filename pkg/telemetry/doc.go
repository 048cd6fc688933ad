// Package telemetry provides observability for the deployment controller.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// The engine reports through two interfaces: Metrics implements
// engine.Observer and EventPublisher implements engine.NotificationSink.
// Tracing is picked up through the global tracer provider that NewTracer
// installs, so engine spans appear once tracing is enabled.
//
//	orch, err := engine.NewOrchestrator(cfg, engine.Dependencies{
//	    Observer: tel.Metrics,
//	    Sink:     telemetry.MultiSink{tel.Events, telemetry.LogSink{Logger: log}},
//	    ...
//	}, log)
//
// # Metrics
//
// All metrics live under the configured namespace:
//
//	transactions_started_total, transactions_finished_total{status}
//	transaction_duration_seconds{status}, active_transactions
//	stage_duration_seconds{stage}
//	task_runs_total{type,status}, task_run_duration_seconds{type}
//	nodes_offline_total{node_uid}, nodes{status,online}
//	errors_by_class_total{class}, errors_by_code_total{code}
//
// # Events
//
// Events are buffered and delivered to subscribers from a single
// goroutine. When the buffer is full new events are dropped and counted;
// publishing never blocks the engine.
package telemetry
