package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stackdeploy/stackdeploy/pkg/config"
	"github.com/stackdeploy/stackdeploy/pkg/engine"
	"github.com/stackdeploy/stackdeploy/pkg/metadata"
	"github.com/stackdeploy/stackdeploy/pkg/policy"
	"github.com/stackdeploy/stackdeploy/pkg/stores"
	"github.com/stackdeploy/stackdeploy/pkg/telemetry"
	"github.com/stackdeploy/stackdeploy/pkg/transports/ssh"
)

// app holds the components one command invocation works with.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *stores.SQLiteStore
	notes    *stores.NotificationLog
	sink     engine.NotificationSink
	ssh      *ssh.Transport
	metadata *metadata.Loader
	gate     *policy.Engine
	orch     *engine.Orchestrator
}

type appOptions struct {
	// dispatch connects the SSH transport. Commands that only read or
	// edit state leave it off and work without SSH credentials.
	dispatch bool
}

func newApp(ctx context.Context, opts appOptions) (a *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a = &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return a, err
	}
	a.notes = stores.NewNotificationLog(a.store, cfg.Telemetry.Events.BufferSize, a.logger)
	a.sink = telemetry.MultiSink{
		tel.Events,
		a.notes,
		telemetry.LogSink{Logger: a.logger.With().Str("component", "notifications").Logger()},
	}

	var transport engine.Transport = offlineTransport{}
	if opts.dispatch {
		if a.ssh, err = ssh.NewTransport(cfg.SSHTransportConfig(), a.logger); err != nil {
			return a, err
		}
		transport = a.ssh
	}

	deps := engine.Dependencies{
		Store:      a.store,
		Nodes:      a.store,
		Attributes: a.store,
		Transport:  transport,
		Conditions: metadata.NewStarlarkEvaluator(cfg.Metadata.ConditionTimeout),
		Sink:       a.sink,
		Observer:   tel.Metrics,
	}
	if cfg.Metadata.Dir != "" {
		a.metadata = metadata.NewLoader(cfg.Metadata.Dir, a.logger)
		deps.Metadata = a.metadata
	}
	if cfg.Policy.Enabled {
		if a.gate, err = policy.NewEngine(a.logger); err != nil {
			return a, err
		}
		if cfg.Policy.Dir != "" {
			if err = a.gate.LoadPolicies(ctx, []string{cfg.Policy.Dir}); err != nil {
				return a, err
			}
		}
		deps.Gate = a.gate
	}

	if a.orch, err = engine.NewOrchestrator(cfg.EngineConfig(), deps, a.logger); err != nil {
		return a, err
	}
	return a, nil
}

// openStore opens and migrates the database.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Close releases everything newApp opened, flushing notifications first.
func (a *app) Close(ctx context.Context) {
	if a.metadata != nil {
		_ = a.metadata.Close()
	}
	if a.ssh != nil {
		if err := a.ssh.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close SSH connections")
		}
	}
	if a.notes != nil {
		a.notes.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// clusterID returns id, or the configured default when empty.
func (a *app) clusterID(id string) string {
	if id != "" {
		return id
	}
	return a.cfg.Orchestrator.ClusterID
}

// offlineTransport rejects every dispatch.
type offlineTransport struct{}

func (offlineTransport) Send(_ context.Context, node engine.Node, _ engine.Task) (engine.CompletionHandle, error) {
	return nil, engine.NewTransportError(node.UID, errors.New("ssh transport is not enabled for this command"))
}

func (offlineTransport) Cancel(engine.CompletionHandle) error { return nil }
