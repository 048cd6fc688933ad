package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
	"github.com/stackdeploy/stackdeploy/pkg/transports/ssh"
)

func newMonitorCommand() *cobra.Command {
	var (
		noProbe     bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the node health monitor",
		Long: `Run the node health monitor until interrupted.

This command:
  - Probes every node with an address over SSH and records a heartbeat
    for each node that answers
  - Marks nodes offline when their last heartbeat is older than
    health.timeout
  - Serves Prometheus metrics on telemetry.metrics.listen_address
  - Reloads release metadata on change when metadata.watch is set

With --no-probe heartbeats come only from "stackctl nodes heartbeat".`,
		Example: `  # Monitor with SSH probes and metrics on :9464
  stackctl monitor

  # Nodes report their own heartbeats
  stackctl monitor --no-probe`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{dispatch: !noProbe})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if err := a.tel.StartMetricsServer(); err != nil {
				return err
			}
			if a.metadata != nil && a.cfg.Metadata.Watch {
				err := a.metadata.Watch(ctx, func(release string) {
					log.Info().Str("release", release).Msg("Release metadata reloaded")
				})
				if err != nil {
					return err
				}
			}

			health := a.cfg.Health
			monitor := engine.NewHealthMonitor(a.store, a.sink, a.tel.Metrics, a.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return monitor.Run(gctx, health.Interval, health.Timeout)
			})
			if a.ssh != nil {
				p := &prober{
					transport:   a.ssh,
					nodes:       a.store,
					monitor:     monitor,
					timeout:     health.ProbeTimeout,
					concurrency: concurrency,
					logger:      a.logger.With().Str("component", "prober").Logger(),
				}
				g.Go(func() error {
					return p.run(gctx, health.Interval)
				})
			}
			g.Go(func() error {
				return reportNodes(gctx, a, health.Interval)
			})

			log.Info().
				Dur("interval", health.Interval).
				Dur("timeout", health.Timeout).
				Bool("probe", a.ssh != nil).
				Msg("Monitoring nodes")

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "do not probe nodes over SSH")
	cmd.Flags().IntVar(&concurrency, "probe-concurrency", 16, "maximum concurrent SSH probes")

	return cmd
}

// prober turns successful SSH probes into heartbeats.
type prober struct {
	transport   *ssh.Transport
	nodes       engine.NodeRegistry
	monitor     *engine.HealthMonitor
	timeout     time.Duration
	concurrency int
	logger      zerolog.Logger
}

func (p *prober) run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.probeAll(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Probe round failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// probeAll probes every node with an address. Unreachable nodes only miss
// their heartbeat; the health monitor decides when they go offline.
func (p *prober) probeAll(ctx context.Context) error {
	nodes, err := p.nodes.ListNodes(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.concurrency, 1))
	for _, n := range nodes {
		if n.Address == "" {
			continue
		}
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()

			if err := p.transport.Probe(probeCtx, n); err != nil {
				p.logger.Debug().Err(err).Str("node_uid", n.UID).Msg("Node did not answer probe")
				return nil
			}
			if err := p.monitor.RecordHeartbeat(gctx, n.UID, time.Now().UTC()); err != nil && !engine.IsNotFound(err) {
				p.logger.Warn().Err(err).Str("node_uid", n.UID).Msg("Failed to record heartbeat")
			}
			return nil
		})
	}
	return g.Wait()
}

// reportNodes refreshes the node gauges every interval.
func reportNodes(ctx context.Context, a *app, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		nodes, err := a.store.ListNodes(ctx)
		if err == nil {
			a.tel.Metrics.SetNodes(nodes)
		} else if ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("Failed to list nodes for metrics")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
