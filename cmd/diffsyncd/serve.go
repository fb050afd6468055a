package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/diffsyncd/internal/activation"
	"github.com/schaermu/diffsyncd/internal/clock"
	"github.com/schaermu/diffsyncd/internal/delivery"
	"github.com/schaermu/diffsyncd/internal/host"
	"github.com/schaermu/diffsyncd/internal/metrics"
	"github.com/schaermu/diffsyncd/internal/protocol"
	dsync "github.com/schaermu/diffsyncd/internal/sync"
	"github.com/schaermu/diffsyncd/internal/transport"
	"github.com/schaermu/diffsyncd/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload daemon",
	Long: `Serve runs a long-running daemon that accepts signed upload, abort and
configuration requests over HTTP and keeps session connections open between
uploads. Uploads of the same target arriving in quick succession are coalesced.

The daemon listens on serve.listen_addr, or on the socket passed by systemd
socket activation.`,
	RunE: runServe,
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort all uploads running in the daemon",
	Long: `Abort stops every upload in progress. Lines already sent stay applied on the
remote; the next upload of an aborted target resends everything.`,
	Args: cobra.NoArgs,
	RunE: runAbort,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List uploads running in the daemon",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Serve.SecretFile == "" {
		return fmt.Errorf("serve.secret_file is required to run the daemon")
	}

	loop := host.New(clock.Real(), logger)
	pool := transport.NewPool(cfg.Sessions, transport.Dial(io.Discard), logger)
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warn("failed to close sessions", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	var sched *delivery.Scheduler
	collector, err := metrics.New(reg, func() int { return sched.Registry().Len() })
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	sched = delivery.NewScheduler(pool, loop, delivery.LogSink{Logger: logger}, logger,
		delivery.WithObserver(delivery.Observers{collector}))

	engine := dsync.NewEngine(dsync.SettingsFromConfig(cfg), afero.NewOsFs(), sched,
		dsync.StaticSession(cfg.DefaultSession), logger)

	server, err := webhook.NewServer(cfg.Serve, engine, loop, logger,
		webhook.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	if err != nil {
		return fmt.Errorf("failed to create control server: %w", err)
	}

	ln, inherited, err := activation.Listen(cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	logger.Info("daemon starting",
		"addr", ln.Addr().String(),
		"socket_activated", inherited,
		"sessions", cfg.SessionNames(),
		"editors", protocol.Names())

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go loop.Run(loopCtx)

	if err := server.Serve(ctx, ln); err != nil {
		return fmt.Errorf("control server failed: %w", err)
	}

	if n := sched.Registry().Len(); n > 0 {
		_ = loop.Do(loopCtx, func() error {
			engine.Abort()
			return nil
		})
		logger.Warn("aborted uploads on shutdown", "count", n)
	}
	return nil
}

// newClient builds a daemon client from the serve configuration.
func newClient() (*webhook.Client, error) {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Serve.ListenAddr == "" || cfg.Serve.SecretFile == "" {
		return nil, nil
	}
	secret, err := webhook.LoadSecret(cfg.Serve.SecretFile)
	if err != nil {
		return nil, err
	}
	return webhook.NewClient(cfg.Serve.ListenAddr, secret), nil
}

func runAbort(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if client == nil {
		// No daemon configured: nothing can be running.
		_, _ = fmt.Fprintln(out, "abort - aborting all in progress uploads (0 aborted)")
		return nil
	}

	n, err := client.Abort(cmd.Context())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "abort - aborting all in progress uploads (%d aborted)\n", n)
	return nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if client == nil {
		return fmt.Errorf("serve.listen_addr and serve.secret_file must be configured")
	}

	jobs, err := client.Jobs(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, j := range jobs {
		_, _ = fmt.Fprintf(out, "%s %s %s %s %d sent\n", j.RunID, j.Session, j.Target, j.Backend, j.Sent)
	}
	return nil
}

func editorNames() string {
	return strings.Join(protocol.Names(), ", ")
}
