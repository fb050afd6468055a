package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/diffsyncd/internal/clock"
	"github.com/schaermu/diffsyncd/internal/config"
	"github.com/schaermu/diffsyncd/internal/delivery"
	"github.com/schaermu/diffsyncd/internal/host"
	"github.com/schaermu/diffsyncd/internal/snapshot"
	dsync "github.com/schaermu/diffsyncd/internal/sync"
	"github.com/schaermu/diffsyncd/internal/transport"
)

// progressFromConfig is the --progress value meaning "use progress_every".
const progressFromConfig = -1

var (
	uploadRate     delivery.Rate
	uploadRaw      bool
	uploadProgress int
	uploadSession  string
	uploadDryRun   bool
	uploadEcho     bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <editor> <target> <file>",
	Short: "Upload a local file to a remote target",
	Long: `Upload diffs file against the content last uploaded to target on the session
and sends the commands needed to bring the remote up to date, paced at --rate
lines per second. The first upload of a target, and any upload with --raw,
clears the remote content and sends the whole file.

Editors: ` + editorNames() + `.

Interrupting an upload aborts it. The remote then holds a partial edit and the
next upload of the target resends everything.`,
	Args: cobra.ExactArgs(3),
	RunE: runUpload,
}

func init() {
	f := uploadCmd.Flags()
	f.Var(&uploadRate, "rate", "lines per second, or 'immediate' (default from config)")
	f.BoolVar(&uploadRaw, "raw", false, "clear the remote content and send the whole file")
	f.IntVar(&uploadProgress, "progress", 0, "report progress every N lines (bare flag uses progress_every from config)")
	f.Lookup("progress").NoOptDefVal = fmt.Sprint(progressFromConfig)
	f.StringVar(&uploadSession, "session", "", "session to upload to (default from config)")
	f.BoolVar(&uploadDryRun, "dry-run", false, "print the commands instead of sending them")
	f.BoolVar(&uploadEcho, "echo", false, "copy session output to stderr")
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	req := dsync.Request{
		Backend:       args[0],
		Target:        args[1],
		File:          args[2],
		Session:       uploadSession,
		Raw:           uploadRaw,
		ProgressEvery: uploadProgress,
	}
	if cmd.Flags().Changed("rate") {
		r := uploadRate
		req.Rate = &r
	}
	if req.ProgressEvery == progressFromConfig {
		req.ProgressEvery = cfg.ProgressEveryValue()
	}

	fs := afero.NewOsFs()
	if uploadDryRun {
		return dryRun(cfg, logger, fs, cmd.OutOrStdout(), req)
	}

	echo := io.Discard
	if uploadEcho {
		echo = os.Stderr
	}
	pool := transport.NewPool(cfg.Sessions, transport.Dial(echo), logger)
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warn("failed to close sessions", "error", err)
		}
	}()

	status, err := runUploadJob(ctx, cfg, logger, pool, fs, clock.Real(), req)
	if err != nil {
		logger.Error("upload failed", "target", req.Target, "sent", status.Sent, "error", err)
		return err
	}
	return nil
}

// dryRun prints the commands an upload would send without sending them
// or touching the snapshot.
func dryRun(cfg *config.Config, logger *slog.Logger, fs afero.Fs, out io.Writer, req dsync.Request) error {
	sched := delivery.NewScheduler(nil, nil, delivery.LogSink{Logger: logger}, logger)
	engine := dsync.NewEngine(dsync.SettingsFromConfig(cfg), fs, sched, dsync.StaticSession(cfg.DefaultSession), logger)

	plan, err := engine.Plan(req)
	if err != nil {
		return err
	}
	engine.LogPlan(plan)

	w := &transport.Writer{W: out}
	for _, line := range engine.Commands(plan) {
		if err := w.Send(plan.Session, line); err != nil {
			return err
		}
	}
	logger.Info("[dry-run] complete, nothing sent", "target", plan.Target, "resync", plan.Resync)
	return nil
}

// finishWatcher signals when the job of this invocation leaves the
// registry.
type finishWatcher struct {
	done chan delivery.JobStatus
}

func (w finishWatcher) LinesSent(delivery.JobStatus, int) {}

func (w finishWatcher) JobFinished(job delivery.JobStatus) {
	select {
	case w.done <- job:
	default:
	}
}

// runUploadJob runs one upload on a private host loop and waits until it
// completes, fails or ctx is cancelled. Failure and cancellation abort
// the job.
func runUploadJob(ctx context.Context, cfg *config.Config, logger *slog.Logger, tr delivery.Transport, fs afero.Fs, clk clock.Clock, req dsync.Request) (delivery.JobStatus, error) {
	loop := host.New(clk, logger)
	tickErr := make(chan error, 1)
	loop.OnError(func(session string, key snapshot.Key, err error) {
		select {
		case tickErr <- err:
		default:
		}
	})

	watcher := finishWatcher{done: make(chan delivery.JobStatus, 1)}
	sched := delivery.NewScheduler(tr, loop, delivery.LogSink{Logger: logger}, logger, delivery.WithObserver(watcher))
	engine := dsync.NewEngine(dsync.SettingsFromConfig(cfg), fs, sched, dsync.StaticSession(cfg.DefaultSession), logger)

	loopCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go loop.Run(loopCtx)

	abort := func() {
		_ = loop.Do(loopCtx, func() error {
			engine.Abort()
			return nil
		})
	}

	var job *delivery.Job
	err := loop.Do(loopCtx, func() error {
		var err error
		job, err = engine.Upload(req)
		return err
	})
	if err != nil {
		if job == nil {
			return delivery.JobStatus{}, err
		}
		abort()
		return job.Status(), err
	}
	if job.State() == delivery.StateCompleted {
		return job.Status(), nil
	}

	select {
	case status := <-watcher.done:
		if status.State != delivery.StateFailed.String() {
			return status, nil
		}
		// The error of the failed tick follows its JobFinished.
		select {
		case err := <-tickErr:
			return status, err
		case <-ctx.Done():
			return status, fmt.Errorf("upload %s: snapshot not saved", req.Target)
		}
	case err := <-tickErr:
		abort()
		return job.Status(), err
	case <-ctx.Done():
		abort()
		return job.Status(), fmt.Errorf("upload interrupted: %w", ctx.Err())
	}
}
