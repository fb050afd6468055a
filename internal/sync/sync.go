// Package sync turns upload requests into deliveries: it resolves the
// session and backend, diffs the local file against the recorded snapshot
// and submits the resulting script to the delivery scheduler.
package sync

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/schaermu/diffsyncd/internal/config"
	"github.com/schaermu/diffsyncd/internal/delivery"
	"github.com/schaermu/diffsyncd/internal/diff"
	"github.com/schaermu/diffsyncd/internal/protocol"
	"github.com/schaermu/diffsyncd/internal/snapshot"
)

// ErrFileNotFound is returned when the local file of an upload is missing
// or is not a regular file.
var ErrFileNotFound = errors.New("file not found")

// ErrNoSession is returned when neither the request nor the session
// source names a session.
var ErrNoSession = errors.New("no current session")

// SessionSource reports the session uploads go to when the request does
// not name one.
type SessionSource interface {
	CurrentSession() (string, error)
}

// StaticSession is a SessionSource that always returns the same name.
type StaticSession string

func (s StaticSession) CurrentSession() (string, error) {
	if s == "" {
		return "", ErrNoSession
	}
	return string(s), nil
}

// Settings are the process-wide values consumed by every upload.
type Settings struct {
	StoreDir    string
	TabWidth    int
	DefaultRate delivery.Rate
}

// SettingsFromConfig extracts the engine settings of cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		StoreDir:    cfg.StoreDir,
		TabWidth:    cfg.TabWidthValue(),
		DefaultRate: cfg.DefaultRateValue(),
	}
}

// Request describes one upload.
type Request struct {
	// Backend names the editor dialect, see protocol.Names.
	Backend string
	Target  string
	File    string

	// Session overrides the current session when set.
	Session string
	// Rate overrides the default rate when non-nil.
	Rate *delivery.Rate
	// Raw forces a full resync.
	Raw bool
	// ProgressEvery is the number of lines between progress reports,
	// 0 disabling them.
	ProgressEvery int
}

// Engine runs uploads. Like the scheduler it wraps, it is not safe for
// concurrent use and is driven from the host loop.
type Engine struct {
	fs       afero.Fs
	settings Settings
	sched    *delivery.Scheduler
	sessions SessionSource
	logger   *slog.Logger
}

// NewEngine creates an engine reading local files and snapshots from fs.
func NewEngine(settings Settings, fs afero.Fs, sched *delivery.Scheduler, sessions SessionSource, logger *slog.Logger) *Engine {
	if sessions == nil {
		sessions = StaticSession("")
	}
	return &Engine{
		fs:       fs,
		settings: settings,
		sched:    sched,
		sessions: sessions,
		logger:   logger,
	}
}

// Settings returns the current settings.
func (e *Engine) Settings() Settings { return e.settings }

// Scheduler returns the scheduler uploads are submitted to.
func (e *Engine) Scheduler() *delivery.Scheduler { return e.sched }

// SetStoreDir changes the snapshot directory for subsequent uploads.
func (e *Engine) SetStoreDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("store directory must not be empty")
	}
	e.settings.StoreDir = dir
	e.logger.Info("store directory changed", "dir", dir)
	return nil
}

// SetTabWidth changes the tab expansion width for subsequent uploads.
// Zero disables expansion.
func (e *Engine) SetTabWidth(n int) error {
	if n < 0 {
		return fmt.Errorf("tab width must not be negative, got %d", n)
	}
	e.settings.TabWidth = n
	e.logger.Info("tab width changed", "tab_width", n)
	return nil
}

// SetDefaultRate changes the rate used by uploads that do not name one.
func (e *Engine) SetDefaultRate(r delivery.Rate) {
	e.settings.DefaultRate = r
	e.logger.Info("default rate changed", "rate", r.String())
}

// Store returns the snapshot store for the current settings.
func (e *Engine) Store() *snapshot.Store {
	return snapshot.NewStore(e.fs, e.settings.StoreDir)
}

// CheckFile returns ErrFileNotFound unless path is a regular file. It
// only reads the engine's filesystem and is safe to call off the loop.
func (e *Engine) CheckFile(path string) error {
	info, err := e.fs.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFileNotFound, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrFileNotFound, path)
	}
	return nil
}

// Plan validates req and computes its edit script without submitting it.
// Validation failures leave no trace: nothing is sent or written.
func (e *Engine) Plan(req Request) (*Plan, error) {
	backend, err := protocol.Lookup(req.Backend)
	if err != nil {
		return nil, err
	}

	if err := e.CheckFile(req.File); err != nil {
		return nil, err
	}

	session := req.Session
	if session == "" {
		if session, err = e.sessions.CurrentSession(); err != nil {
			return nil, fmt.Errorf("failed to resolve session: %w", err)
		}
	}
	key := snapshot.KeyFor(session, req.Target)

	if existing, ok := e.sched.Registry().Lookup(key); ok {
		return nil, &delivery.DuplicateJobError{Key: key, Session: existing.Session, Target: existing.Target}
	}

	data, err := afero.ReadFile(e.fs, req.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", req.File, err)
	}
	newLines := snapshot.SplitLines(string(data))

	store := e.Store()
	resync := req.Raw
	oldLines, err := store.Load(key)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		resync = true
	case err != nil:
		return nil, err
	}

	return &Plan{
		Key:      key,
		Session:  session,
		Target:   req.Target,
		File:     req.File,
		Backend:  backend,
		Resync:   resync,
		OldLines: oldLines,
		NewLines: newLines,
		Script:   diff.Script(oldLines, newLines, resync),
	}, nil
}

// Upload plans req and submits it. The returned job has either completed
// (empty script or immediate rate) or is registered and ticking.
func (e *Engine) Upload(req Request) (*delivery.Job, error) {
	rate := e.settings.DefaultRate
	if req.Rate != nil {
		rate = *req.Rate
	}
	if req.ProgressEvery < 0 {
		return nil, fmt.Errorf("progress interval must not be negative, got %d", req.ProgressEvery)
	}

	plan, err := e.Plan(req)
	if err != nil {
		return nil, err
	}

	deleted, inserted := plan.Counts()
	e.logger.Info("upload planned",
		"key", plan.Key,
		"session", plan.Session,
		"target", plan.Target,
		"backend", plan.Backend.Name(),
		"resync", plan.Resync,
		"ops", len(plan.Script),
		"deleted", deleted,
		"inserted", inserted)

	return e.sched.Submit(e.Store(), delivery.Request{
		Key:           plan.Key,
		Session:       plan.Session,
		Target:        plan.Target,
		Backend:       plan.Backend,
		Script:        plan.Script,
		NewLines:      plan.NewLines,
		TabWidth:      e.settings.TabWidth,
		Rate:          rate,
		ProgressEvery: req.ProgressEvery,
	})
}

// Abort cancels every running upload and returns how many were removed.
func (e *Engine) Abort() int {
	return e.sched.Abort()
}

// Commands renders the full command sequence of plan, for dry runs.
func (e *Engine) Commands(plan *Plan) []string {
	return protocol.NewSequence(plan.Backend, plan.Target, plan.Script, plan.NewLines, e.settings.TabWidth).Collect()
}

// LogPlan logs the edit script of plan at debug level.
func (e *Engine) LogPlan(plan *Plan) {
	for _, op := range plan.Script {
		e.logger.Debug("[dry-run] would apply", "key", plan.Key, "op", op.String())
	}
}
