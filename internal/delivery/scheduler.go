// Package delivery transmits command sequences to remote sessions in
// paced chunks, one chunk per tick, and commits the new snapshot once a
// sequence has been sent completely.
//
// The scheduler never owns a goroutine. Every call is expected on the
// host's single command-processing loop, and a running job is resumed by
// the host invoking the callback it handed to Timer.ScheduleOnce.
package delivery

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/diffsyncd/internal/clock"
	"github.com/schaermu/diffsyncd/internal/protocol"
	"github.com/schaermu/diffsyncd/internal/snapshot"
)

// TickInterval is the delay between two ticks of a job.
const TickInterval = time.Second

// Transport hands one line to a session. A returned error aborts the
// tick that sent it.
type Transport interface {
	Send(session, line string) error
}

// Timer schedules a one-shot callback. The session scopes the callback to
// the connection it belongs to; the key routes it back to its job.
type Timer interface {
	ScheduleOnce(delay time.Duration, session string, key snapshot.Key, resume func(snapshot.Key) error)
}

// SnapshotWriter commits the content of a completed delivery.
type SnapshotWriter interface {
	Store(key snapshot.Key, lines []string) error
}

// Invalidator is implemented by snapshot writers that can mark a
// snapshot untrustworthy.
type Invalidator interface {
	Invalidate(key snapshot.Key) error
}

// Scheduler drives deliveries. It owns the job registry.
type Scheduler struct {
	registry  *Registry
	transport Transport
	timer     Timer
	sink      Sink
	logger    *slog.Logger
	observer  Observer
	clock     clock.Clock
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver registers an observer for progress notifications.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithClock sets the clock used to stamp job start times.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates a scheduler with an empty registry.
func NewScheduler(transport Transport, timer Timer, sink Sink, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:  NewRegistry(),
		transport: transport,
		timer:     timer,
		sink:      sink,
		logger:    logger,
		observer:  nopObserver{},
		clock:     clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the scheduler's job registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Submit starts a delivery and runs its first tick. An empty script
// completes immediately without registering a job or touching the
// snapshot. The returned job is valid even when the first tick fails;
// it then stays registered until Abort.
func (s *Scheduler) Submit(w SnapshotWriter, req Request) (*Job, error) {
	if existing, ok := s.registry.Lookup(req.Key); ok {
		return nil, &DuplicateJobError{Key: req.Key, Session: existing.Session, Target: existing.Target}
	}

	job := &Job{
		Key:               req.Key,
		RunID:             uuid.NewString(),
		Session:           req.Session,
		Target:            req.Target,
		Backend:           req.Backend.Name(),
		Started:           s.clock.Now(),
		newLines:          req.NewLines,
		linesPerTick:      req.Rate.LinesPerTick(),
		progressThreshold: req.ProgressEvery,
		writer:            w,
	}

	if len(req.Script) == 0 {
		job.setState(StateCompleted)
		s.logger.Debug("edit script empty, nothing to send", "key", job.Key, "run_id", job.RunID)
		s.sink.Info(doneMessage(job))
		s.observer.JobFinished(job.status())
		return job, nil
	}

	job.seq = protocol.NewSequence(req.Backend, req.Target, req.Script, req.NewLines, req.TabWidth)
	if err := s.registry.Add(job); err != nil {
		return nil, err
	}
	job.setState(StateRunning)
	s.logger.Info("delivery started",
		"key", job.Key,
		"run_id", job.RunID,
		"session", job.Session,
		"target", job.Target,
		"backend", job.Backend,
		"ops", len(req.Script),
		"lines_per_tick", job.linesPerTick)

	return job, s.tick(job)
}

// Tick runs one tick for the job registered under key. Unknown keys are
// ignored, which is how ticks of aborted jobs fizzle out. After a failed
// send the job stays registered; Tick retries the failed line first.
func (s *Scheduler) Tick(key snapshot.Key) error {
	job, ok := s.registry.Lookup(key)
	if !ok {
		return nil
	}
	return s.tick(job)
}

// resume is the scheduled continuation of job. It only runs while job is
// still the one registered under its key, so a stale callback cannot
// drive a newer job submitted after an abort.
func (s *Scheduler) resume(job *Job) func(snapshot.Key) error {
	return func(key snapshot.Key) error {
		current, ok := s.registry.Lookup(key)
		if !ok || current != job {
			return nil
		}
		job.scheduled = false
		return s.tick(job)
	}
}

func (s *Scheduler) tick(job *Job) error {
	job.ticks.Add(1)

	sent := 0
	for job.linesPerTick == 0 || sent < job.linesPerTick {
		line, ok := job.next()
		if !ok {
			break
		}
		if err := s.transport.Send(job.Session, line); err != nil {
			job.keep(line)
			s.observer.LinesSent(job.status(), sent)
			return fmt.Errorf("failed to send line %d to session %s: %w", job.TotalSent()+1, job.Session, err)
		}
		job.totalSent.Add(1)
		sent++
	}
	s.observer.LinesSent(job.status(), sent)
	s.logger.Debug("tick", "key", job.Key, "run_id", job.RunID, "sent", sent, "total", job.TotalSent())

	if job.done() {
		return s.complete(job)
	}

	total := job.TotalSent()
	if t := job.progressThreshold; t > 0 && total-job.sentSinceLastProgress >= t {
		s.sink.Info(progressMessage(job))
		job.sentSinceLastProgress = total - total%t
	}

	if !job.scheduled {
		job.scheduled = true
		s.timer.ScheduleOnce(TickInterval, job.Session, job.Key, s.resume(job))
	}
	return nil
}

func (s *Scheduler) complete(job *Job) error {
	s.registry.Remove(job.Key)

	if err := job.writer.Store(job.Key, job.newLines); err != nil {
		job.setState(StateFailed)
		s.observer.JobFinished(job.status())
		s.sink.Error(fmt.Sprintf("upload -> %s %s - sent but snapshot not saved: %v", job.Session, job.Target, err))
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	job.setState(StateCompleted)
	s.observer.JobFinished(job.status())

	s.logger.Info("delivery completed",
		"key", job.Key,
		"run_id", job.RunID,
		"lines", job.TotalSent(),
		"ticks", job.Ticks())
	s.sink.Info(doneMessage(job))
	return nil
}

// Abort removes every registered job. Lines already sent stay applied at
// the remote and the snapshots of aborted jobs are not updated. When a
// job had sent anything and its writer is an Invalidator, its snapshot is
// invalidated so the next upload of that target resyncs. Returns the
// number of jobs removed.
func (s *Scheduler) Abort() int {
	s.sink.Info("abort - aborting all in progress uploads")
	jobs := s.registry.Clear()
	for _, job := range jobs {
		job.setState(StateAborted)
		s.logger.Warn("delivery aborted",
			"key", job.Key,
			"run_id", job.RunID,
			"session", job.Session,
			"target", job.Target,
			"sent", job.TotalSent())
		if inv, ok := job.writer.(Invalidator); ok && job.TotalSent() > 0 {
			if err := inv.Invalidate(job.Key); err != nil {
				s.sink.Error(fmt.Sprintf("abort -> %s %s - %v", job.Session, job.Target, err))
			}
		}
		s.observer.JobFinished(job.status())
	}
	return len(jobs)
}

func progressMessage(job *Job) string {
	return fmt.Sprintf("- upload -> %s %s - %4d cmds sent", job.Session, job.Target, job.TotalSent())
}

func doneMessage(job *Job) string {
	return fmt.Sprintf("%% upload -> %s %s - %4d cmds sent - done", job.Session, job.Target, job.TotalSent())
}
