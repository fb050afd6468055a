package delivery

import (
	"sync/atomic"
	"time"

	"github.com/schaermu/diffsyncd/internal/diff"
	"github.com/schaermu/diffsyncd/internal/protocol"
	"github.com/schaermu/diffsyncd/internal/snapshot"
)

// State is the lifecycle state of a Job.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateAborted
	// StateFailed marks a job whose lines were all sent but whose
	// snapshot could not be saved.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request describes one delivery to submit.
type Request struct {
	Key     snapshot.Key
	Session string
	Target  string
	Backend protocol.Backend
	Script  []diff.EditOp
	// NewLines is the content the script produces. It becomes the
	// snapshot once every command has been sent.
	NewLines []string
	TabWidth int
	Rate     Rate
	// ProgressEvery is the number of lines between progress reports,
	// 0 disabling them.
	ProgressEvery int
}

// Job is one delivery in flight. Its counters are written only from the
// host loop and read atomically by status readers.
type Job struct {
	Key     snapshot.Key
	RunID   string
	Session string
	Target  string
	Backend string
	Started time.Time

	seq               *protocol.Sequence
	retry             string
	hasRetry          bool
	newLines          []string
	linesPerTick      int
	progressThreshold int

	totalSent             atomic.Int64
	sentSinceLastProgress int
	ticks                 atomic.Int64
	state                 atomic.Int32
	scheduled             bool
	writer                SnapshotWriter
}

// TotalSent returns the number of lines transmitted so far.
func (j *Job) TotalSent() int { return int(j.totalSent.Load()) }

// Ticks returns the number of ticks that ran for the job.
func (j *Job) Ticks() int { return int(j.ticks.Load()) }

// State returns the job's lifecycle state.
func (j *Job) State() State { return State(j.state.Load()) }

// LinesPerTick returns the job's chunk size, 0 meaning unpaced.
func (j *Job) LinesPerTick() int { return j.linesPerTick }

func (j *Job) setState(s State) { j.state.Store(int32(s)) }

// next returns the line to send next. A line whose send failed comes
// before the rest of the sequence.
func (j *Job) next() (string, bool) {
	if j.hasRetry {
		j.hasRetry = false
		return j.retry, true
	}
	return j.seq.Next()
}

func (j *Job) keep(line string) {
	j.retry, j.hasRetry = line, true
}

func (j *Job) done() bool { return !j.hasRetry && j.seq.Done() }

// JobStatus is a read-only view of a Job.
type JobStatus struct {
	Key          snapshot.Key `json:"key"`
	RunID        string       `json:"run_id"`
	Session      string       `json:"session"`
	Target       string       `json:"target"`
	Backend      string       `json:"backend"`
	State        string       `json:"state"`
	Sent         int          `json:"sent"`
	Ticks        int          `json:"ticks"`
	LinesPerTick int          `json:"lines_per_tick"`
	Started      time.Time    `json:"started"`
}

func (j *Job) status() JobStatus {
	return JobStatus{
		Key:          j.Key,
		RunID:        j.RunID,
		Session:      j.Session,
		Target:       j.Target,
		Backend:      j.Backend,
		State:        j.State().String(),
		Sent:         j.TotalSent(),
		Ticks:        j.Ticks(),
		LinesPerTick: j.linesPerTick,
		Started:      j.Started,
	}
}

// Status returns a read-only view of the job.
func (j *Job) Status() JobStatus { return j.status() }
