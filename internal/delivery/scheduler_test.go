package delivery

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/schaermu/diffsyncd/internal/diff"
	"github.com/schaermu/diffsyncd/internal/protocol"
	"github.com/schaermu/diffsyncd/internal/snapshot"
	"github.com/schaermu/diffsyncd/internal/testutil"
)

// memWriter records committed snapshots.
type memWriter struct {
	stored map[snapshot.Key][]string
	writes int
	err    error
}

func newMemWriter() *memWriter {
	return &memWriter{stored: make(map[snapshot.Key][]string)}
}

func (w *memWriter) Store(key snapshot.Key, lines []string) error {
	w.writes++
	if w.err != nil {
		return w.err
	}
	w.stored[key] = append([]string(nil), lines...)
	return nil
}

type recordingObserver struct {
	sent     int
	finished []JobStatus
}

func (o *recordingObserver) LinesSent(_ JobStatus, n int) { o.sent += n }
func (o *recordingObserver) JobFinished(job JobStatus)    { o.finished = append(o.finished, job) }

type fixture struct {
	sched     *Scheduler
	transport *testutil.Transport
	timer     *testutil.Timer
	sink      *testutil.Sink
	writer    *memWriter
	observer  *recordingObserver
}

func newFixture() *fixture {
	f := &fixture{
		transport: testutil.NewTransport(),
		timer:     &testutil.Timer{},
		sink:      &testutil.Sink{},
		writer:    newMemWriter(),
		observer:  &recordingObserver{},
	}
	f.sched = NewScheduler(f.transport, f.timer, f.sink, testutil.Logger(), WithObserver(f.observer))
	return f
}

// insertRequest builds a request whose list-dialect command sequence is
// exactly n lines long (header, insert open, n-3 content lines, close).
func insertRequest(t *testing.T, session, target string, n int) Request {
	t.Helper()
	if n < 4 {
		t.Fatalf("sequence of %d lines is too short", n)
	}
	backend, err := protocol.Lookup("list")
	if err != nil {
		t.Fatal(err)
	}
	lines := make([]string, n-3)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	return Request{
		Key:      snapshot.KeyFor(session, target),
		Session:  session,
		Target:   target,
		Backend:  backend,
		Script:   []diff.EditOp{diff.InsertOp(1, 1, len(lines))},
		NewLines: lines,
		TabWidth: 4,
		Rate:     Immediate,
	}
}

func TestSubmitImmediate(t *testing.T) {
	f := newFixture()
	req := insertRequest(t, "w", "#1", 10)

	job, err := f.sched.Submit(f.writer, req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.State() != StateCompleted {
		t.Errorf("state = %s, want completed", job.State())
	}
	if got := len(f.transport.Sent("w")); got != 10 {
		t.Errorf("sent %d lines, want 10", got)
	}
	if len(f.timer.Pending) != 0 {
		t.Errorf("unpaced job scheduled %d ticks", len(f.timer.Pending))
	}
	if !reflect.DeepEqual(f.writer.stored[req.Key], req.NewLines) {
		t.Errorf("snapshot = %q, want %q", f.writer.stored[req.Key], req.NewLines)
	}
	if f.sched.Registry().Len() != 0 {
		t.Error("completed job still registered")
	}
	if last := f.sink.Infos[len(f.sink.Infos)-1]; !strings.Contains(last, "10 cmds sent - done") {
		t.Errorf("completion message = %q", last)
	}
}

func TestPacing(t *testing.T) {
	f := newFixture()
	req := insertRequest(t, "w", "#1", 10)
	req.Rate = 3

	job, err := f.sched.Submit(f.writer, req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	var perTick []int
	prev := 0
	record := func() {
		n := len(f.transport.Sent("w"))
		perTick = append(perTick, n-prev)
		prev = n
	}
	record()
	for len(f.timer.Pending) > 0 {
		if job.State() != StateRunning {
			t.Fatalf("job state %s before the last tick", job.State())
		}
		if f.writer.writes != 0 {
			t.Fatal("snapshot written before completion")
		}
		if f.timer.Pending[0].Delay != TickInterval {
			t.Errorf("tick delay = %v, want %v", f.timer.Pending[0].Delay, TickInterval)
		}
		if _, err := f.timer.RunNext(); err != nil {
			t.Fatal(err)
		}
		record()
	}

	if want := []int{3, 3, 3, 1}; !reflect.DeepEqual(perTick, want) {
		t.Errorf("lines per tick = %v, want %v", perTick, want)
	}
	if job.Ticks() != 4 {
		t.Errorf("ticks = %d, want 4", job.Ticks())
	}
	if job.State() != StateCompleted || f.writer.writes != 1 {
		t.Errorf("state = %s, writes = %d", job.State(), f.writer.writes)
	}
}

func TestPacingExactMultiple(t *testing.T) {
	f := newFixture()
	req := insertRequest(t, "w", "#1", 9)
	req.Rate = 3

	job, err := f.sched.Submit(f.writer, req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.timer.Drain(); err != nil {
		t.Fatal(err)
	}
	if job.Ticks() != 3 {
		t.Errorf("ticks = %d, want 3", job.Ticks())
	}
}

func TestProgressCadence(t *testing.T) {
	f := newFixture()
	req := insertRequest(t, "w", "#1", 12)
	req.Rate = 1
	req.ProgressEvery = 5

	if _, err := f.sched.Submit(f.writer, req); err != nil {
		t.Fatal(err)
	}
	if _, err := f.timer.Drain(); err != nil {
		t.Fatal(err)
	}

	var progress []string
	for _, msg := range f.sink.Infos {
		if strings.HasPrefix(msg, "- upload") {
			progress = append(progress, msg)
		}
	}
	want := []string{
		"- upload -> w #1 -    5 cmds sent",
		"- upload -> w #1 -   10 cmds sent",
	}
	if !reflect.DeepEqual(progress, want) {
		t.Errorf("progress = %q, want %q", progress, want)
	}
	if last := f.sink.Infos[len(f.sink.Infos)-1]; last != "% upload -> w #1 -   12 cmds sent - done" {
		t.Errorf("completion message = %q", last)
	}
}

func TestProgressBaseRoundsDown(t *testing.T) {
	f := newFixture()
	req := insertRequest(t, "w", "#1", 20)
	req.Rate = 3
	req.ProgressEvery = 5

	if _, err := f.sched.Submit(f.writer, req); err != nil {
		t.Fatal(err)
	}
	if _, err := f.timer.Drain(); err != nil {
		t.Fatal(err)
	}
	// Totals per tick: 3 6 9 12 15 18 20. Reports fire at 6 (base 5),
	// 12 (base 10) and 15 (base 15); 18 is only 3 past the base.
	var counts []string
	for _, msg := range f.sink.Infos {
		if strings.HasPrefix(msg, "- upload") {
			counts = append(counts, strings.Fields(msg)[6])
		}
	}
	if want := []string{"6", "12", "15"}; !reflect.DeepEqual(counts, want) {
		t.Errorf("progress counts = %v, want %v", counts, want)
	}
}

func TestEmptyScript(t *testing.T) {
	f := newFixture()
	req := insertRequest(t, "w", "#1", 4)
	req.Script = nil

	job, err := f.sched.Submit(f.writer, req)
	if err != nil {
		t.Fatal(err)
	}
	if job.State() != StateCompleted {
		t.Errorf("state = %s, want completed", job.State())
	}
	if len(f.transport.Sent("w")) != 0 {
		t.Error("empty script transmitted lines")
	}
	if f.writer.writes != 0 {
		t.Error("empty script wrote a snapshot")
	}
	if f.sched.Registry().Len() != 0 {
		t.Error("empty script registered a job")
	}
	if len(f.sink.Infos) != 1 || !strings.Contains(f.sink.Infos[0], "0 cmds sent - done") {
		t.Errorf("messages = %q", f.sink.Infos)
	}
}

func TestDuplicateRejectedUntilAbort(t *testing.T) {
	f := newFixture()
	req := insertRequest(t, "w", "#1", 10)
	req.Rate = 2

	if _, err := f.sched.Submit(f.writer, req); err != nil {
		t.Fatal(err)
	}

	_, err := f.sched.Submit(f.writer, req)
	var dup *DuplicateJobError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateJobError, got %v", err)
	}
	if dup.Key != req.Key || dup.Session != "w" || dup.Target != "#1" {
		t.Errorf("unexpected duplicate error fields: %+v", dup)
	}

	// A different target in the same session is independent.
	other := insertRequest(t, "w", "#2", 10)
	other.Rate = 2
	if _, err := f.sched.Submit(f.writer, other); err != nil {
		t.Fatalf("independent submit failed: %v", err)
	}

	if n := f.sched.Abort(); n != 2 {
		t.Errorf("Abort removed %d jobs, want 2", n)
	}
	if _, err := f.sched.Submit(f.writer, req); err != nil {
		t.Fatalf("resubmit after abort failed: %v", err)
	}
}

func TestAbortSkipsFinalize(t *testing.T) {
	f := newFixture()
	req := insertRequest(t, "w", "#1", 10)
	req.Rate = 3

	job, err := f.sched.Submit(f.writer, req)
	if err != nil {
		t.Fatal(err)
	}
	f.sched.Abort()
	if job.State() != StateAborted {
		t.Errorf("state = %s, want aborted", job.State())
	}

	if _, err := f.timer.Drain(); err != nil {
		t.Fatal(err)
	}
	if got := len(f.transport.Sent("w")); got != 3 {
		t.Errorf("sent %d lines, want only the first tick's 3", got)
	}
	if f.writer.writes != 0 {
		t.Error("aborted job wrote a snapshot")
	}
	if len(f.observer.finished) != 1 || f.observer.finished[0].State != "aborted" {
		t.Errorf("observer saw %+v", f.observer.finished)
	}
}

func TestStaleTickDoesNotDriveNewJob(t *testing.T) {
	f := newFixture()
	req := insertRequest(t, "w", "#1", 10)
	req.Rate = 3

	if _, err := f.sched.Submit(f.writer, req); err != nil {
		t.Fatal(err)
	}
	f.sched.Abort()
	second, err := f.sched.Submit(f.writer, req)
	if err != nil {
		t.Fatal(err)
	}

	// The first pending callback belongs to the aborted job.
	if _, err := f.timer.RunNext(); err != nil {
		t.Fatal(err)
	}
	if second.Ticks() != 1 {
		t.Errorf("stale callback ticked the new job: ticks = %d", second.Ticks())
	}
}

func TestTickUnknownKey(t *testing.T) {
	f := newFixture()
	if err := f.sched.Tick(snapshot.KeyFor("w", "nope")); err != nil {
		t.Errorf("Tick on unknown key returned %v", err)
	}
}

func TestTransportFailureLeavesJobRegistered(t *testing.T) {
	f := newFixture()
	f.transport.FailAfter = 4
	req := insertRequest(t, "w", "#1", 10)
	req.Rate = 3

	if _, err := f.sched.Submit(f.writer, req); err != nil {
		t.Fatal(err)
	}
	_, err := f.timer.RunNext()
	if !errors.Is(err, testutil.ErrSendFailed) {
		t.Fatalf("expected transport error from tick, got %v", err)
	}
	if !f.sched.Registry().Has(req.Key) {
		t.Error("job should stay registered after a transport failure")
	}
	if f.writer.writes != 0 {
		t.Error("failed job wrote a snapshot")
	}

	_, err = f.sched.Submit(f.writer, req)
	var dup *DuplicateJobError
	if !errors.As(err, &dup) {
		t.Errorf("stuck job should block resubmission, got %v", err)
	}
}

func TestTickRetriesFailedLine(t *testing.T) {
	f := newFixture()
	f.transport.FailAfter = 4
	req := insertRequest(t, "w", "#1", 10)
	want := protocol.NewSequence(req.Backend, req.Target, req.Script, req.NewLines, req.TabWidth).Collect()

	if _, err := f.sched.Submit(f.writer, req); !errors.Is(err, testutil.ErrSendFailed) {
		t.Fatalf("expected transport error, got %v", err)
	}

	f.transport.FailAfter = 0
	if err := f.sched.Tick(req.Key); err != nil {
		t.Fatalf("Tick after recovery: %v", err)
	}
	got := f.transport.Sent("w")
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("sent %q, want %q", got, want)
	}
	if f.sched.Registry().Has(req.Key) || f.writer.writes != 1 {
		t.Error("job should complete once every line was sent")
	}
}

func TestSnapshotWriteFailure(t *testing.T) {
	f := newFixture()
	f.writer.err = errors.New("disk full")
	req := insertRequest(t, "w", "#1", 5)

	_, err := f.sched.Submit(f.writer, req)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected snapshot error, got %v", err)
	}
	if f.sched.Registry().Len() != 0 {
		t.Error("job should not be re-registered after a snapshot failure")
	}
	if len(f.sink.Errors) != 1 {
		t.Errorf("expected one error message, got %q", f.sink.Errors)
	}
	if len(f.observer.finished) != 1 || f.observer.finished[0].State != "failed" {
		t.Errorf("expected one failed job, got %+v", f.observer.finished)
	}
}

func TestPacedSnapshotWriteFailure(t *testing.T) {
	f := newFixture()
	f.writer.err = errors.New("read-only file system")
	req := insertRequest(t, "w", "#1", 5)
	req.Rate = 3

	job, err := f.sched.Submit(f.writer, req)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if len(f.observer.finished) != 0 {
		t.Fatalf("job finished before its last tick: %+v", f.observer.finished)
	}

	_, err = f.timer.Drain()
	if err == nil || !strings.Contains(err.Error(), "read-only") {
		t.Fatalf("expected snapshot error from last tick, got %v", err)
	}
	if job.State() != StateFailed {
		t.Errorf("state = %s, want failed", job.State())
	}
	if len(f.observer.finished) != 1 || f.observer.finished[0].State != "failed" {
		t.Errorf("expected one failed job, got %+v", f.observer.finished)
	}
	for _, msg := range f.sink.Infos {
		if strings.Contains(msg, "done") {
			t.Errorf("unexpected completion message %q", msg)
		}
	}
}

func TestRegistryStatus(t *testing.T) {
	f := newFixture()
	req := insertRequest(t, "w", "#1", 10)
	req.Rate = 4
	job, err := f.sched.Submit(f.writer, req)
	if err != nil {
		t.Fatal(err)
	}

	status := f.sched.Registry().Status()
	if len(status) != 1 {
		t.Fatalf("expected 1 status entry, got %d", len(status))
	}
	st := status[0]
	if st.RunID != job.RunID || st.Sent != 4 || st.State != "running" || st.LinesPerTick != 4 {
		t.Errorf("unexpected status %+v", st)
	}
}

type invalidatingWriter struct {
	*memWriter
	invalidated []snapshot.Key
}

func (w *invalidatingWriter) Invalidate(key snapshot.Key) error {
	w.invalidated = append(w.invalidated, key)
	return nil
}

func TestAbortInvalidatesPartiallySentSnapshots(t *testing.T) {
	f := newFixture()
	w := &invalidatingWriter{memWriter: newMemWriter()}
	req := insertRequest(t, "w", "#1", 10)
	req.Rate = 3

	if _, err := f.sched.Submit(w, req); err != nil {
		t.Fatal(err)
	}
	f.sched.Abort()
	if len(w.invalidated) != 1 || w.invalidated[0] != req.Key {
		t.Errorf("invalidated = %v, want [%s]", w.invalidated, req.Key)
	}
}
