//go:build integration

package tier1

import (
	"context"
	"net"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/diffsyncd/internal/protocol/protocoltest"
	"github.com/schaermu/diffsyncd/internal/snapshot"
	"github.com/schaermu/diffsyncd/internal/webhook"
)

const (
	testTarget  = "#100"
	testEditor  = "muf"
	testSession = "muck"
	testFile    = "prog.muf"
)

var (
	versionOne = []string{
		": greet",
		"\tme @ swap notify",
		";",
		"",
		": main",
		"\tme @ \"Hello\" greet",
		"\tme @ \"Bye\" greet",
		";",
	}
	versionTwo = []string{
		": greet",
		"\tme @ swap notify",
		";",
		"",
		": main",
		"\tme @ \"Hello, world\" greet",
		"\tme @ \"Bye\" greet",
		";",
	}
)

func TestTier1Upload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}
	h.WriteConfig("immediate", "")

	t.Run("A_InitialUploadResyncs", func(t *testing.T) {
		testInitialUpload(t, h, ctx)
	})

	t.Run("B_IncrementalUpload", func(t *testing.T) {
		testIncrementalUpload(t, h, ctx)
	})

	t.Run("C_NoOpUpload", func(t *testing.T) {
		testNoOpUpload(t, h, ctx)
	})

	t.Run("D_RawRepairsDrift", func(t *testing.T) {
		testRawRepairsDrift(t, h, ctx)
	})

	t.Run("E_DryRunMode", func(t *testing.T) {
		testDryRunMode(t, h, ctx)
	})

	t.Run("F_PacedUploadReportsProgress", func(t *testing.T) {
		h.WriteConfig("20", "")
		testPacedUpload(t, h, ctx)
	})
}

func upload(t *testing.T, h *Harness, ctx context.Context, lines []string, extra ...string) (string, string) {
	t.Helper()
	h.WriteFile(testFile, strings.Join(lines, "\n")+"\n")
	args := append([]string{"upload", testEditor, testTarget, h.Path(testFile), "--session", testSession}, extra...)
	stdout, stderr := h.MustRun(ctx, args...)
	t.Logf("stdout: %s", stdout)
	t.Logf("stderr: %s", stderr)
	return stdout, stderr
}

func expectRemote(t *testing.T, h *Harness, lines []string) {
	t.Helper()
	want := protocoltest.Normalized(lines, 4)
	h.WaitFor(10*time.Second, "remote content", func() bool {
		return h.remote.Closed() && reflect.DeepEqual(h.remote.Lines(), want)
	})
	if errs := h.remote.Errors(); len(errs) > 0 {
		t.Errorf("remote rejected commands: %v", errs)
	}
}

func snapshotPath(h *Harness) string {
	return snapshot.NewStore(nil, h.StoreDir()).Path(snapshot.KeyFor(testSession, testTarget))
}

// testInitialUpload replaces whatever the remote held
func testInitialUpload(t *testing.T, h *Harness, ctx context.Context) {
	upload(t, h, ctx, versionOne)
	expectRemote(t, h, versionOne)

	content, err := os.ReadFile(snapshotPath(h))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(content) != strings.Join(versionOne, "\n")+"\n" {
		t.Errorf("snapshot content %q", content)
	}
}

// testIncrementalUpload sends less than the whole file
func testIncrementalUpload(t *testing.T, h *Harness, ctx context.Context) {
	before := h.remote.Received()
	upload(t, h, ctx, versionTwo)
	expectRemote(t, h, versionTwo)

	full := len(versionTwo) + 6 // header, clear, insert, terminator, c, q
	if sent := h.remote.Received() - before; sent >= full {
		t.Errorf("incremental upload sent %d lines, a full resync is %d", sent, full)
	}
}

// testNoOpUpload sends nothing and leaves the snapshot alone
func testNoOpUpload(t *testing.T, h *Harness, ctx context.Context) {
	snapBefore, err := os.ReadFile(snapshotPath(h))
	if err != nil {
		t.Fatalf("read snapshot before: %v", err)
	}
	before := h.remote.Received()

	_, stderr := upload(t, h, ctx, versionTwo)

	time.Sleep(200 * time.Millisecond)
	if got := h.remote.Received(); got != before {
		t.Errorf("no-op upload sent %d lines", got-before)
	}
	snapAfter, err := os.ReadFile(snapshotPath(h))
	if err != nil {
		t.Fatalf("read snapshot after: %v", err)
	}
	if string(snapBefore) != string(snapAfter) {
		t.Error("snapshot changed on no-op upload")
	}
	if !strings.Contains(stderr, "0 cmds sent - done") {
		t.Error("no completion message for the empty upload")
	}
}

// testRawRepairsDrift resends everything after an out-of-band edit
func testRawRepairsDrift(t *testing.T, h *Harness, ctx context.Context) {
	h.remote.SetLines([]string{"edited", "by", "someone", "else"})

	upload(t, h, ctx, versionTwo, "--raw")
	expectRemote(t, h, versionTwo)
}

// testDryRunMode prints the commands without sending them
func testDryRunMode(t *testing.T, h *Harness, ctx context.Context) {
	before := h.remote.Received()
	stdout, _ := upload(t, h, ctx, versionOne, "--dry-run")

	if !strings.HasPrefix(stdout, "@edit "+testTarget+"\n") {
		t.Errorf("dry run output does not start with the header: %q", stdout)
	}
	if !strings.HasSuffix(stdout, "c\nq\n") {
		t.Errorf("dry run output does not end with the footer: %q", stdout)
	}
	time.Sleep(200 * time.Millisecond)
	if got := h.remote.Received(); got != before {
		t.Errorf("dry run sent %d lines", got-before)
	}
	expectRemote(t, h, versionTwo)
}

// testPacedUpload spreads a resync over several ticks
func testPacedUpload(t *testing.T, h *Harness, ctx context.Context) {
	long := make([]string, 50)
	for i := range long {
		long[i] = strings.Repeat("x", i%7) + " line"
	}

	start := time.Now()
	_, stderr := upload(t, h, ctx, long, "--raw", "--progress=20")
	expectRemote(t, h, long)

	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Errorf("56 lines at 20/s finished in %s", elapsed)
	}
	if !strings.Contains(stderr, "20 cmds sent") || !strings.Contains(stderr, "40 cmds sent") {
		t.Errorf("missing progress reports in %q", stderr)
	}
	if !strings.Contains(stderr, "56 cmds sent - done") {
		t.Errorf("missing completion report in %q", stderr)
	}
}

func TestTier1Daemon(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}

	addr := freeAddr(t)
	h.WriteConfig("immediate", addr)
	h.Start(ctx, "serve")

	client := webhook.NewClient(addr, []byte(secret))
	h.WaitFor(10*time.Second, "daemon", func() bool {
		_, err := client.Jobs(ctx)
		return err == nil
	})

	h.WriteFile(testFile, strings.Join(versionOne, "\n")+"\n")
	resp, err := client.Upload(ctx, webhook.UploadRequest{
		Backend: testEditor,
		Target:  testTarget,
		File:    h.Path(testFile),
		Session: testSession,
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.Status != "scheduled" {
		t.Errorf("status = %q, want scheduled", resp.Status)
	}
	expectRemote(t, h, versionOne)

	stdout, _ := h.MustRun(ctx, "abort")
	if !strings.Contains(stdout, "0 aborted") {
		t.Errorf("abort output %q", stdout)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}
