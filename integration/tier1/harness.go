//go:build integration

package tier1

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/diffsyncd/internal/protocol"
	"github.com/schaermu/diffsyncd/internal/protocol/protocoltest"
)

const (
	defaultTimeout = 5 * time.Minute
	secret         = "tier1-secret"
)

// Harness builds the diffsyncd binary and runs it against a fake remote
// editor listening on a local TCP port.
type Harness struct {
	t      *testing.T
	dir    string
	bin    string
	remote *RemoteServer
}

// NewHarness creates a new test harness with a running fake remote.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	h := &Harness{t: t, dir: t.TempDir()}
	h.remote = StartRemote(t, protocol.KindMUF)
	return h
}

// BuildBinary compiles cmd/diffsyncd into the harness directory.
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.bin = filepath.Join(h.dir, "diffsyncd")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.bin, "./cmd/diffsyncd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	h.t.Logf("Binary built at %s", h.bin)
	return nil
}

// Path returns a path inside the harness directory.
func (h *Harness) Path(name string) string {
	return filepath.Join(h.dir, name)
}

// ConfigPath is the config file written by WriteConfig.
func (h *Harness) ConfigPath() string { return h.Path("config.yaml") }

// SecretPath is the control secret written by WriteConfig.
func (h *Harness) SecretPath() string { return h.Path("control_secret") }

// StoreDir is the snapshot directory used by the config.
func (h *Harness) StoreDir() string { return h.Path("snapshots") }

// WriteConfig writes a config with one session pointing at the fake
// remote. listen enables the control daemon on that address.
func (h *Harness) WriteConfig(rate, listen string) {
	h.t.Helper()
	cfg := fmt.Sprintf(`store_dir: %q
rate: %q
tab_width: 4
sessions:
  muck:
    address: %q
`, h.StoreDir(), rate, h.remote.Addr())
	if listen != "" {
		cfg += fmt.Sprintf(`serve:
  listen_addr: %q
  secret_file: %q
`, listen, h.SecretPath())
	}
	h.WriteFile("control_secret", secret+"\n")
	h.WriteFile("config.yaml", cfg)
}

// WriteFile writes content below the harness directory.
func (h *Harness) WriteFile(name, content string) {
	h.t.Helper()
	if err := os.WriteFile(h.Path(name), []byte(content), 0o644); err != nil {
		h.t.Fatalf("write %s: %v", name, err)
	}
}

// Run executes the binary with --config prepended.
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.bin == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	args = append([]string{"--config", h.ConfigPath()}, args...)
	cmd := exec.CommandContext(ctx, h.bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test if it returns non-zero.
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// Start runs the binary in the background. The process is killed when
// the test ends.
func (h *Harness) Start(ctx context.Context, args ...string) *exec.Cmd {
	h.t.Helper()
	args = append([]string{"--config", h.ConfigPath()}, args...)
	cmd := exec.CommandContext(ctx, h.bin, args...)
	cmd.Stdout = &testWriter{t: h.t, prefix: "[daemon] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[daemon] "}
	if err := cmd.Start(); err != nil {
		h.t.Fatalf("start %v: %v", args, err)
	}
	h.t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		_ = cmd.Wait()
	})
	return cmd
}

// WaitFor polls cond until it holds or timeout passes.
func (h *Harness) WaitFor(timeout time.Duration, what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// RemoteServer is a fake remote editor. Every connection feeds the same
// simulated target content.
type RemoteServer struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	remote   *protocoltest.Remote
	received []string
	errs     []error
}

// StartRemote listens on a random local port.
func StartRemote(t *testing.T, kind protocol.Kind) *RemoteServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &RemoteServer{t: t, ln: ln, remote: protocoltest.New(kind, []string{"pre-existing"})}
	go s.accept()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

// Addr returns the listening address.
func (s *RemoteServer) Addr() string { return s.ln.Addr().String() }

func (s *RemoteServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *RemoteServer) serve(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		s.mu.Lock()
		s.received = append(s.received, line)
		if err := s.remote.Feed(line); err != nil {
			s.errs = append(s.errs, fmt.Errorf("%q: %w", line, err))
		}
		s.mu.Unlock()
	}
}

// Lines returns the current simulated content.
func (s *RemoteServer) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.remote.Lines...)
}

// Received returns the number of lines received so far.
func (s *RemoteServer) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// Closed reports whether the last sequence ran to its footer.
func (s *RemoteServer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote.Closed
}

// Errors returns commands the remote could not apply.
func (s *RemoteServer) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	// Get the directory of this source file
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	// Walk up the directory tree looking for go.mod
	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the root without finding go.mod
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// SetLines replaces the simulated content, as an out-of-band edit would.
func (s *RemoteServer) SetLines(lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote.Lines = append([]string(nil), lines...)
}
