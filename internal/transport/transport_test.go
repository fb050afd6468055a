package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/diffsyncd/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records lines and can be told to fail.
type fakeConn struct {
	lines  []string
	fail   bool
	closed bool
}

func (c *fakeConn) WriteLine(line string) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.lines = append(c.lines, line)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestPoolConnectsOnceAndLogsIn(t *testing.T) {
	dials := 0
	conn := &fakeConn{}
	dial := func(_ context.Context, name string, cfg config.SessionConfig) (Conn, error) {
		dials++
		return conn, nil
	}
	pool := NewPool(map[string]config.SessionConfig{
		"muck": {Address: "x:1", Login: []string{"connect me pw"}},
	}, dial, testLogger())

	for _, line := range []string{"a", "b"} {
		if err := pool.Send("muck", line); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if dials != 1 {
		t.Errorf("dialed %d times, want 1", dials)
	}
	want := []string{"connect me pw", "a", "b"}
	if strings.Join(conn.lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", conn.lines, want)
	}
	if got := pool.Connected(); len(got) != 1 || got[0] != "muck" {
		t.Errorf("Connected() = %v", got)
	}

	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if !conn.closed {
		t.Error("Close did not close the connection")
	}
}

func TestPoolUnknownSession(t *testing.T) {
	pool := NewPool(nil, nil, testLogger())
	if err := pool.Send("nowhere", "x"); err == nil {
		t.Error("expected error for unconfigured session")
	}
}

func TestPoolDropsBrokenConnection(t *testing.T) {
	broken := &fakeConn{fail: true}
	healthy := &fakeConn{}
	conns := []*fakeConn{broken, healthy}
	dial := func(context.Context, string, config.SessionConfig) (Conn, error) {
		c := conns[0]
		conns = conns[1:]
		return c, nil
	}
	pool := NewPool(map[string]config.SessionConfig{"muck": {Address: "x:1"}}, dial, testLogger())

	if err := pool.Send("muck", "a"); err == nil {
		t.Fatal("expected write error")
	}
	if !broken.closed {
		t.Error("broken connection not closed")
	}
	if err := pool.Send("muck", "b"); err != nil {
		t.Fatalf("Send after reconnect failed: %v", err)
	}
	if len(healthy.lines) != 1 || healthy.lines[0] != "b" {
		t.Errorf("healthy connection got %q", healthy.lines)
	}
}

func TestTCPConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = ln.Close()
	}()

	received := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() {
			_ = c.Close()
		}()
		_, _ = io.WriteString(c, "Welcome to the MUCK\r\n")
		data, _ := io.ReadAll(c)
		received <- string(data)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var echo safeBuffer
	conn, err := DialTCP(ctx, ln.Addr().String(), "\r\n", &echo)
	if err != nil {
		t.Fatalf("DialTCP failed: %v", err)
	}
	for _, line := range []string{"@edit #1", "1 i", "hello", "."} {
		if err := conn.WriteLine(line); err != nil {
			t.Fatal(err)
		}
	}
	if err := conn.conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		want := "@edit #1\r\n1 i\r\nhello\r\n.\r\n"
		if got != want {
			t.Errorf("server received %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive lines")
	}
	if err := conn.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	if !strings.Contains(echo.String(), "Welcome") {
		t.Errorf("remote output not echoed: %q", echo.String())
	}
}

func TestCommandConn(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	var out bytes.Buffer
	conn, err := StartCommand([]string{"cat"}, "\n", &out)
	if err != nil {
		t.Fatalf("StartCommand failed: %v", err)
	}
	for _, line := range []string{"one", "two"} {
		if err := conn.WriteLine(line); err != nil {
			t.Fatal(err)
		}
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if out.String() != "one\ntwo\n" {
		t.Errorf("command output = %q", out.String())
	}
}

func TestStartCommandEmpty(t *testing.T) {
	if _, err := StartCommand(nil, "\n", io.Discard); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &Writer{W: &buf, Prefix: true}
	if err := w.Send("muck", "EDIT #1"); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "[muck] EDIT #1\n" {
		t.Errorf("output = %q", buf.String())
	}
}
