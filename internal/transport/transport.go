// Package transport delivers command lines to remote sessions.
//
// A Pool maps session names from the configuration to connections that
// are opened on first use: a line-oriented TCP connection for sessions
// with an address, or the stdin of a child process for sessions with a
// command. Writer prints lines instead, for dry runs.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/schaermu/diffsyncd/internal/config"
)

// DialTimeout bounds connection setup for TCP sessions.
const DialTimeout = 10 * time.Second

// Conn is an open session connection.
type Conn interface {
	WriteLine(line string) error
	Close() error
}

// Dialer opens a connection for a configured session.
type Dialer func(ctx context.Context, name string, cfg config.SessionConfig) (Conn, error)

// Pool implements delivery.Transport over the configured sessions.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]config.SessionConfig
	conns    map[string]Conn
	dial     Dialer
	logger   *slog.Logger
}

// NewPool creates a pool for sessions. A nil dialer uses Dial.
func NewPool(sessions map[string]config.SessionConfig, dial Dialer, logger *slog.Logger) *Pool {
	if dial == nil {
		dial = Dial(io.Discard)
	}
	return &Pool{
		sessions: sessions,
		conns:    make(map[string]Conn),
		dial:     dial,
		logger:   logger,
	}
}

// Send writes one line to session, connecting first if needed. A failed
// write closes the connection so the next send reconnects.
func (p *Pool) Send(session, line string) error {
	conn, err := p.conn(session)
	if err != nil {
		return err
	}
	if err := conn.WriteLine(line); err != nil {
		p.drop(session, conn)
		return fmt.Errorf("failed to write to session %s: %w", session, err)
	}
	return nil
}

func (p *Pool) conn(session string) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[session]; ok {
		return c, nil
	}
	cfg, ok := p.sessions[session]
	if !ok {
		return nil, fmt.Errorf("session %q is not configured", session)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
	defer cancel()
	p.logger.Info("connecting session", "session", session, "address", cfg.Address, "command", cfg.Command)
	c, err := p.dial(ctx, session, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect session %s: %w", session, err)
	}
	for _, line := range cfg.Login {
		if err := c.WriteLine(line); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to log in to session %s: %w", session, err)
		}
	}
	p.conns[session] = c
	return c, nil
}

func (p *Pool) drop(session string, conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[session] == conn {
		delete(p.conns, session)
	}
	_ = conn.Close()
}

// Connected returns the names of sessions with an open connection.
func (p *Pool) Connected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.conns))
	for name := range p.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every open connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for name, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close session %s: %w", name, err)
		}
		delete(p.conns, name)
	}
	return firstErr
}

// Dial returns the default dialer. Output the remote sends back is
// copied to echo so the connection never stalls on a full receive
// buffer.
func Dial(echo io.Writer) Dialer {
	return func(ctx context.Context, name string, cfg config.SessionConfig) (Conn, error) {
		if cfg.Address != "" {
			return DialTCP(ctx, cfg.Address, cfg.LineEnding, echo)
		}
		return StartCommand(cfg.Command, cfg.LineEnding, echo)
	}
}

// TCPConn is a line-oriented TCP session.
type TCPConn struct {
	conn   net.Conn
	ending string
	done   chan struct{}
}

// DialTCP connects to address.
func DialTCP(ctx context.Context, address, ending string, echo io.Writer) (*TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	c := &TCPConn{conn: conn, ending: ending, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		_, _ = io.Copy(echo, conn)
	}()
	return c, nil
}

func (c *TCPConn) WriteLine(line string) error {
	_, err := io.WriteString(c.conn, line+c.ending)
	return err
}

func (c *TCPConn) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// CommandConn writes lines to the stdin of a child process.
type CommandConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	ending string
}

// StartCommand starts argv and connects to its stdin.
func StartCommand(argv []string, ending string, echo io.Writer) (*CommandConn, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = echo
	cmd.Stderr = echo
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s failed to start: %w", argv[0], err)
	}
	return &CommandConn{cmd: cmd, stdin: stdin, ending: ending}, nil
}

func (c *CommandConn) WriteLine(line string) error {
	_, err := io.WriteString(c.stdin, line+c.ending)
	return err
}

// Close closes stdin and waits for the process to exit.
func (c *CommandConn) Close() error {
	_ = c.stdin.Close()
	if err := c.cmd.Wait(); err != nil {
		return fmt.Errorf("%s exited: %w", c.cmd.Path, err)
	}
	return nil
}

// Writer prints every line instead of sending it.
type Writer struct {
	mu     sync.Mutex
	W      io.Writer
	Prefix bool
}

func (w *Writer) Send(session, line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	if w.Prefix {
		_, err = fmt.Fprintf(w.W, "[%s] %s\n", session, line)
	} else {
		_, err = fmt.Fprintln(w.W, line)
	}
	return err
}
