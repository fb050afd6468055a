// Package activation hands the control daemon its listening socket,
// either inherited through systemd socket activation or freshly bound.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is the first descriptor systemd passes (0-2 are stdio).
const firstFD = 3

// ControlName is the FileDescriptorName of the control socket. When the
// unit names its sockets, only this one is used.
const ControlName = "control"

// env is the activation environment of the current process.
type env struct {
	count int
	names []string
}

// readEnv parses LISTEN_PID, LISTEN_FDS and LISTEN_FDNAMES. It returns a
// zero count when activation does not target pid.
func readEnv(getenv func(string) string, pid int) (env, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return env{}, nil
	}
	p, err := strconv.Atoi(pidStr)
	if err != nil {
		return env{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if p != pid {
		return env{}, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return env{}, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return env{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 1 {
		return env{}, nil
	}

	var names []string
	if s := getenv("LISTEN_FDNAMES"); s != "" {
		names = strings.Split(s, ":")
	}
	return env{count: n, names: names}, nil
}

// pick returns the index of the control socket among the passed ones.
func (e env) pick() (int, bool) {
	if e.count == 0 {
		return 0, false
	}
	if len(e.names) == 0 {
		return 0, true
	}
	for i, name := range e.names {
		if i < e.count && name == ControlName {
			return i, true
		}
	}
	return 0, false
}

// Listen returns the activated control socket if there is one and binds
// addr otherwise. The boolean reports whether the socket was inherited.
func Listen(addr string) (net.Listener, bool, error) {
	e, err := readEnv(os.Getenv, os.Getpid())
	if err != nil {
		return nil, false, err
	}
	unsetEnv()

	if idx, ok := e.pick(); ok {
		ln, err := fileListener(firstFD + idx)
		if err != nil {
			return nil, false, err
		}
		return ln, true, nil
	}

	if addr == "" {
		return nil, false, fmt.Errorf("no activated socket and no listen address configured")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

func fileListener(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), "systemd-socket-"+strconv.Itoa(fd))
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}
	defer func() {
		// the listener holds its own duplicate
		_ = file.Close()
	}()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return ln, nil
}

// unsetEnv keeps child processes such as command sessions from seeing
// the activation variables.
func unsetEnv() {
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
}
