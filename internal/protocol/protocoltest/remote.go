// Package protocoltest provides a reference remote editor that replays
// command sequences, for testing encoders and deliveries end to end.
package protocoltest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/schaermu/diffsyncd/internal/protocol"
)

// Remote simulates the content of one remote target under a dialect.
type Remote struct {
	Kind  protocol.Kind
	Lines []string

	// Target is the argument of the last header seen.
	Target string
	// Closed is set once the dialect's footer has been replayed.
	Closed bool

	editing   bool
	inserting bool
	cursor    int
}

// New returns a remote holding a copy of lines.
func New(kind protocol.Kind, lines []string) *Remote {
	return &Remote{Kind: kind, Lines: append([]string(nil), lines...)}
}

// Replay feeds every line to the remote, stopping at the first error.
func (r *Remote) Replay(lines []string) error {
	for i, line := range lines {
		if err := r.Feed(line); err != nil {
			return fmt.Errorf("line %d %q: %w", i+1, line, err)
		}
	}
	return nil
}

// Feed applies one command line.
func (r *Remote) Feed(line string) error {
	if !r.editing {
		return r.header(line)
	}
	switch r.Kind {
	case protocol.KindList:
		return r.feedList(line)
	case protocol.KindProgram:
		return r.feedProgram(line)
	case protocol.KindLsedit:
		return r.feedLsedit(line)
	case protocol.KindMUF:
		return r.feedMUF(line)
	}
	return fmt.Errorf("unsupported kind %d", r.Kind)
}

func (r *Remote) header(line string) error {
	prefixes := map[protocol.Kind]string{
		protocol.KindList:    "EDIT ",
		protocol.KindProgram: "PROGRAM-EDIT ",
		protocol.KindLsedit:  "lsedit ",
		protocol.KindMUF:     "@edit ",
	}
	prefix := prefixes[r.Kind]
	if !strings.HasPrefix(line, prefix) {
		return fmt.Errorf("expected header %q", prefix)
	}
	r.Target = strings.TrimPrefix(line, prefix)
	r.editing = true
	r.Closed = false
	return nil
}

func (r *Remote) feedList(line string) error {
	if r.inserting {
		if line == protocol.InsertCloseList {
			r.inserting = false
			return nil
		}
		r.insert(line)
		return nil
	}
	f := strings.Fields(line)
	switch {
	case len(f) == 3 && f[0] == "DEL":
		return r.deleteRange(f[1], f[2])
	case len(f) == 2 && f[0] == "INSERT_AT":
		return r.startInsert(f[1])
	}
	return fmt.Errorf("unexpected command")
}

func (r *Remote) feedProgram(line string) error {
	if r.inserting {
		if line == "." {
			r.inserting = false
			return nil
		}
		r.insert(line)
		return nil
	}
	f := strings.Fields(line)
	switch {
	case len(f) == 3 && f[2] == "DELETE":
		return r.deleteRange(f[0], f[1])
	case len(f) == 2 && f[1] == "INSERT":
		return r.startInsert(f[0])
	case line == "COMPILE":
		return nil
	case line == "QUIT":
		r.editing = false
		r.Closed = true
		return nil
	}
	return fmt.Errorf("unexpected command")
}

func (r *Remote) feedLsedit(line string) error {
	f := strings.Fields(line)
	switch {
	case len(f) == 3 && f[0] == ".del":
		r.inserting = false
		return r.deleteRange(f[1], f[2])
	case len(f) == 2 && f[0] == ".i":
		return r.startInsert(f[1])
	case line == ".end":
		r.inserting = false
		r.editing = false
		r.Closed = true
		return nil
	}
	if !r.inserting {
		// lsedit appends plain lines when no insert point is set.
		r.cursor = len(r.Lines)
		r.inserting = true
	}
	r.insert(line)
	return nil
}

func (r *Remote) feedMUF(line string) error {
	if r.inserting {
		if line == "." {
			r.inserting = false
			return nil
		}
		r.insert(line)
		return nil
	}
	f := strings.Fields(line)
	switch {
	case len(f) == 3 && f[2] == "d":
		return r.deleteRange(f[0], f[1])
	case len(f) == 2 && f[1] == "i":
		return r.startInsert(f[0])
	case line == "c":
		return nil
	case line == "q":
		r.editing = false
		r.Closed = true
		return nil
	}
	return fmt.Errorf("unexpected command")
}

func (r *Remote) deleteRange(first, last string) error {
	a, err := strconv.Atoi(first)
	if err != nil {
		return err
	}
	b, err := strconv.Atoi(last)
	if err != nil {
		return err
	}
	if a < 1 || b < a {
		return fmt.Errorf("bad range %d-%d", a, b)
	}
	if a > len(r.Lines) {
		return nil
	}
	b = min(b, len(r.Lines))
	r.Lines = append(r.Lines[:a-1], r.Lines[b:]...)
	return nil
}

func (r *Remote) startInsert(at string) error {
	n, err := strconv.Atoi(at)
	if err != nil {
		return err
	}
	if n < 1 || n > len(r.Lines)+1 {
		return fmt.Errorf("insert position %d outside 1..%d", n, len(r.Lines)+1)
	}
	r.cursor = n - 1
	r.inserting = true
	return nil
}

func (r *Remote) insert(line string) {
	r.Lines = append(r.Lines, "")
	copy(r.Lines[r.cursor+1:], r.Lines[r.cursor:])
	r.Lines[r.cursor] = line
	r.cursor++
}

// Normalized returns lines as they appear after transmission.
func Normalized(lines []string, tabWidth int) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = protocol.Normalize(l, tabWidth)
	}
	return out
}
