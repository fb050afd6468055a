// Package protocol renders compacted edit scripts into the literal
// command lines of a remote editor dialect.
package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies one of the supported remote editor dialects.
type Kind int

const (
	// KindList is a list-style editor: EDIT / DEL / INSERT_AT.
	KindList Kind = iota
	// KindProgram is a structured program editor with a compile footer.
	KindProgram
	// KindLsedit is the FuzzBall lsedit list editor.
	KindLsedit
	// KindMUF is the FuzzBall MUF program editor.
	KindMUF
)

// ErrUnknownBackend is matched by every UnknownBackendError.
var ErrUnknownBackend = errors.New("unknown backend")

// UnknownBackendError reports a backend name with no registered dialect.
type UnknownBackendError struct {
	Name string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend %q (known backends: %s)", e.Name, knownNames())
}

func (e *UnknownBackendError) Is(target error) bool {
	return target == ErrUnknownBackend
}

// Backend is the capability set an encoder needs from a dialect. Each
// method returns the lines for one protocol element; an element a dialect
// does not use returns no lines.
type Backend interface {
	Kind() Kind
	Name() string
	Header(target string) []string
	Delete(at, count int) []string
	InsertOpen(at int) []string
	InsertClose() []string
	Footer() []string
}

// Dialect is a table-driven Backend.
type Dialect struct {
	kind       Kind
	name       string
	header     func(target string) string
	del        func(first, last int) string
	insertOpen func(at int) string
	close      []string
	footer     []string
}

func (d *Dialect) Kind() Kind   { return d.kind }
func (d *Dialect) Name() string { return d.name }

func (d *Dialect) Header(target string) []string {
	return []string{d.header(target)}
}

// Delete emits one command covering lines at through at+count-1.
func (d *Dialect) Delete(at, count int) []string {
	return []string{d.del(at, at+count-1)}
}

func (d *Dialect) InsertOpen(at int) []string {
	return []string{d.insertOpen(at)}
}

func (d *Dialect) InsertClose() []string { return d.close }
func (d *Dialect) Footer() []string      { return d.footer }

// InsertCloseList is the line that leaves insert mode in the list dialect.
const InsertCloseList = "INSERT_END"

var dialects = map[string]*Dialect{
	"list": {
		kind:       KindList,
		name:       "list",
		header:     func(t string) string { return "EDIT " + t },
		del:        func(a, b int) string { return "DEL " + itoa(a) + " " + itoa(b) },
		insertOpen: func(a int) string { return "INSERT_AT " + itoa(a) },
		close:      []string{InsertCloseList},
	},
	"program": {
		kind:       KindProgram,
		name:       "program",
		header:     func(t string) string { return "PROGRAM-EDIT " + t },
		del:        func(a, b int) string { return itoa(a) + " " + itoa(b) + " DELETE" },
		insertOpen: func(a int) string { return itoa(a) + " INSERT" },
		close:      []string{"."},
		footer:     []string{"COMPILE", "QUIT"},
	},
	"lsedit": {
		kind:       KindLsedit,
		name:       "lsedit",
		header:     func(t string) string { return "lsedit " + t },
		del:        func(a, b int) string { return ".del " + itoa(a) + " " + itoa(b) },
		insertOpen: func(a int) string { return ".i " + itoa(a) },
		footer:     []string{".end"},
	},
	"muf": {
		kind:       KindMUF,
		name:       "muf",
		header:     func(t string) string { return "@edit " + t },
		del:        func(a, b int) string { return itoa(a) + " " + itoa(b) + " d" },
		insertOpen: func(a int) string { return itoa(a) + " i" },
		close:      []string{"."},
		footer:     []string{"c", "q"},
	},
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Backend, error) {
	d, ok := dialects[name]
	if !ok {
		return nil, &UnknownBackendError{Name: name}
	}
	return d, nil
}

// Names lists the registered backend names in sorted order.
func Names() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func knownNames() string {
	return strings.Join(Names(), ", ")
}

func itoa(n int) string { return strconv.Itoa(n) }
