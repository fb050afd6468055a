package protocol

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/schaermu/diffsyncd/internal/diff"
)

// Sequence lazily produces the command lines for one edit script. Lines
// come out already normalized for transmission: tabs expanded, trailing
// whitespace trimmed, and an empty line replaced by a single space since
// the transport drops empty lines.
//
// A Sequence is not safe for concurrent use.
type Sequence struct {
	backend  Backend
	target   string
	ops      []diff.EditOp
	newLines []string
	tabWidth int

	stage   stage
	opIndex int
	pending []string
	content int // next new-content index of the insert being emitted
	end     int

	peeked    string
	hasPeeked bool
	emitted   int
}

type stage int

const (
	stageHeader stage = iota
	stageOps
	stageFooter
	stageDone
)

// NewSequence returns the command sequence rendering ops for target.
// newLines is the content inserts copy from; tabWidth 0 disables tab
// expansion.
func NewSequence(b Backend, target string, ops []diff.EditOp, newLines []string, tabWidth int) *Sequence {
	return &Sequence{
		backend:  b,
		target:   target,
		ops:      ops,
		newLines: newLines,
		tabWidth: tabWidth,
	}
}

// Next returns the next command line, or false once the sequence is
// exhausted.
func (s *Sequence) Next() (string, bool) {
	if s.hasPeeked {
		s.hasPeeked = false
		s.emitted++
		return s.peeked, true
	}
	line, ok := s.advance()
	if !ok {
		return "", false
	}
	s.emitted++
	return line, true
}

// Done reports whether the sequence is exhausted. It may render the next
// line ahead of time.
func (s *Sequence) Done() bool {
	if s.hasPeeked {
		return false
	}
	line, ok := s.advance()
	if !ok {
		return true
	}
	s.peeked, s.hasPeeked = line, true
	return false
}

// Emitted returns how many lines Next has returned.
func (s *Sequence) Emitted() int { return s.emitted }

// Collect drains the sequence.
func (s *Sequence) Collect() []string {
	var lines []string
	for {
		line, ok := s.Next()
		if !ok {
			return lines
		}
		lines = append(lines, line)
	}
}

func (s *Sequence) advance() (string, bool) {
	raw, ok := s.advanceRaw()
	if !ok {
		return "", false
	}
	return Normalize(raw, s.tabWidth), true
}

func (s *Sequence) advanceRaw() (string, bool) {
	for {
		if len(s.pending) > 0 {
			line := s.pending[0]
			s.pending = s.pending[1:]
			return line, true
		}
		if s.content < s.end {
			line := s.newLines[s.content]
			s.content++
			if s.content == s.end {
				s.pending = append(s.pending, s.backend.InsertClose()...)
			}
			return line, true
		}

		switch s.stage {
		case stageHeader:
			s.pending = append(s.pending, s.backend.Header(s.target)...)
			s.stage = stageOps
		case stageOps:
			if s.opIndex >= len(s.ops) {
				s.stage = stageFooter
				continue
			}
			op := s.ops[s.opIndex]
			s.opIndex++
			s.queue(op)
		case stageFooter:
			s.pending = append(s.pending, s.backend.Footer()...)
			s.stage = stageDone
		case stageDone:
			return "", false
		}
	}
}

func (s *Sequence) queue(op diff.EditOp) {
	switch op.Kind {
	case diff.OpDelete:
		s.pending = append(s.pending, s.backend.Delete(op.At, op.Count)...)
	case diff.OpInsert:
		s.pending = append(s.pending, s.backend.InsertOpen(op.At)...)
		s.content = op.FromLine - 1
		s.end = s.content + op.Count
		if op.Count == 0 {
			s.pending = append(s.pending, s.backend.InsertClose()...)
		}
	}
}

// Normalize prepares a line for transmission.
func Normalize(line string, tabWidth int) string {
	line = strings.TrimRightFunc(line, unicode.IsSpace)
	if tabWidth > 0 {
		line = ExpandTabs(line, tabWidth)
	}
	if line == "" {
		return " "
	}
	return line
}

// ExpandTabs replaces each tab with spaces up to the next multiple of
// width columns.
func ExpandTabs(line string, width int) string {
	if width <= 0 || !strings.Contains(line, "\t") {
		return line
	}
	var b strings.Builder
	col := 0
	for len(line) > 0 {
		r, size := utf8.DecodeRuneInString(line)
		line = line[size:]
		switch r {
		case '\t':
			n := width - col%width
			b.WriteString(strings.Repeat(" ", n))
			col += n
		case '\n', '\r':
			b.WriteRune(r)
			col = 0
		default:
			b.WriteRune(r)
			col++
		}
	}
	return b.String()
}
