// Package diff computes line-level edit scripts between a recorded
// snapshot and a new local version of a text artifact.
//
// The alignment comes from github.com/pmezard/go-difflib/difflib, a port
// of Python's SequenceMatcher. Its opcodes are compacted into a reduced
// instruction stream of deletes and inserts ordered from the highest line
// position to the lowest, so every position stays valid while the stream
// is replayed against the original content.
package diff

import (
	"fmt"

	difflib "github.com/pmezard/go-difflib/difflib"
)

// ClearAll is the sentinel line count used by the resync delete. It is
// larger than any remote list or program the supported editors accept.
const ClearAll = 99999

// Tag identifies the kind of a Span.
type Tag byte

const (
	Equal   Tag = 'e'
	Delete  Tag = 'd'
	Insert  Tag = 'i'
	Replace Tag = 'r'
)

func (t Tag) String() string {
	switch t {
	case Equal:
		return "equal"
	case Delete:
		return "delete"
	case Insert:
		return "insert"
	case Replace:
		return "replace"
	default:
		return fmt.Sprintf("tag(%c)", byte(t))
	}
}

// Span aligns old[I1:I2] with new[J1:J2].
type Span struct {
	Tag    Tag
	I1, I2 int
	J1, J2 int
}

// OpKind is the kind of a compacted instruction.
type OpKind int

const (
	OpDelete OpKind = iota
	OpInsert
)

func (k OpKind) String() string {
	if k == OpDelete {
		return "delete"
	}
	return "insert"
}

// EditOp is one compacted instruction. Positions are 1-based and refer to
// the content being transformed.
//
//   - OpDelete removes Count lines starting at At. FromLine is unused.
//   - OpInsert inserts Count lines of the new content, starting at new
//     line FromLine, before the current line At.
type EditOp struct {
	Kind     OpKind
	At       int
	FromLine int
	Count    int
}

// DeleteOp returns a delete instruction.
func DeleteOp(at, count int) EditOp {
	return EditOp{Kind: OpDelete, At: at, Count: count}
}

// InsertOp returns an insert instruction.
func InsertOp(at, fromLine, count int) EditOp {
	return EditOp{Kind: OpInsert, At: at, FromLine: fromLine, Count: count}
}

func (op EditOp) String() string {
	if op.Kind == OpDelete {
		return fmt.Sprintf("delete(at=%d, count=%d)", op.At, op.Count)
	}
	return fmt.Sprintf("insert(at=%d, from=%d, count=%d)", op.At, op.FromLine, op.Count)
}

// Spans aligns two line sequences. The result is in document order and
// identical inputs always yield identical spans. Auto-junk is disabled so
// frequently repeated lines (blank lines, closing brackets) still anchor
// the alignment and the script stays minimal.
func Spans(oldLines, newLines []string) []Span {
	m := difflib.NewMatcherWithJunk(oldLines, newLines, false, nil)
	codes := m.GetOpCodes()
	spans := make([]Span, 0, len(codes))
	for _, c := range codes {
		spans = append(spans, Span{Tag: Tag(c.Tag), I1: c.I1, I2: c.I2, J1: c.J1, J2: c.J2})
	}
	return spans
}

// Compact reduces spans to delete and insert instructions, consuming them
// last span first. A replace yields its delete followed by its insert; the
// insert is anchored on the old side because the delete has already
// collapsed that range when the insert runs.
func Compact(spans []Span) []EditOp {
	ops := make([]EditOp, 0, len(spans))
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		if s.Tag == Delete || s.Tag == Replace {
			ops = append(ops, DeleteOp(s.I1+1, s.I2-s.I1))
		}
		if s.Tag == Insert || s.Tag == Replace {
			ops = append(ops, InsertOp(s.I1+1, s.J1+1, s.J2-s.J1))
		}
	}
	return ops
}

// Script returns the compacted edit script turning oldLines into newLines.
//
// With raw set the old side is ignored: the script clears the remote
// content with a ClearAll delete and inserts everything. Callers also pass
// raw when no snapshot exists, since the remote state is then unknown.
// A nil script means the two sides are already equal.
func Script(oldLines, newLines []string, raw bool) []EditOp {
	if raw {
		ops := []EditOp{DeleteOp(1, ClearAll)}
		return append(ops, Compact(Spans(nil, newLines))...)
	}

	spans := Spans(oldLines, newLines)
	if unchanged(spans) {
		return nil
	}
	return Compact(spans)
}

func unchanged(spans []Span) bool {
	for _, s := range spans {
		if s.Tag != Equal {
			return false
		}
	}
	return true
}

// Apply replays ops against lines and returns the result. newLines is the
// source for inserted content. Deletes past the end of the content are
// clamped, so a ClearAll delete empties any content.
func Apply(lines []string, ops []EditOp, newLines []string) ([]string, error) {
	out := append([]string(nil), lines...)
	for _, op := range ops {
		start := op.At - 1
		if start < 0 || start > len(out) {
			return nil, fmt.Errorf("%s: position outside content of %d lines", op, len(out))
		}
		switch op.Kind {
		case OpDelete:
			end := min(start+op.Count, len(out))
			out = append(out[:start], out[end:]...)
		case OpInsert:
			from := op.FromLine - 1
			if from < 0 || from+op.Count > len(newLines) {
				return nil, fmt.Errorf("%s: source outside new content of %d lines", op, len(newLines))
			}
			ins := newLines[from : from+op.Count]
			tail := append([]string(nil), out[start:]...)
			out = append(append(out[:start], ins...), tail...)
		}
	}
	return out, nil
}
