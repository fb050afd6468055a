package sync

import (
	"github.com/schaermu/diffsyncd/internal/diff"
	"github.com/schaermu/diffsyncd/internal/protocol"
	"github.com/schaermu/diffsyncd/internal/snapshot"
)

// Plan is the outcome of diffing a local file against the snapshot of its
// target, ready to be handed to the scheduler.
type Plan struct {
	Key     snapshot.Key
	Session string
	Target  string
	File    string
	Backend protocol.Backend

	// Resync is set when the plan clears the remote before inserting,
	// either because it was requested or because no snapshot existed.
	Resync bool

	OldLines []string
	NewLines []string
	Script   []diff.EditOp
}

// Empty reports whether the plan sends nothing.
func (p *Plan) Empty() bool { return len(p.Script) == 0 }

// Counts returns the number of lines deleted and inserted by the plan.
// The clear-all delete of a resync counts the old snapshot length.
func (p *Plan) Counts() (deleted, inserted int) {
	for _, op := range p.Script {
		switch op.Kind {
		case diff.OpDelete:
			if op.Count == diff.ClearAll {
				deleted += len(p.OldLines)
				continue
			}
			deleted += op.Count
		case diff.OpInsert:
			inserted += op.Count
		}
	}
	return deleted, inserted
}
