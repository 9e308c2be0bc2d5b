package ladder

import (
	"context"
	"fmt"

	"github.com/okian/ladder/internal/adapters/repository"
	"github.com/okian/ladder/internal/domain/model"
)

// OpKind identifies a rank store mutation.
type OpKind int

// Rank store mutations a plan is made of.
const (
	OpShiftRange OpKind = iota
	OpShiftAt
	OpSetRank
)

func (k OpKind) String() string {
	switch k {
	case OpShiftRange:
		return "shift_range"
	case OpShiftAt:
		return "shift_at"
	case OpSetRank:
		return "set_rank"
	}
	return "unknown"
}

// Op is one rank store call.
type Op struct {
	Kind OpKind

	// Start and Stop bound an OpShiftRange window, [Start, Stop).
	Start int
	Stop  int

	// Rank is the slot for OpShiftAt and the new rank for OpSetRank.
	Rank  int
	Delta int

	// ID is the competitor an OpSetRank moves.
	ID string
}

func (o Op) String() string {
	switch o.Kind {
	case OpShiftRange:
		return fmt.Sprintf("shift_range[%d,%d)%+d", o.Start, o.Stop, o.Delta)
	case OpShiftAt:
		return fmt.Sprintf("shift_at(%d)%+d", o.Rank, o.Delta)
	case OpSetRank:
		return fmt.Sprintf("set_rank(%s)=%d", o.ID, o.Rank)
	}
	return "unknown"
}

// Plan classifies a match between a and b and returns the rank store calls
// that keep the ladder dense afterwards. Expected results yield no calls.
// Plan is pure; apply the ops inside one unit of work.
func Plan(a, b model.Standing, outcome model.Outcome) (Branch, []Op, error) {
	branch, err := Classify(a.Rank, b.Rank, outcome)
	if err != nil {
		return branch, nil, err
	}

	higher, lower := a, b
	if b.Rank < a.Rank {
		higher, lower = b, a
	}

	switch branch {
	case BranchDraw:
		return branch, drawOps(lower), nil
	case BranchUpset:
		return branch, upsetOps(higher, lower), nil
	}
	return branch, nil, nil
}

// drawOps moves the lower-ranked competitor up one slot, swapping with the
// occupant of that slot.
func drawOps(lower model.Standing) []Op {
	target := lower.Rank - 1
	return []Op{
		{Kind: OpShiftAt, Rank: target, Delta: +1},
		{Kind: OpSetRank, ID: lower.ID, Rank: target},
	}
}

// upsetOps drops the loser one slot and lifts the winner halfway towards
// the loser's old rank. Every competitor in the winner's landing window
// moves down one; the one sitting just below the loser moves up into the
// loser's old slot.
func upsetOps(higher, lower model.Standing) []Op {
	h, l := higher.Rank, lower.Rank

	higherNew := h + 1
	lowerNew := l - (l-h+1)/2 // ceil((l-h)/2)
	start := lowerNew
	if higherNew == lowerNew {
		higherNew++
		start = higherNew
	}

	var ops []Op
	if start < l {
		ops = append(ops, Op{Kind: OpShiftRange, Start: start, Stop: l, Delta: +1})
	}
	// With a gap of one the slot below the loser is the winner itself.
	if l != h+1 {
		ops = append(ops, Op{Kind: OpShiftAt, Rank: h + 1, Delta: -1})
	}
	return append(ops,
		Op{Kind: OpSetRank, ID: lower.ID, Rank: lowerNew},
		Op{Kind: OpSetRank, ID: higher.ID, Rank: higherNew},
	)
}

func apply(ctx context.Context, cs repository.RankStore, ops []Op) error {
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpShiftRange:
			err = cs.ShiftRange(ctx, op.Start, op.Stop, op.Delta)
		case OpShiftAt:
			err = cs.ShiftAt(ctx, op.Rank, op.Delta)
		case OpSetRank:
			err = cs.SetRank(ctx, op.ID, op.Rank)
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}
