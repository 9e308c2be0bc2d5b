package ladder

import (
	"fmt"

	"github.com/okian/ladder/internal/domain/model"
)

// Branch is the rule a match result falls under.
type Branch int

// Branches, in the order Classify checks them.
const (
	BranchExpected Branch = iota
	BranchAdjacentDraw
	BranchDraw
	BranchUpset
)

func (b Branch) String() string {
	switch b {
	case BranchExpected:
		return "expected"
	case BranchAdjacentDraw:
		return "adjacent_draw"
	case BranchDraw:
		return "draw"
	case BranchUpset:
		return "upset"
	}
	return "unknown"
}

// Mutates reports whether the branch changes any rank.
func (b Branch) Mutates() bool {
	return b == BranchDraw || b == BranchUpset
}

// Classify decides which rule applies to a match between competitors ranked
// rA and rB. The smaller rank number is the higher-ranked competitor.
func Classify(rA, rB int, outcome model.Outcome) (Branch, error) {
	switch outcome {
	case model.OutcomeDraw:
		if gap(rA, rB) <= 1 {
			return BranchAdjacentDraw, nil
		}
		return BranchDraw, nil
	case model.OutcomeAWon:
		if rA <= rB {
			return BranchExpected, nil
		}
		return BranchUpset, nil
	case model.OutcomeBWon:
		if rB <= rA {
			return BranchExpected, nil
		}
		return BranchUpset, nil
	}
	return BranchExpected, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
}

func gap(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
