package model

import "time"

// Outcome is the result of a match from competitor A's point of view.
type Outcome string

// Outcome values.
const (
	OutcomeAWon Outcome = "A_WON"
	OutcomeBWon Outcome = "B_WON"
	OutcomeDraw Outcome = "DRAW"
)

// DeletedCompetitorLabel is shown in place of a participant that was removed.
const DeletedCompetitorLabel = "*** deleted competitor ***"

// Valid reports whether o is one of the three known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAWon, OutcomeBWon, OutcomeDraw:
		return true
	}
	return false
}

// Label is the human readable form of the outcome.
func (o Outcome) Label() string {
	switch o {
	case OutcomeAWon:
		return "Competitor A won"
	case OutcomeBWon:
		return "Competitor B won"
	case OutcomeDraw:
		return "Draw"
	}
	return "Unknown"
}

// Match is a completed pairwise encounter. Either participant id becomes
// empty when that competitor is removed from the ladder.
type Match struct {
	ID          string
	CompetitorA string
	CompetitorB string
	Outcome     Outcome
	CreatedAt   time.Time
}

// References reports whether the match points at competitor id.
func (m Match) References(id string) bool {
	return id != "" && (m.CompetitorA == id || m.CompetitorB == id)
}

// MatchView is a match joined with the current participant records.
// A nil participant has been removed.
type MatchView struct {
	Match
	A *Competitor
	B *Competitor
}

// NameA returns A's display name or the deleted marker.
func (v MatchView) NameA() string { return displayName(v.A) }

// NameB returns B's display name or the deleted marker.
func (v MatchView) NameB() string { return displayName(v.B) }

func displayName(c *Competitor) string {
	if c == nil {
		return DeletedCompetitorLabel
	}
	return c.FullName()
}

// Result is a match submitted through the asynchronous feed. ResultID is
// the client supplied idempotency key.
type Result struct {
	ResultID    string
	CompetitorA string
	CompetitorB string
	Outcome     Outcome
	TS          time.Time
}
