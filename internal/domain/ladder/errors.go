package ladder

import "errors"

var (
	// ErrInvalidReference is returned when a match participant id is empty,
	// unknown, or names the same competitor on both sides.
	ErrInvalidReference = errors.New("invalid competitor reference")

	// ErrInvalidOutcome is returned for an outcome other than A_WON, B_WON or DRAW.
	ErrInvalidOutcome = errors.New("invalid match outcome")

	// ErrInvalidCompetitor is returned when competitor input fails validation.
	ErrInvalidCompetitor = errors.New("invalid competitor")

	// ErrBrokenLadder is returned by Verify when ranks are not 1..N.
	ErrBrokenLadder = errors.New("ladder is not a dense ranking")
)
