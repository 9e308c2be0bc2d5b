// Package model contains domain models passed between layers.
package model

import (
	"strings"
	"time"
)

// Competitor is a ranked participant. Rank 1 is the top of the ladder.
type Competitor struct {
	ID          string
	FirstName   string
	LastName    string
	Email       string
	DateOfBirth *time.Time // optional, date only
	Rank        int
	GamesPlayed int
	CreatedAt   time.Time
}

// FullName joins the first and last names.
func (c Competitor) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Standing is the part of a competitor the rank engine works with.
type Standing struct {
	ID   string
	Rank int
}

// Standing returns the competitor's id and rank.
func (c Competitor) Standing() Standing {
	return Standing{ID: c.ID, Rank: c.Rank}
}
