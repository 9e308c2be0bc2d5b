package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/okian/ladder/internal/domain/ladder"
	"github.com/okian/ladder/internal/domain/model"
)

const dateLayout = "2006-01-02"

// competitorRequest mirrors the OpenAPI schema for competitor writes.
type competitorRequest struct {
	FirstName   string `json:"first_name" validate:"required,max=100"`
	LastName    string `json:"last_name" validate:"required,max=100"`
	Email       string `json:"email" validate:"omitempty,email,max=254"`
	DateOfBirth string `json:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
}

func (c competitorRequest) input() (ladder.CompetitorInput, error) {
	in := ladder.CompetitorInput{
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Email:     c.Email,
	}
	if dob := strings.TrimSpace(c.DateOfBirth); dob != "" {
		t, err := time.Parse(dateLayout, dob)
		if err != nil {
			return in, fmt.Errorf("%w: date_of_birth: %v", ErrBadRequest, err)
		}
		in.DateOfBirth = &t
	}
	return in, nil
}

// matchRequest mirrors the OpenAPI schema for POST /matches.
type matchRequest struct {
	CompetitorA string `json:"competitor_a" validate:"required"`
	CompetitorB string `json:"competitor_b" validate:"required"`
	Outcome     string `json:"outcome" validate:"required"`
}

func (m matchRequest) input() ladder.MatchInput {
	return ladder.MatchInput{
		CompetitorA: m.CompetitorA,
		CompetitorB: m.CompetitorB,
		Outcome:     model.Outcome(m.Outcome),
	}
}

// resultRequest mirrors the OpenAPI schema for POST /results.
type resultRequest struct {
	ResultID    string `json:"result_id" validate:"required,max=200"`
	CompetitorA string `json:"competitor_a" validate:"required"`
	CompetitorB string `json:"competitor_b" validate:"required,nefield=CompetitorA"`
	Outcome     string `json:"outcome" validate:"required"`
	TS          string `json:"ts" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// result converts the request. The outcome is checked here because the
// ladder only sees it after the result has been acknowledged.
func (r resultRequest) result(now time.Time) (model.Result, error) {
	res := model.Result{
		ResultID:    r.ResultID,
		CompetitorA: r.CompetitorA,
		CompetitorB: r.CompetitorB,
		Outcome:     model.Outcome(r.Outcome),
		TS:          now,
	}
	if !res.Outcome.Valid() {
		return res, fmt.Errorf("%w: %q", ladder.ErrInvalidOutcome, r.Outcome)
	}
	if r.TS != "" {
		ts, err := time.Parse(time.RFC3339, r.TS)
		if err != nil {
			return res, fmt.Errorf("%w: invalid ts; must be RFC3339", ErrBadRequest)
		}
		res.TS = ts
	}
	return res, nil
}

type competitorResponse struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	DateOfBirth string    `json:"date_of_birth,omitempty"`
	Rank        int       `json:"rank"`
	GamesPlayed int       `json:"games_played"`
	CreatedAt   time.Time `json:"created_at"`
}

func toCompetitor(c model.Competitor) competitorResponse {
	resp := competitorResponse{
		ID:          c.ID,
		FirstName:   c.FirstName,
		LastName:    c.LastName,
		Name:        c.FullName(),
		Email:       c.Email,
		Rank:        c.Rank,
		GamesPlayed: c.GamesPlayed,
		CreatedAt:   c.CreatedAt,
	}
	if c.DateOfBirth != nil {
		resp.DateOfBirth = c.DateOfBirth.Format(dateLayout)
	}
	return resp
}

// participantResponse is one side of a match. Removed competitors keep their
// slot with Deleted set and no id or rank.
type participantResponse struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Rank    int    `json:"rank,omitempty"`
	Deleted bool   `json:"deleted"`
}

func toParticipant(c *model.Competitor) participantResponse {
	if c == nil {
		return participantResponse{Name: model.DeletedCompetitorLabel, Deleted: true}
	}
	return participantResponse{ID: c.ID, Name: c.FullName(), Rank: c.Rank}
}

type matchResponse struct {
	ID           string              `json:"id"`
	CompetitorA  participantResponse `json:"competitor_a"`
	CompetitorB  participantResponse `json:"competitor_b"`
	Outcome      model.Outcome       `json:"outcome"`
	OutcomeLabel string              `json:"outcome_label"`
	CreatedAt    time.Time           `json:"created_at"`
}

func toMatch(v model.MatchView) matchResponse {
	return matchResponse{
		ID:           v.ID,
		CompetitorA:  toParticipant(v.A),
		CompetitorB:  toParticipant(v.B),
		Outcome:      v.Outcome,
		OutcomeLabel: v.Outcome.Label(),
		CreatedAt:    v.CreatedAt,
	}
}
