// Package simulate drives a running ladder server with random competitors
// and matches, then checks the ladder it ends up with.
package simulate

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Submission modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Sentinel errors.
var (
	ErrInvalidConfig = errors.New("invalid simulation config")
	ErrUnhealthy     = errors.New("service is not healthy")
	ErrVerification  = errors.New("ladder verification failed")
)

// Config holds configuration for a simulation run.
type Config struct {
	BaseURL     string        `validate:"required,url"`     // Base URL of the service
	Competitors int           `validate:"gte=2"`            // Number of competitors to create
	Matches     int           `validate:"gte=0"`            // Number of random matches to submit
	Workers     int           `validate:"gte=1"`            // Number of concurrent HTTP workers
	Mode        string        `validate:"oneof=sync async"` // sync posts /matches, async posts /results
	Timeout     time.Duration `validate:"gte=0"`            // HTTP request timeout
	Settle      time.Duration `validate:"gte=0"`            // How long to wait for async results to apply
	Seed        uint64        // Seed for pairings and outcomes
	OutputFile  string        // Optional JSON file for the generated matches
	Verbose     bool          // Log every failed request
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the run parameters.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidConfig, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Match is one generated pairing. It doubles as the POST /results body.
type Match struct {
	ResultID    string `json:"result_id"`
	CompetitorA string `json:"competitor_a"`
	CompetitorB string `json:"competitor_b"`
	Outcome     string `json:"outcome"`
}

// Competitor is the read shape of a ladder entry.
type Competitor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Rank        int    `json:"rank"`
	GamesPlayed int    `json:"games_played"`
}

// Stats holds run statistics.
type Stats struct {
	CompetitorsCreated int
	MatchesGenerated   int
	MatchesSubmitted   int
	MatchesAccepted    int
	MatchesDuplicate   int
	MatchesFailed      int
	Retries            int
	LadderSize         int
	StartTime          time.Time
	EndTime            time.Time
	Duration           time.Duration
}
