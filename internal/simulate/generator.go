package simulate

import (
	"math/rand/v2"

	"github.com/google/uuid"
)

var outcomes = [...]string{"A_WON", "B_WON", "DRAW"}

// generateMatches pairs random distinct competitors. The same seed always
// yields the same pairings and outcomes; result ids are fresh per run.
func generateMatches(seed uint64, ids []string, n int) []Match {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	matches := make([]Match, n)
	for i := range matches {
		a := rng.IntN(len(ids))
		b := rng.IntN(len(ids) - 1)
		if b >= a {
			b++
		}
		matches[i] = Match{
			ResultID:    uuid.NewString(),
			CompetitorA: ids[a],
			CompetitorB: ids[b],
			Outcome:     outcomes[rng.IntN(len(outcomes))],
		}
	}
	return matches
}
