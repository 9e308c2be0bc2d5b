package simulate

import "fmt"

// verifyLadder checks the ladder is ordered and dense, that every created
// competitor is on it, and that their games played add up to expectedGames.
func verifyLadder(ladder []Competitor, ids []string, expectedGames int) error {
	for i, c := range ladder {
		if c.Rank != i+1 {
			return fmt.Errorf("%w: position %d holds rank %d", ErrVerification, i+1, c.Rank)
		}
	}
	onLadder := make(map[string]bool, len(ladder))
	for _, c := range ladder {
		onLadder[c.ID] = true
	}
	for _, id := range ids {
		if !onLadder[id] {
			return fmt.Errorf("%w: competitor %s is missing", ErrVerification, id)
		}
	}
	if got := gamesOf(ladder, ids); got != expectedGames {
		return fmt.Errorf("%w: games played %d, want %d", ErrVerification, got, expectedGames)
	}
	return nil
}

// gamesOf sums games played over the competitors named by ids.
func gamesOf(ladder []Competitor, ids []string) int {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	total := 0
	for _, c := range ladder {
		if want[c.ID] {
			total += c.GamesPlayed
		}
	}
	return total
}
