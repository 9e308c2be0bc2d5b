package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/ladder/pkg/logger"
)

const (
	maxBackpressureRetries = 20
	retryDelay             = 25 * time.Millisecond
	settlePollInterval     = 50 * time.Millisecond
	directoryPermission    = 0o750
	filePermission         = 0o600
)

// Run executes a complete simulation against cfg.BaseURL.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.Named("simulate")
	stats := &Stats{StartTime: time.Now()}
	c := newClient(cfg.BaseURL, cfg.Timeout)

	log.Info(ctx, "starting ladder simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("competitors", cfg.Competitors),
		logger.Int("matches", cfg.Matches),
		logger.Int("workers", cfg.Workers),
		logger.String("mode", cfg.Mode))

	if err := checkHealth(ctx, c); err != nil {
		return stats, err
	}

	ids, err := createCompetitors(ctx, c, cfg)
	if err != nil {
		return stats, fmt.Errorf("competitor creation failed: %w", err)
	}
	stats.CompetitorsCreated = len(ids)

	matches := generateMatches(cfg.Seed, ids, cfg.Matches)
	stats.MatchesGenerated = len(matches)

	if err := submitMatches(ctx, c, cfg, matches, stats, log); err != nil {
		return stats, fmt.Errorf("match submission failed: %w", err)
	}

	expectedGames := 2 * stats.MatchesAccepted
	ladder, err := awaitGames(ctx, c, ids, expectedGames, cfg.Settle)
	if err != nil {
		return stats, fmt.Errorf("ladder retrieval failed: %w", err)
	}
	stats.LadderSize = len(ladder)

	if cfg.OutputFile != "" {
		if err := saveMatches(cfg.OutputFile, matches); err != nil {
			log.Warn(ctx, "failed to save matches to file", logger.Error(err))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	logStats(ctx, log, stats)

	if err := verifyLadder(ladder, ids, expectedGames); err != nil {
		return stats, err
	}
	log.Info(ctx, "simulation completed successfully")
	return stats, nil
}

// checkHealth verifies the service is running.
func checkHealth(ctx context.Context, c *client) error {
	status, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, status)
	}
	return nil
}

// createCompetitors registers cfg.Competitors players and returns their ids
// in creation order.
func createCompetitors(ctx context.Context, c *client, cfg *Config) ([]string, error) {
	ids := make([]string, cfg.Competitors)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range ids {
		g.Go(func() error {
			body := map[string]string{
				"first_name": "Player",
				"last_name":  fmt.Sprintf("%04d", i+1),
			}
			var out Competitor
			status, err := c.do(gctx, http.MethodPost, "/competitors", body, &out)
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				return fmt.Errorf("POST /competitors: status %d", status)
			}
			ids[i] = out.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// submitMatches posts every match with cfg.Workers concurrent requests.
// Failed requests are counted, not returned.
func submitMatches(ctx context.Context, c *client, cfg *Config, matches []Match, stats *Stats, log logger.Logger) error {
	var submitted, accepted, duplicate, failed, retries atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, m := range matches {
		g.Go(func() error {
			status, tries, err := submitOne(gctx, c, cfg.Mode, m)
			submitted.Add(1)
			retries.Add(int64(tries))
			switch {
			case err != nil:
				failed.Add(1)
				if cfg.Verbose {
					log.Warn(gctx, "match submission failed", logger.String("result_id", m.ResultID), logger.Error(err))
				}
			case status == http.StatusCreated || status == http.StatusAccepted:
				accepted.Add(1)
			case status == http.StatusOK:
				duplicate.Add(1)
			default:
				failed.Add(1)
				if cfg.Verbose {
					log.Warn(gctx, "match rejected", logger.String("result_id", m.ResultID), logger.Int("status", status))
				}
			}
			return gctx.Err()
		})
	}
	err := g.Wait()

	stats.MatchesSubmitted = int(submitted.Load())
	stats.MatchesAccepted = int(accepted.Load())
	stats.MatchesDuplicate = int(duplicate.Load())
	stats.MatchesFailed = int(failed.Load())
	stats.Retries = int(retries.Load())
	return err
}

// submitOne posts m, retrying while the server reports backpressure.
func submitOne(ctx context.Context, c *client, mode string, m Match) (status, retries int, err error) {
	if mode == ModeSync {
		status, err = c.do(ctx, http.MethodPost, "/matches", map[string]string{
			"competitor_a": m.CompetitorA,
			"competitor_b": m.CompetitorB,
			"outcome":      m.Outcome,
		}, nil)
		return status, 0, err
	}
	for {
		status, err = c.do(ctx, http.MethodPost, "/results", m, nil)
		if err != nil || status != http.StatusTooManyRequests || retries >= maxBackpressureRetries {
			return status, retries, err
		}
		retries++
		select {
		case <-ctx.Done():
			return status, retries, ctx.Err()
		case <-time.After(time.Duration(retries) * retryDelay):
		}
	}
}

// awaitGames polls the ladder until the created competitors have played
// expected games in total or settle elapses, and returns the last ladder.
func awaitGames(ctx context.Context, c *client, ids []string, expected int, settle time.Duration) ([]Competitor, error) {
	deadline := time.Now().Add(settle)
	for {
		ladder, err := c.ladder(ctx)
		if err != nil {
			return nil, err
		}
		if gamesOf(ladder, ids) >= expected || time.Now().After(deadline) {
			return ladder, nil
		}
		select {
		case <-ctx.Done():
			return ladder, ctx.Err()
		case <-time.After(settlePollInterval):
		}
	}
}

// saveMatches writes the generated matches as a JSON array.
func saveMatches(filename string, matches []Match) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(matches, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal matches: %w", err)
	}
	if err := os.WriteFile(filename, data, filePermission); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return nil
}

func logStats(ctx context.Context, log logger.Logger, stats *Stats) {
	var perSecond float64
	if stats.Duration > 0 {
		perSecond = float64(stats.MatchesSubmitted) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("competitorsCreated", stats.CompetitorsCreated),
		logger.Int("matchesGenerated", stats.MatchesGenerated),
		logger.Int("matchesSubmitted", stats.MatchesSubmitted),
		logger.Int("matchesAccepted", stats.MatchesAccepted),
		logger.Int("matchesDuplicate", stats.MatchesDuplicate),
		logger.Int("matchesFailed", stats.MatchesFailed),
		logger.Int("retries", stats.Retries),
		logger.Int("ladderSize", stats.LadderSize),
		logger.Duration("duration", stats.Duration),
		logger.Float64("matchesPerSecond", perSecond))
}
