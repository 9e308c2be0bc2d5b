package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/ladder/internal/simulate"
	"github.com/okian/ladder/pkg/logger"
)

// Default configuration constants.
const (
	defaultCompetitors = 50
	defaultMatches     = 1000
	defaultTimeout     = 30 * time.Second
	defaultSettle      = 2 * time.Minute
	defaultRunTimeout  = 10 * time.Minute
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &simulate.Config{}
	var (
		logLevel   string
		runTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a running ladder server with random competitors and matches",
		Long: `simulate creates competitors on a running ladder server, submits random
matches between them, and then checks that the ladder is still a dense
ranking and that every accepted match was counted.`,
		Example: `  simulate --competitors 100 --matches 5000
  simulate --mode async --workers 16 --url http://localhost:8080`,
		SilenceUsage: true,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			if err := logger.SetLevelString(logLevel); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
			defer cancel()
			_, err := simulate.Run(ctx, cfg)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", "http://localhost:9080", "Base URL of the service")
	f.IntVar(&cfg.Competitors, "competitors", defaultCompetitors, "Number of competitors to create")
	f.IntVar(&cfg.Matches, "matches", defaultMatches, "Number of random matches to submit")
	f.IntVar(&cfg.Workers, "workers", runtime.NumCPU()*2, "Number of concurrent HTTP workers")
	f.StringVar(&cfg.Mode, "mode", simulate.ModeSync, "Submission mode: sync (POST /matches) or async (POST /results)")
	f.DurationVar(&cfg.Timeout, "timeout", defaultTimeout, "HTTP request timeout")
	f.DurationVar(&cfg.Settle, "settle", defaultSettle, "How long to wait for async results to be applied")
	f.Uint64Var(&cfg.Seed, "seed", uint64(time.Now().UnixNano()), "Seed for pairings and outcomes")
	f.StringVar(&cfg.OutputFile, "output", "", "Write the generated matches to this JSON file")
	f.BoolVar(&cfg.Verbose, "verbose", false, "Log every failed request")
	f.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.DurationVar(&runTimeout, "run-timeout", defaultRunTimeout, "Upper bound for the whole run")
	return cmd
}
