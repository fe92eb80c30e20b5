package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlasintel/prospector/internal/config"
	"github.com/atlasintel/prospector/internal/discovery"
	"github.com/atlasintel/prospector/internal/events"
	"github.com/atlasintel/prospector/internal/fetch"
	"github.com/atlasintel/prospector/internal/policy"
	"github.com/atlasintel/prospector/internal/ratelimit"
	"github.com/atlasintel/prospector/internal/store"
)

// newDiscoverCmd creates the 'discover' subcommand. It prints one candidate
// URL per line, or writes them to --output.
func newDiscoverCmd(logger *zap.Logger) *cobra.Command {
	var (
		niche   string
		region  string
		max     int
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Generates live candidate URLs for a niche and region",
		Long: `Expands niche seed tokens against the region's TLD set, deduplicates,
probes each candidate for liveness behind the admission policy, and emits up
to --max candidates ordered by relevance. Probed results are cached so
repeat runs within the cache TTL skip the network.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDiscover(cmd.Context(), logger, niche, region, max, outPath)
		},
	}

	cmd.Flags().StringVar(&niche, "niche", "", "market niche, e.g. ecommerce, saas, fitness")
	cmd.Flags().StringVar(&region, "region", "", "region code, e.g. ES, US, UK")
	cmd.Flags().IntVar(&max, "max", 20, "maximum candidates to emit")
	cmd.Flags().StringVar(&outPath, "output", "", "write URLs to this file instead of stdout")
	return cmd
}

func runDiscover(ctx context.Context, logger *zap.Logger, niche, region string, max int, outPath string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return configError(err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return configError(err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close", zap.Error(err))
		}
	}()

	runID := uuid.NewString()
	log := events.NewLog(runID, st, events.LogConfig{Logger: logger})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := log.Close(closeCtx); err != nil {
			logger.Warn("event log close", zap.Error(err))
		}
	}()

	robots := policy.NewRobotsEnforcer(cfg.Policy.RespectRobots, cfg.Policy.UserAgent, logger)
	gate := policy.NewGate(cfg.Policy, robots, logger)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RatePerHost,
		DefaultBurst: cfg.HTTP.BurstPerHost,
	})
	prober := fetch.New(cfg.HTTP, cfg.Policy, limiter, logger)

	engine := discovery.New(st, prober, gate, cfg.CacheTTL(), log, logger)
	candidates, err := engine.Discover(ctx, niche, region, max)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return interruptError()
		}
		return usageError(err)
	}

	out := os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return sinkError(fmt.Errorf("create output %s: %w", outPath, err))
		}
		defer f.Close() //nolint:errcheck // flushed by the write loop
		out = f
	}
	for _, c := range candidates {
		if _, err := fmt.Fprintln(out, c.URL()); err != nil {
			return sinkError(fmt.Errorf("write candidates: %w", err))
		}
	}

	logger.Info("discovery finished",
		zap.String("niche", niche),
		zap.String("region", region),
		zap.Int("candidates", len(candidates)))
	return nil
}
