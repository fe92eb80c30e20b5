package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlasintel/prospector/internal/cache"
	"github.com/atlasintel/prospector/internal/config"
	"github.com/atlasintel/prospector/internal/enrich"
	"github.com/atlasintel/prospector/internal/events"
	"github.com/atlasintel/prospector/internal/fetch"
	"github.com/atlasintel/prospector/internal/policy"
	"github.com/atlasintel/prospector/internal/ratelimit"
	"github.com/atlasintel/prospector/internal/sink"
	"github.com/atlasintel/prospector/internal/store"
	"github.com/atlasintel/prospector/internal/worker"
)

const shutdownGrace = 10 * time.Second

// newCollectCmd creates the 'collect' subcommand. It reads candidate URLs
// from a file argument or stdin and runs the full collection pipeline.
func newCollectCmd(logger *zap.Logger) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "collect [urls-file]",
		Short: "Fetches and records candidate URLs",
		Long: `Runs the collection pipeline over a list of candidate URLs: admission
policy, per-host rate limiting, content cache, retrying fetcher, enrichment,
and a parquet record batch per run. URLs come one per line from the file
argument, or from stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			urls, err := readURLList(args)
			if err != nil {
				return usageError(err)
			}
			if runID == "" {
				runID = uuid.NewString()
			}
			return runCollect(cmd.Context(), logger, runID, urls)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: random UUID)")
	return cmd
}

func runCollect(ctx context.Context, logger *zap.Logger, runID string, urls []string) error {
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

	log := events.NewLog(runID, st, events.LogConfig{Logger: logger})

	robots := policy.NewRobotsEnforcer(cfg.Policy.RespectRobots, cfg.Policy.UserAgent, logger)
	gate := policy.NewGate(cfg.Policy, robots, logger)
	paywall := policy.NewPaywall(cfg.Policy.PaywallKeywords)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RatePerHost,
		DefaultBurst: cfg.HTTP.BurstPerHost,
	})
	fetcher := fetch.New(cfg.HTTP, cfg.Policy, limiter, logger)
	pageCache := cache.New(st, cfg.CacheTTL(), cfg.Cache.MaxEntries, logger)

	providers := enrich.NewProviders(cfg, fetcher)
	scoreCache := cache.New(st, enrich.MinTTL(providers, cfg.CacheTTL()), cfg.Cache.MaxEntries, logger)
	quota := ratelimit.NewQuota(quotaLimits(cfg.RateLimits))
	enricher := enrich.New(providers, quota, scoreCache, log, logger)

	outPath := filepath.Join(cfg.Run.OutputPath, runID+".parquet")
	snk, err := sink.NewParquetSink(outPath, sink.Config{Logger: logger})
	if err != nil {
		return sinkError(err)
	}

	logger.Info("collection starting",
		zap.String("run_id", runID),
		zap.Int("urls", len(urls)),
		zap.Int("concurrency", cfg.Run.Concurrency),
		zap.String("output", outPath))

	pool := worker.New(cfg, gate, paywall, fetcher, pageCache, snk, enricher, log, logger)
	summary := pool.Run(ctx, urls)

	sinkErr := snk.Close()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := log.Close(closeCtx); err != nil {
		logger.Warn("event log close", zap.Error(err))
	}

	fmt.Fprintf(os.Stderr, "collected %d/%d (failed %d, blocked %d, cache hits %d) -> %s\n",
		summary.Succeeded, summary.Total, summary.Failed, summary.Blocked, summary.CacheHits, outPath)

	if sinkErr != nil {
		return sinkError(fmt.Errorf("close sink: %w", sinkErr))
	}
	if ctx.Err() != nil {
		return interruptError()
	}
	return nil
}

// readURLList loads candidates from the file argument, or stdin when absent.
func readURLList(args []string) ([]string, error) {
	if len(args) == 1 {
		urls, err := config.ReadLineFile(args[0])
		if err != nil {
			return nil, err
		}
		return urls, nil
	}

	var urls []string
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return urls, nil
}

func quotaLimits(limits map[string]config.RateLimit) map[string]ratelimit.QuotaLimit {
	out := make(map[string]ratelimit.QuotaLimit, len(limits))
	for name, rl := range limits {
		out[name] = ratelimit.QuotaLimit{
			Requests: rl.Requests,
			Window:   time.Duration(rl.WindowSeconds) * time.Second,
		}
	}
	return out
}
