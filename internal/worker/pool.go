// Package worker fans collection tasks out to a bounded pool. Each task runs
// the full pipeline for one URL: admission gate, cache lookup, fetch, paywall
// scan, cache write, enrichment, and the columnar sink.
package worker

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlasintel/prospector/internal/cache"
	"github.com/atlasintel/prospector/internal/config"
	"github.com/atlasintel/prospector/internal/enrich"
	"github.com/atlasintel/prospector/internal/events"
	"github.com/atlasintel/prospector/internal/fetch"
	"github.com/atlasintel/prospector/internal/policy"
	"github.com/atlasintel/prospector/internal/sink"
)

// defaultBaseScore seeds enrichment at the scale midpoint.
const defaultBaseScore = 50.0

// Enricher scores a collected page. Satisfied by enrich.Orchestrator; a nil
// Enricher skips the scoring step.
type Enricher interface {
	Enrich(ctx context.Context, rawURL string, base float64) enrich.Score
}

// Pool runs the collection pipeline with bounded concurrency.
type Pool struct {
	cfg      config.Config
	gate     *policy.Gate
	paywall  *policy.Paywall
	fetcher  *fetch.Fetcher
	cache    *cache.Cache
	sink     *sink.ParquetSink
	enricher Enricher
	log      *events.Log
	logger   *zap.Logger
}

// Summary aggregates the outcome counts of one run.
type Summary struct {
	Total     int64
	Succeeded int64
	Failed    int64
	Blocked   int64
	CacheHits int64
}

// New wires a Pool from its collaborators. enricher may be nil.
func New(cfg config.Config, gate *policy.Gate, paywall *policy.Paywall, fetcher *fetch.Fetcher, c *cache.Cache, s *sink.ParquetSink, enricher Enricher, log *events.Log, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		gate:     gate,
		paywall:  paywall,
		fetcher:  fetcher,
		cache:    c,
		sink:     s,
		enricher: enricher,
		log:      log,
		logger:   logger,
	}
}

// Run processes every URL and blocks until all tasks settle or ctx is
// canceled. Cancellation stops dispatching and cancels in-flight tasks, whose
// contexts derive from ctx; their settled results are still pushed.
func (p *Pool) Run(ctx context.Context, urls []string) Summary {
	var (
		summary   Summary
		succeeded atomic.Int64
		failed    atomic.Int64
		blocked   atomic.Int64
		cacheHits atomic.Int64
	)

	tasks := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Run.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rawURL := range tasks {
				switch p.process(ctx, rawURL) {
				case outcomeSucceeded:
					succeeded.Add(1)
				case outcomeFailed:
					failed.Add(1)
				case outcomeBlocked:
					blocked.Add(1)
				case outcomeCacheHit:
					cacheHits.Add(1)
				}
			}
		}()
	}

dispatch:
	for _, u := range urls {
		select {
		case tasks <- u:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(tasks)
	wg.Wait()

	summary = Summary{
		Total:     int64(len(urls)),
		Succeeded: succeeded.Load() + cacheHits.Load(),
		Failed:    failed.Load(),
		Blocked:   blocked.Load(),
		CacheHits: cacheHits.Load(),
	}
	status := "success"
	eventStatus := events.StatusOK
	switch {
	case ctx.Err() != nil:
		status = "cancelled"
		eventStatus = events.StatusError
	case summary.Total > 0 && summary.Failed == summary.Total:
		status = "failed"
		eventStatus = events.StatusError
	}
	p.log.Emit(events.KindRunCompleted, eventStatus, "collection finished", map[string]any{
		"status":     status,
		"total":      summary.Total,
		"succeeded":  summary.Succeeded,
		"failed":     summary.Failed,
		"blocked":    summary.Blocked,
		"cache_hits": summary.CacheHits,
	})
	return summary
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeBlocked
	outcomeCacheHit
)

func (p *Pool) process(ctx context.Context, rawURL string) outcome {
	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout())
	defer cancel()

	if d := p.gate.Admit(taskCtx, "GET", rawURL); !d.Allowed {
		p.log.Emit(events.KindPolicyBlocked, events.StatusBlocked, rawURL, map[string]any{"reason": d.Reason})
		p.push(taskCtx, sink.Row{URL: rawURL, Success: false, Error: &d.Reason})
		return outcomeBlocked
	}

	if payload, ok := p.cache.Get(taskCtx, rawURL); ok {
		p.log.Emit(events.KindCacheHit, events.StatusOK, rawURL, nil)
		content := string(payload)
		p.push(taskCtx, sink.Row{URL: rawURL, Success: true, Content: &content})
		return outcomeCacheHit
	}
	p.log.Emit(events.KindCacheMiss, events.StatusOK, rawURL, nil)

	p.log.Emit(events.KindFetchStarted, events.StatusOK, rawURL, nil)
	res := p.fetcher.Fetch(taskCtx, rawURL)

	if res.StatusCode != nil && (*res.StatusCode == 401 || *res.StatusCode == 403) {
		if host := hostname(rawURL); host != "" {
			if p.gate.MarkForbidden(host) {
				p.logger.Warn("host denylisted after forbidden responses", zap.String("host", host))
			}
		}
	}

	if res.Success && res.FinalURL != "" && res.FinalURL != rawURL {
		if d := p.gate.Admit(taskCtx, "GET", res.FinalURL); !d.Allowed {
			p.log.Emit(events.KindPolicyBlocked, events.StatusBlocked, rawURL, map[string]any{
				"reason":    d.Reason,
				"final_url": res.FinalURL,
			})
			p.push(taskCtx, sink.Row{URL: rawURL, Success: false, Error: &d.Reason, StatusCode: res.StatusCode, DurationMS: res.DurationMS})
			return outcomeBlocked
		}
	}

	if res.Success && p.paywall != nil {
		if kw, hit := p.paywall.Match(deref(res.Content)); hit {
			p.log.Emit(events.KindPolicyBlocked, events.StatusBlocked, rawURL, map[string]any{
				"reason":  "paywall",
				"keyword": kw,
			})
			reason := "paywall"
			p.push(taskCtx, sink.Row{URL: rawURL, Success: false, Error: &reason, StatusCode: res.StatusCode, DurationMS: res.DurationMS})
			return outcomeBlocked
		}
	}

	row := sink.Row{
		URL:        rawURL,
		Success:    res.Success,
		Content:    res.Content,
		StatusCode: res.StatusCode,
		Error:      res.Error,
		DurationMS: res.DurationMS,
	}
	if res.Success {
		p.cache.Put(taskCtx, rawURL, []byte(deref(res.Content)))
		p.log.Emit(events.KindCacheWrite, events.StatusOK, rawURL, nil)
		p.log.Emit(events.KindFetchSucceeded, events.StatusOK, rawURL, map[string]any{
			"status":      int(*res.StatusCode),
			"attempts":    res.Attempts,
			"duration_ms": res.DurationMS,
		})
		if p.enricher != nil {
			score := p.enricher.Enrich(taskCtx, rawURL, defaultBaseScore)
			p.logger.Debug("page scored",
				zap.String("url", rawURL),
				zap.Float64("final", score.Final),
				zap.Int("signals", len(score.Signals)))
		}
		p.push(taskCtx, row)
		return outcomeSucceeded
	}

	p.log.Emit(events.KindFetchFailed, events.StatusError, rawURL, map[string]any{
		"error":    deref(res.Error),
		"attempts": res.Attempts,
	})
	p.push(taskCtx, row)
	return outcomeFailed
}

// push writes to the sink with a short grace period so a canceled task
// context does not lose a settled result.
func (p *Pool) push(ctx context.Context, row sink.Row) {
	pushCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := p.sink.Push(pushCtx, row); err != nil {
		p.logger.Error("result lost: sink push failed", zap.String("url", row.URL), zap.Error(err))
	}
}

func hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
