package enrich

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasintel/prospector/internal/cache"
	"github.com/atlasintel/prospector/internal/events"
	"github.com/atlasintel/prospector/internal/ratelimit"
)

// cacheKeyPrefix separates enrichment rows from page-content rows in the
// shared cache table.
const cacheKeyPrefix = "enrich:"

// Orchestrator fans a URL out to every enabled provider and aggregates the
// signals into a Score.
type Orchestrator struct {
	providers []Provider
	quota     *ratelimit.Quota
	cache     *cache.Cache
	log       *events.Log
	logger    *zap.Logger
	now       func() time.Time
}

// New builds an Orchestrator. cache holds aggregated scores and should carry
// the minimum TTL across enabled providers (see MinTTL); quota and log may
// be nil.
func New(providers []Provider, quota *ratelimit.Quota, c *cache.Cache, log *events.Log, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		providers: providers,
		quota:     quota,
		cache:     c,
		log:       log,
		logger:    logger,
		now:       time.Now,
	}
}

// MinTTL returns the shortest TTL among enabled providers, or fallback when
// none are enabled.
func MinTTL(providers []Provider, fallback time.Duration) time.Duration {
	min := fallback
	found := false
	for _, p := range providers {
		if !p.Enabled() {
			continue
		}
		if !found || p.TTL() < min {
			min = p.TTL()
			found = true
		}
	}
	return min
}

// Enrich aggregates provider signals on top of base. Provider errors and
// throttled quotas skip that provider; the call itself never fails.
func (o *Orchestrator) Enrich(ctx context.Context, rawURL string, base float64) Score {
	if o.cache != nil {
		if payload, ok := o.cache.Get(ctx, cacheKeyPrefix+rawURL); ok {
			var cached Score
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached
			}
			o.logger.Warn("discarding undecodable cached score", zap.String("url", rawURL))
		}
	}

	type slot struct {
		signal Signal
		ok     bool
	}
	enabled := make([]Provider, 0, len(o.providers))
	for _, p := range o.providers {
		if p.Enabled() {
			enabled = append(enabled, p)
		}
	}

	slots := make([]slot, len(enabled))
	var wg sync.WaitGroup
	for i, p := range enabled {
		if o.quota != nil {
			if ok, retryAfter := o.quota.Allow(p.RateKey()); !ok {
				if o.log != nil {
					o.log.Emit(events.KindRateThrottled, events.StatusOK, rawURL, map[string]any{
						"provider":       p.RateKey(),
						"retry_after_ms": retryAfter.Milliseconds(),
					})
				}
				o.logger.Debug("provider throttled",
					zap.String("provider", p.RateKey()),
					zap.Duration("retry_after", retryAfter))
				continue
			}
		}
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			sig, err := p.Signal(ctx, rawURL)
			if err != nil {
				o.logger.Debug("provider skipped",
					zap.String("provider", p.RateKey()),
					zap.String("url", rawURL),
					zap.Error(err))
				return
			}
			slots[i] = slot{signal: sig, ok: true}
		}(i, p)
	}
	wg.Wait()

	score := Score{
		URL:        rawURL,
		Base:       base,
		SiteType:   SiteUnknown,
		ComputedAt: o.now().UTC(),
	}
	total := base
	for _, s := range slots {
		if !s.ok {
			continue
		}
		s.signal.Adjustment = clampAdjustment(s.signal.Adjustment)
		score.Signals = append(score.Signals, s.signal)
		total += s.signal.Adjustment
		if s.signal.Source == "platform" {
			score.SiteType = siteTypeFromPayload(s.signal.Payload)
		}
	}
	score.Final = clampScore(total)

	if o.cache != nil {
		if payload, err := json.Marshal(score); err == nil {
			o.cache.Put(ctx, cacheKeyPrefix+rawURL, payload)
		}
	}
	if o.log != nil {
		o.log.Emit(events.KindEnrichmentApplied, events.StatusOK, rawURL, map[string]any{
			"base":    score.Base,
			"final":   score.Final,
			"signals": len(score.Signals),
		})
	}
	return score
}

func siteTypeFromPayload(payload json.RawMessage) SiteType {
	var p struct {
		SiteType string `json:"site_type"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.SiteType == "" {
		return SiteUnknown
	}
	return SiteType(p.SiteType)
}
