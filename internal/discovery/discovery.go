// Package discovery generates candidate domains for a niche and region,
// probes them for liveness, and serves repeat runs from the persistent
// discovery cache.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlasintel/prospector/internal/events"
	"github.com/atlasintel/prospector/internal/policy"
	"github.com/atlasintel/prospector/internal/store"
)

// Relevance tiers assigned at generation time.
const (
	relevanceSeed    = 1.0
	relevanceTLDVar  = 0.9
	relevanceAffixed = 0.7
)

var nicheSeeds = map[string][]string{
	"ecommerce": {"shop", "store", "boutique", "market", "moda"},
	"saas":      {"app", "cloud", "suite", "stack", "hub"},
	"fitness":   {"fit", "gym", "wellness", "train", "yoga"},
	"fintech":   {"pay", "bank", "finance", "wallet", "ledger"},
	"edtech":    {"learn", "academy", "study", "campus", "tutor"},
}

var fallbackSeeds = []string{"brand", "online", "web"}

var regionTLDs = map[string][]string{
	"ES": {"es", "cat", "com"},
	"US": {"com", "us"},
	"UK": {"co.uk", "uk", "com"},
	"FR": {"fr", "com"},
	"DE": {"de", "com"},
	"IT": {"it", "com"},
	"BR": {"com.br", "br", "com"},
	"JP": {"jp", "co.jp", "com"},
}

var fallbackTLDs = []string{"com"}

// Prober answers liveness checks. Satisfied by fetch.Fetcher.
type Prober interface {
	Head(ctx context.Context, rawURL string) (int, error)
}

// Candidate is one discovered domain with its relevance tier.
type Candidate struct {
	Domain    string
	Relevance float64

	// cache key the candidate was generated under
	nicheKey  string
	regionKey string
}

// URL returns the candidate in fetchable form.
func (c Candidate) URL() string {
	return "https://" + c.Domain + "/"
}

// Engine runs candidate generation and liveness probing over the cache.
type Engine struct {
	st     *store.Store
	prober Prober
	gate   *policy.Gate
	ttl    time.Duration
	log    *events.Log
	logger *zap.Logger
	now    func() time.Time
}

// New wires an Engine. log may be nil when no audit trail is wanted.
func New(st *store.Store, prober Prober, gate *policy.Gate, ttl time.Duration, log *events.Log, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		st:     st,
		prober: prober,
		gate:   gate,
		ttl:    ttl,
		log:    log,
		logger: logger,
		now:    time.Now,
	}
}

// Discover returns up to max live candidates for (niche, region), highest
// relevance first. Candidates cached within the TTL skip the probe; probe
// failures are dropped rather than retried.
func (e *Engine) Discover(ctx context.Context, niche, region string, max int) ([]Candidate, error) {
	niche = strings.ToLower(strings.TrimSpace(niche))
	region = strings.ToUpper(strings.TrimSpace(region))
	if niche == "" {
		return nil, fmt.Errorf("niche must not be empty")
	}
	if max <= 0 {
		return nil, fmt.Errorf("max must be positive, got %d", max)
	}

	candidates := generate(niche, region)
	// Probe high-relevance candidates first so they fill max before affixed
	// variants get a turn.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Relevance > candidates[j].Relevance
	})

	cutoff := e.now().Add(-e.ttl)
	cachedRows, err := e.st.DiscoveryGet(ctx, niche, region, cutoff)
	if err != nil {
		// A broken cache degrades to probing everything.
		e.logger.Warn("discovery cache read failed", zap.Error(err))
		cachedRows = nil
	}
	cached := make(map[string]store.DomainRow, len(cachedRows))
	for _, r := range cachedRows {
		cached[r.Domain] = r
	}

	var out []Candidate
	for _, c := range candidates {
		if len(out) >= max {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("discovery interrupted: %w", err)
		}
		if row, ok := cached[c.Domain]; ok {
			out = append(out, Candidate{Domain: row.Domain, Relevance: row.Relevance})
			continue
		}
		if live := e.probe(ctx, c); live {
			out = append(out, Candidate{Domain: c.Domain, Relevance: c.Relevance})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].Domain < out[j].Domain
	})

	if e.log != nil {
		e.log.Emit(events.KindDiscoveryCompleted, events.StatusOK, niche+"/"+region, map[string]any{
			"count": len(out),
		})
	}
	return out, nil
}

func (e *Engine) probe(ctx context.Context, c Candidate) bool {
	target := c.URL()
	if e.gate != nil {
		if d := e.gate.Admit(ctx, "HEAD", target); !d.Allowed {
			return false
		}
	}
	status, err := e.prober.Head(ctx, target)
	live := err == nil && status < 500
	row := store.DomainRow{
		Niche:        c.nicheKey,
		Region:       c.regionKey,
		Domain:       c.Domain,
		DiscoveredAt: e.now(),
		Relevance:    c.Relevance,
		Allowed:      live,
	}
	if !live {
		row.Relevance = c.Relevance / 2
	}
	if err := e.st.DiscoveryPut(ctx, row); err != nil {
		e.logger.Warn("discovery cache write failed", zap.String("domain", c.Domain), zap.Error(err))
	}
	return live
}

func generate(niche, region string) []Candidate {
	seeds, ok := nicheSeeds[niche]
	if !ok {
		seeds = fallbackSeeds
	}
	tlds, ok := regionTLDs[region]
	if !ok {
		tlds = fallbackTLDs
	}
	regionToken := strings.ToLower(region)

	seen := make(map[string]struct{})
	var out []Candidate
	add := func(name, tld string, relevance float64) {
		domain := strings.ToLower(name + "." + tld)
		if _, dup := seen[domain]; dup {
			return
		}
		seen[domain] = struct{}{}
		out = append(out, Candidate{
			Domain:    domain,
			Relevance: relevance,
			nicheKey:  niche,
			regionKey: region,
		})
	}

	for _, seed := range seeds {
		for i, tld := range tlds {
			relevance := relevanceSeed
			if i > 0 {
				relevance = relevanceTLDVar
			}
			add(seed, tld, relevance)
		}
		primary := tlds[0]
		for _, name := range []string{
			"shop" + seed,
			seed + "shop",
			"get" + seed,
			"my" + seed,
			seed + "-" + regionToken,
			seed + regionToken,
		} {
			add(name, primary, relevanceAffixed)
		}
	}
	return out
}
