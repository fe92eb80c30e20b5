package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/atlasintel/prospector/internal/config"
	"github.com/atlasintel/prospector/internal/fetch"
)

// PageFetcher retrieves a site's root page for platform detection.
// Satisfied by fetch.Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) fetch.Result
}

// NewProviders builds every provider from configuration in a fixed order:
// trend, platform, reputation, funding, domainage.
func NewProviders(cfg config.Config, fetcher PageFetcher) []Provider {
	return []Provider{
		&TrendProvider{
			enabled: cfg.APIs["trend_enabled"],
			boost:   cfg.Scoring.TrendingBoost,
		},
		&PlatformProvider{
			enabled: cfg.APIs["platform_enabled"],
			boost:   cfg.Scoring.PlatformBoost,
			fetcher: fetcher,
		},
		NewReputationProvider(cfg),
		NewFundingProvider(cfg),
		&DomainAgeProvider{
			enabled:  cfg.APIs["domainage_enabled"],
			boost:    cfg.Scoring.DomainAgeBoost,
			minYears: 2,
			run:      runWhois,
		},
	}
}

var trendKeywords = []string{"ai", "tech", "crypto", "shop", "store", "market"}

// TrendProvider applies a fixed boost when the host carries a trending
// keyword token. Purely local, no quota pressure.
type TrendProvider struct {
	enabled bool
	boost   float64
}

func (p *TrendProvider) Enabled() bool      { return p.enabled }
func (p *TrendProvider) RateKey() string    { return "trend" }
func (p *TrendProvider) TTL() time.Duration { return 6 * time.Hour }

// Signal matches trending keywords against the host tokens.
func (p *TrendProvider) Signal(_ context.Context, rawURL string) (Signal, error) {
	host := hostOf(rawURL)
	for _, kw := range trendKeywords {
		if strings.Contains(host, kw) {
			return Signal{
				Source:     "trend",
				Adjustment: p.boost,
				Reason:     "host matches trending keyword " + kw,
			}, nil
		}
	}
	return Signal{Source: "trend", Reason: "no trending keyword"}, nil
}

var platformSignatures = map[SiteType][]string{
	SiteShopify: {
		"cdn.shopify.com",
		"myshopify.com",
		"Shopify.theme",
		"shopify-analytics",
		"shopify_pay",
	},
	SiteWooCommerce: {
		"woocommerce",
		"wp-content/plugins/woocommerce",
	},
}

// PlatformProvider fetches the root page and matches platform signatures.
type PlatformProvider struct {
	enabled bool
	boost   float64
	fetcher PageFetcher
}

func (p *PlatformProvider) Enabled() bool      { return p.enabled && p.fetcher != nil }
func (p *PlatformProvider) RateKey() string    { return "platform" }
func (p *PlatformProvider) TTL() time.Duration { return 7 * 24 * time.Hour }

// Signal detects the site platform from the root page body.
func (p *PlatformProvider) Signal(ctx context.Context, rawURL string) (Signal, error) {
	root, err := rootURL(rawURL)
	if err != nil {
		return Signal{}, err
	}
	res := p.fetcher.Fetch(ctx, root)
	if !res.Success || res.Content == nil {
		return Signal{}, fmt.Errorf("platform probe failed for %s", root)
	}
	site := DetectSiteType(*res.Content)
	payload, _ := json.Marshal(map[string]string{"site_type": string(site)}) //nolint:errcheck // static map

	switch site {
	case SiteShopify, SiteWooCommerce:
		return Signal{
			Source:     "platform",
			Adjustment: p.boost,
			Reason:     "detected " + string(site),
			Payload:    payload,
		}, nil
	default:
		return Signal{Source: "platform", Reason: "no platform signature", Payload: payload}, nil
	}
}

// DetectSiteType classifies a page body by platform signatures. A non-empty
// body without signatures is generic; an empty body is unknown.
func DetectSiteType(body string) SiteType {
	if strings.TrimSpace(body) == "" {
		return SiteUnknown
	}
	for _, sig := range platformSignatures[SiteShopify] {
		if strings.Contains(body, sig) {
			return SiteShopify
		}
	}
	lower := strings.ToLower(body)
	for _, sig := range platformSignatures[SiteWooCommerce] {
		if strings.Contains(lower, sig) {
			return SiteWooCommerce
		}
	}
	return SiteGeneric
}

// ReputationProvider queries an external rating service. Ratings below the
// neutral midpoint penalize, above it boost.
type ReputationProvider struct {
	enabled   bool
	endpoint  string
	apiKey    string
	magnitude float64
	client    *http.Client
}

// NewReputationProvider reads the `reputation` provider block.
func NewReputationProvider(cfg config.Config) *ReputationProvider {
	pc := cfg.Providers["reputation"]
	timeout := time.Duration(pc.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	magnitude := cfg.Scoring.LowRatingPenalty
	if magnitude < 0 {
		magnitude = -magnitude
	}
	return &ReputationProvider{
		enabled:   cfg.APIs["reputation_enabled"] && pc.Endpoint != "",
		endpoint:  pc.Endpoint,
		apiKey:    pc.APIKey,
		magnitude: magnitude,
		client:    &http.Client{Timeout: timeout},
	}
}

func (p *ReputationProvider) Enabled() bool      { return p.enabled }
func (p *ReputationProvider) RateKey() string    { return "reputation" }
func (p *ReputationProvider) TTL() time.Duration { return 24 * time.Hour }

// Signal converts the remote rating into a signed adjustment.
func (p *ReputationProvider) Signal(ctx context.Context, rawURL string) (Signal, error) {
	var payload struct {
		Rating float64 `json:"rating"`
	}
	raw, err := getJSON(ctx, p.client, p.endpoint, p.apiKey, hostOf(rawURL), &payload)
	if err != nil {
		return Signal{}, err
	}
	adjustment := (payload.Rating - 3.0) * p.magnitude
	return Signal{
		Source:     "reputation",
		Adjustment: adjustment,
		Reason:     fmt.Sprintf("rating %.1f", payload.Rating),
		Payload:    raw,
	}, nil
}

// FundingProvider checks a funding database behind an API key. Without a
// key the provider stays disabled.
type FundingProvider struct {
	enabled  bool
	endpoint string
	apiKey   string
	boost    float64
	client   *http.Client
}

// NewFundingProvider reads the `funding` provider block.
func NewFundingProvider(cfg config.Config) *FundingProvider {
	pc := cfg.Providers["funding"]
	timeout := time.Duration(pc.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FundingProvider{
		enabled:  cfg.APIs["funding_enabled"] && pc.Endpoint != "" && pc.APIKey != "",
		endpoint: pc.Endpoint,
		apiKey:   pc.APIKey,
		boost:    cfg.Scoring.FundingBoost,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *FundingProvider) Enabled() bool      { return p.enabled }
func (p *FundingProvider) RateKey() string    { return "funding" }
func (p *FundingProvider) TTL() time.Duration { return 7 * 24 * time.Hour }

// Signal boosts domains with known funding rounds.
func (p *FundingProvider) Signal(ctx context.Context, rawURL string) (Signal, error) {
	var payload struct {
		Funded bool `json:"funded"`
	}
	raw, err := getJSON(ctx, p.client, p.endpoint, p.apiKey, hostOf(rawURL), &payload)
	if err != nil {
		return Signal{}, err
	}
	if !payload.Funded {
		return Signal{Source: "funding", Reason: "no funding record", Payload: raw}, nil
	}
	return Signal{
		Source:     "funding",
		Adjustment: p.boost,
		Reason:     "funding record found",
		Payload:    raw,
	}, nil
}

var creationYearRe = regexp.MustCompile(`(?i)creat(?:ed|ion)[^0-9]{0,40}(\d{4})`)

// DomainAgeProvider shells out to whois and boosts domains older than the
// threshold.
type DomainAgeProvider struct {
	enabled  bool
	boost    float64
	minYears int
	run      func(ctx context.Context, domain string) ([]byte, error)
}

func (p *DomainAgeProvider) Enabled() bool      { return p.enabled }
func (p *DomainAgeProvider) RateKey() string    { return "domainage" }
func (p *DomainAgeProvider) TTL() time.Duration { return 30 * 24 * time.Hour }

// Signal parses the registration year out of whois output.
func (p *DomainAgeProvider) Signal(ctx context.Context, rawURL string) (Signal, error) {
	domain := hostOf(rawURL)
	out, err := p.run(ctx, domain)
	if err != nil {
		return Signal{}, fmt.Errorf("whois %s: %w", domain, err)
	}
	m := creationYearRe.FindSubmatch(out)
	if m == nil {
		return Signal{}, fmt.Errorf("whois %s: no creation year", domain)
	}
	year, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return Signal{}, fmt.Errorf("whois %s: parse year: %w", domain, err)
	}
	age := time.Now().UTC().Year() - year
	if age < p.minYears {
		return Signal{Source: "domainage", Reason: fmt.Sprintf("domain age %d years", age)}, nil
	}
	return Signal{
		Source:     "domainage",
		Adjustment: p.boost,
		Reason:     fmt.Sprintf("domain age %d years", age),
	}, nil
}

func runWhois(ctx context.Context, domain string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "whois", domain).Output()
	if err != nil {
		return nil, fmt.Errorf("run whois: %w", err)
	}
	return out, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint, apiKey, domain string, into any) (json.RawMessage, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("domain", domain)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new provider request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider call: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider body: %w", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return nil, fmt.Errorf("decode provider payload: %w", err)
	}
	return raw, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}

func rootURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Path = "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
