package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlasintel/prospector/internal/config"
	"github.com/atlasintel/prospector/internal/fetch"
)

func TestTrendProvider(t *testing.T) {
	t.Parallel()

	p := &TrendProvider{enabled: true, boost: 20}

	sig, err := p.Signal(context.Background(), "https://cryptomarket.example/")
	require.NoError(t, err)
	require.Equal(t, 20.0, sig.Adjustment)
	require.Contains(t, sig.Reason, "crypto")

	sig, err = p.Signal(context.Background(), "https://quiet.example/")
	require.NoError(t, err)
	require.Zero(t, sig.Adjustment)
}

func TestDetectSiteType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want SiteType
	}{
		{"shopify cdn", `<script src="https://cdn.shopify.com/app.js">`, SiteShopify},
		{"shopify theme", `window.Shopify.theme = {}`, SiteShopify},
		{"woocommerce", `<link href="/wp-content/plugins/woocommerce/style.css">`, SiteWooCommerce},
		{"generic", `<html><body>plain site</body></html>`, SiteGeneric},
		{"empty", "", SiteUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, DetectSiteType(tc.body))
		})
	}
}

type stubFetcher struct {
	result fetch.Result
}

func (s *stubFetcher) Fetch(context.Context, string) fetch.Result { return s.result }

func TestPlatformProvider(t *testing.T) {
	t.Parallel()

	body := `<script src="https://cdn.shopify.com/app.js">`
	p := &PlatformProvider{
		enabled: true,
		boost:   15,
		fetcher: &stubFetcher{result: fetch.Result{Success: true, Content: &body}},
	}

	sig, err := p.Signal(context.Background(), "https://shop.example/products/1")
	require.NoError(t, err)
	require.Equal(t, 15.0, sig.Adjustment)
	require.Contains(t, sig.Reason, "shopify")

	failed := &PlatformProvider{
		enabled: true,
		boost:   15,
		fetcher: &stubFetcher{result: fetch.Result{Success: false}},
	}
	_, err = failed.Signal(context.Background(), "https://shop.example/")
	require.Error(t, err)
}

func TestReputationProvider(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "example.com", r.URL.Query().Get("domain"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"rating": 1.0}`)) //nolint:errcheck // test handler
	}))
	defer srv.Close()

	p := NewReputationProvider(config.Config{
		APIs:    map[string]bool{"reputation_enabled": true},
		Scoring: config.ScoringConfig{LowRatingPenalty: -5},
		Providers: map[string]config.ProviderConfig{
			"reputation": {Endpoint: srv.URL, APIKey: "secret", TimeoutSeconds: 5},
		},
	})
	require.True(t, p.Enabled())

	sig, err := p.Signal(context.Background(), "https://example.com/page")
	require.NoError(t, err)
	require.Equal(t, -10.0, sig.Adjustment, "rating 1.0 is two below neutral")
}

func TestFundingProviderDisabledWithoutKey(t *testing.T) {
	t.Parallel()

	p := NewFundingProvider(config.Config{
		APIs: map[string]bool{"funding_enabled": true},
		Providers: map[string]config.ProviderConfig{
			"funding": {Endpoint: "https://funding.example/api"},
		},
	})
	require.False(t, p.Enabled())
}

func TestFundingProvider(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"funded": true}`)) //nolint:errcheck // test handler
	}))
	defer srv.Close()

	p := NewFundingProvider(config.Config{
		APIs:    map[string]bool{"funding_enabled": true},
		Scoring: config.ScoringConfig{FundingBoost: 10},
		Providers: map[string]config.ProviderConfig{
			"funding": {Endpoint: srv.URL, APIKey: "key"},
		},
	})
	require.True(t, p.Enabled())

	sig, err := p.Signal(context.Background(), "https://startup.example/")
	require.NoError(t, err)
	require.Equal(t, 10.0, sig.Adjustment)
}

func TestDomainAgeProvider(t *testing.T) {
	t.Parallel()

	p := &DomainAgeProvider{
		enabled:  true,
		boost:    5,
		minYears: 2,
		run: func(context.Context, string) ([]byte, error) {
			return []byte("Domain Name: EXAMPLE.COM\nCreation Date: 1995-08-14T04:00:00Z\n"), nil
		},
	}

	sig, err := p.Signal(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, 5.0, sig.Adjustment)

	young := &DomainAgeProvider{
		enabled:  true,
		boost:    5,
		minYears: 2,
		run: func(context.Context, string) ([]byte, error) {
			return []byte("created: 2026-01-01\n"), nil
		},
	}
	sig, err = young.Signal(context.Background(), "https://new.example/")
	require.NoError(t, err)
	require.Zero(t, sig.Adjustment)

	noYear := &DomainAgeProvider{
		enabled: true,
		run: func(context.Context, string) ([]byte, error) {
			return []byte("no match here"), nil
		},
	}
	_, err = noYear.Signal(context.Background(), "https://x.example/")
	require.Error(t, err)
}

func TestNewProvidersOrder(t *testing.T) {
	t.Parallel()

	providers := NewProviders(config.Config{APIs: map[string]bool{}}, nil)
	require.Len(t, providers, 5)
	keys := make([]string, 0, len(providers))
	for _, p := range providers {
		keys = append(keys, p.RateKey())
	}
	require.Equal(t, []string{"trend", "platform", "reputation", "funding", "domainage"}, keys)
}
