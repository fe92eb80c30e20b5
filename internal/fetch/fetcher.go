// Package fetch implements the retrying HTTP client used for page
// collection. Redirects stay on the origin host, bodies are capped and
// decoded to valid UTF-8, and transient failures back off exponentially
// with jitter.
package fetch

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlasintel/prospector/internal/config"
	"github.com/atlasintel/prospector/internal/ratelimit"
	"github.com/atlasintel/prospector/internal/telemetry"
)

// ErrRedirectOffHost marks a redirect leaving the origin host.
var ErrRedirectOffHost = errors.New("redirect left origin host")

// Result is the outcome of one collection attempt, terminal after retries.
type Result struct {
	URL        string
	FinalURL   string
	Success    bool
	Content    *string
	StatusCode *uint32
	Error      *string
	DurationMS uint64
	Attempts   int
	Blocked    bool
}

// Fetcher issues GET requests with politeness and retry policies applied.
type Fetcher struct {
	client      *http.Client
	userAgent   string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxBody     int64
	limiter     *ratelimit.Limiter
	logger      *zap.Logger
}

// New builds a Fetcher from the HTTP and policy configuration.
func New(httpCfg config.HTTPConfig, policyCfg config.PolicyConfig, limiter *ratelimit.Limiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRedirects := policyCfg.MaxRedirects
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	client := &http.Client{
		Timeout:   time.Duration(httpCfg.TimeoutSeconds) * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			origin := via[0].URL
			if !strings.EqualFold(req.URL.Host, origin.Host) {
				return fmt.Errorf("%w: %s -> %s", ErrRedirectOffHost, origin.Host, req.URL.Host)
			}
			return nil
		},
	}
	return &Fetcher{
		client:      client,
		userAgent:   policyCfg.UserAgent,
		maxAttempts: httpCfg.MaxAttempts,
		baseDelay:   time.Duration(httpCfg.BackoffInitialMs) * time.Millisecond,
		maxDelay:    time.Duration(httpCfg.BackoffMaxMs) * time.Millisecond,
		maxBody:     httpCfg.MaxBodyBytes,
		limiter:     limiter,
		logger:      logger,
	}
}

// Fetch GETs rawURL, retrying transient failures up to the attempt budget.
// The returned Result is terminal: either content or an error string.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) Result {
	start := time.Now()
	res := Result{URL: rawURL, FinalURL: rawURL}

	var lastErr string
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		res.Attempts = attempt
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, rawURL); err != nil {
				lastErr = err.Error()
				break
			}
		}

		status, finalURL, body, err := f.do(ctx, rawURL)
		if status > 0 {
			code := uint32(status)
			res.StatusCode = &code
		}
		if finalURL != "" {
			res.FinalURL = finalURL
		}
		if err == nil && status >= 200 && status < 300 {
			content := decodeLossy(body)
			res.Success = true
			res.Content = &content
			res.Error = nil
			break
		}

		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = fmt.Sprintf("http status %d", status)
		}
		if !f.shouldRetry(ctx, err, status, attempt) {
			break
		}
		delay := f.backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))
		if !sleepCtx(ctx, delay) {
			lastErr = ctx.Err().Error()
			break
		}
	}

	res.DurationMS = uint64(time.Since(start).Milliseconds())
	if !res.Success {
		res.Error = &lastErr
	}
	telemetry.ObserveFetch(hostOf(rawURL), statusOf(res.StatusCode), contentLen(res.Content))
	return res
}

// Head issues a single HEAD request and returns the status code. Used for
// reachability probes where the body is irrelevant.
func (f *Fetcher) Head(ctx context.Context, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("new head request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body unused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck // drain for reuse
	return resp.StatusCode, nil
}

func (f *Fetcher) do(ctx context.Context, rawURL string) (status int, finalURL string, body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	reader := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, gerr := gzip.NewReader(resp.Body)
		if gerr != nil {
			return resp.StatusCode, resp.Request.URL.String(), nil, fmt.Errorf("gzip reader: %w", gerr)
		}
		defer gz.Close() //nolint:errcheck // read-only stream
		reader = gz
	}
	body, err = io.ReadAll(io.LimitReader(reader, f.maxBody))
	if err != nil {
		return resp.StatusCode, resp.Request.URL.String(), nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, resp.Request.URL.String(), body, nil
}

// shouldRetry treats transport timeouts, 429 and 5xx as transient. Context
// cancellation and off-host redirects are terminal.
func (f *Fetcher) shouldRetry(ctx context.Context, err error, status, attempt int) bool {
	if attempt >= f.maxAttempts {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		if errors.Is(err, ErrRedirectOffHost) {
			return false
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return true
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return true
		}
		return false
	}
	return status == http.StatusTooManyRequests || status >= 500
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := float64(f.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(f.maxDelay) {
		delay = float64(f.maxDelay)
	}
	return time.Duration(delay) + randomJitter(f.baseDelay)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// decodeLossy returns body as UTF-8, replacing invalid sequences.
func decodeLossy(body []byte) string {
	return strings.ToValidUTF8(string(body), "�")
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "unknown"
}

func statusOf(code *uint32) int {
	if code == nil {
		return 0
	}
	return int(*code)
}

func contentLen(content *string) int64 {
	if content == nil {
		return 0
	}
	return int64(len(*content))
}
