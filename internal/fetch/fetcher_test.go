package fetch

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlasintel/prospector/internal/config"
)

func testFetcher(t *testing.T, httpCfg config.HTTPConfig) *Fetcher {
	t.Helper()
	if httpCfg.MaxAttempts == 0 {
		httpCfg.MaxAttempts = 3
	}
	if httpCfg.BackoffInitialMs == 0 {
		httpCfg.BackoffInitialMs = 1
	}
	if httpCfg.BackoffMaxMs == 0 {
		httpCfg.BackoffMaxMs = 10
	}
	if httpCfg.MaxBodyBytes == 0 {
		httpCfg.MaxBodyBytes = 5 << 20
	}
	if httpCfg.TimeoutSeconds == 0 {
		httpCfg.TimeoutSeconds = 5
	}
	return New(httpCfg, config.PolicyConfig{
		UserAgent:    "prospector-test/1.0",
		MaxRedirects: 3,
	}, nil, zap.NewNop())
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "prospector-test/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte("<html>hello</html>")) //nolint:errcheck // test handler
	}))
	defer srv.Close()

	f := testFetcher(t, config.HTTPConfig{})
	res := f.Fetch(context.Background(), srv.URL+"/page")

	require.True(t, res.Success)
	require.NotNil(t, res.Content)
	require.Equal(t, "<html>hello</html>", *res.Content)
	require.NotNil(t, res.StatusCode)
	require.Equal(t, uint32(200), *res.StatusCode)
	require.Nil(t, res.Error)
	require.Equal(t, 1, res.Attempts)
}

func TestFetchRetriesOn500ThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck // test handler
	}))
	defer srv.Close()

	f := testFetcher(t, config.HTTPConfig{MaxAttempts: 3})
	res := f.Fetch(context.Background(), srv.URL)

	require.True(t, res.Success)
	require.Equal(t, 3, res.Attempts)
}

func TestFetchDoesNotRetry404(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := testFetcher(t, config.HTTPConfig{MaxAttempts: 3})
	res := f.Fetch(context.Background(), srv.URL)

	require.False(t, res.Success)
	require.Equal(t, int32(1), calls.Load())
	require.NotNil(t, res.Error)
	require.Contains(t, *res.Error, "404")
	require.Equal(t, uint32(404), *res.StatusCode)
}

func TestFetchExhaustsAttempts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := testFetcher(t, config.HTTPConfig{MaxAttempts: 2})
	res := f.Fetch(context.Background(), srv.URL)

	require.False(t, res.Success)
	require.Equal(t, 2, res.Attempts)
	require.Contains(t, *res.Error, "503")
}

func TestFetchBodyCap(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 1000))) //nolint:errcheck // test handler
	}))
	defer srv.Close()

	f := testFetcher(t, config.HTTPConfig{MaxBodyBytes: 64})
	res := f.Fetch(context.Background(), srv.URL)

	require.True(t, res.Success)
	require.Len(t, *res.Content, 64)
}

func TestFetchGzipBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("Accept-Encoding"), "gzip")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("<html>compressed</html>")) //nolint:errcheck // test handler
		gz.Close()                                  //nolint:errcheck // test handler
	}))
	defer srv.Close()

	f := testFetcher(t, config.HTTPConfig{})
	res := f.Fetch(context.Background(), srv.URL)

	require.True(t, res.Success)
	require.Equal(t, "<html>compressed</html>", *res.Content)
}

func TestFetchInvalidUTF8IsReplaced(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{'o', 'k', 0xff, 0xfe, '!'}) //nolint:errcheck // test handler
	}))
	defer srv.Close()

	f := testFetcher(t, config.HTTPConfig{})
	res := f.Fetch(context.Background(), srv.URL)

	require.True(t, res.Success)
	require.True(t, strings.HasPrefix(*res.Content, "ok"))
	require.Contains(t, *res.Content, "�")
}

func TestFetchSameHostRedirect(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("landed")) //nolint:errcheck // test handler
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := testFetcher(t, config.HTTPConfig{})
	res := f.Fetch(context.Background(), srv.URL+"/start")

	require.True(t, res.Success)
	require.Equal(t, "landed", *res.Content)
	require.Equal(t, srv.URL+"/end", res.FinalURL)
}

func TestFetchOffHostRedirectFails(t *testing.T) {
	t.Parallel()

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("elsewhere")) //nolint:errcheck // test handler
	}))
	defer other.Close()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Redirect(w, r, other.URL, http.StatusFound)
	}))
	defer srv.Close()

	f := testFetcher(t, config.HTTPConfig{MaxAttempts: 3})
	res := f.Fetch(context.Background(), srv.URL)

	require.False(t, res.Success)
	require.Equal(t, int32(1), calls.Load(), "off-host redirect must not retry")
	require.Contains(t, *res.Error, "origin host")
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	f := testFetcher(t, config.HTTPConfig{MaxAttempts: 2})
	res := f.Fetch(context.Background(), "http://127.0.0.1:1/")

	require.False(t, res.Success)
	require.Nil(t, res.StatusCode)
	require.NotNil(t, res.Error)
	require.Equal(t, 2, res.Attempts)
}

func TestHead(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := testFetcher(t, config.HTTPConfig{})
	status, err := f.Head(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)

	_, err = f.Head(context.Background(), "http://127.0.0.1:1/")
	require.Error(t, err)
}
