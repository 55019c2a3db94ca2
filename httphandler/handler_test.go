/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/restapi"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-fetchguard/fetchguard"
)

func newTestHandler(t *testing.T, fetcher fetchguard.Fetcher[string], modify func(cfg *fetchguard.Config)) http.Handler {
	t.Helper()
	cfg := fetchguard.NewDefaultConfig()
	cfg.Queue.MaxRetries = 0
	cfg.Queue.RetryDelay = config.TimeDuration(time.Millisecond)
	if modify != nil {
		modify(cfg)
	}
	guard, err := fetchguard.New[string](fetcher, cfg)
	require.NoError(t, err)
	return New[string](guard, nil).Routes()
}

func doRequest(router http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "192.0.2.1:56789"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func staticFetcher() fetchguard.Fetcher[string] {
	return fetchguard.FetcherFunc[string](func(ctx context.Context, key string) (string, bool, error) {
		if key == "missing" {
			return "", false, nil
		}
		return "value-of-" + key, true, nil
	})
}

func TestHandlerFetch(t *testing.T) {
	router := newTestHandler(t, staticFetcher(), nil)

	rec := doRequest(router, http.MethodGet, "/fetch/alpha", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, restapi.ContentTypeAppJSON, rec.Header().Get("Content-Type"))

	var resp FetchResponse[string]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "alpha", resp.Key)
	require.Equal(t, "value-of-alpha", resp.Value)
	require.False(t, resp.FromCache)

	rec = doRequest(router, http.MethodGet, "/fetch/alpha", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.FromCache)
}

func TestHandlerFetchNotFound(t *testing.T) {
	router := newTestHandler(t, staticFetcher(), nil)

	rec := doRequest(router, http.MethodGet, "/fetch/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var apiErr restapi.ErrorResponseData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	require.Equal(t, ErrDomain, apiErr.Err.Domain)
	require.Equal(t, restapi.ErrCodeNotFound, apiErr.Err.Code)
}

func TestHandlerFetchRateLimited(t *testing.T) {
	router := newTestHandler(t, staticFetcher(), func(cfg *fetchguard.Config) {
		cfg.RateLimit.Burst = fetchguard.RateConfig{Limit: 1, Window: config.TimeDuration(time.Second)}
	})

	rec := doRequest(router, http.MethodGet, "/fetch/alpha", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/fetch/alpha", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, retryAfter, 1)

	var apiErr restapi.ErrorResponseData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	require.Equal(t, ErrCodeTooManyRequests, apiErr.Err.Code)

	// A different API key is a different caller identity with its own windows.
	rec = doRequest(router, http.MethodGet, "/fetch/alpha", map[string]string{IdentityHeader: "other-client"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerFetchUpstreamError(t *testing.T) {
	fetcher := fetchguard.FetcherFunc[string](func(ctx context.Context, key string) (string, bool, error) {
		return "", false, errors.New("connection refused")
	})
	router := newTestHandler(t, fetcher, nil)

	rec := doRequest(router, http.MethodGet, "/fetch/alpha", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var apiErr restapi.ErrorResponseData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	require.Equal(t, ErrCodeUpstreamError, apiErr.Err.Code)
}

func TestHandlerFetchQueueCleared(t *testing.T) {
	gate := make(chan struct{})
	fetcher := fetchguard.FetcherFunc[string](func(ctx context.Context, key string) (string, bool, error) {
		<-gate
		return "v", true, nil
	})
	router := newTestHandler(t, fetcher, func(cfg *fetchguard.Config) {
		cfg.Queue.Concurrency = 1
	})
	defer close(gate)

	recs := make(chan *httptest.ResponseRecorder, 2)
	go func() { recs <- doRequest(router, http.MethodGet, "/fetch/executing", nil) }()
	go func() { recs <- doRequest(router, http.MethodGet, "/fetch/queued", nil) }()

	require.Eventually(t, func() bool {
		rec := doRequest(router, http.MethodGet, "/stats", nil)
		var stats StatsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
			return false
		}
		return stats.Queue.Processing == 1 && stats.Queue.Pending == 1
	}, time.Second, time.Millisecond*5)

	rec := doRequest(router, http.MethodPost, "/admin/queue/clear", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = <-recs
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var apiErr restapi.ErrorResponseData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	require.Equal(t, ErrCodeQueueCleared, apiErr.Err.Code)
}

func TestHandlerStats(t *testing.T) {
	router := newTestHandler(t, staticFetcher(), nil)

	doRequest(router, http.MethodGet, "/fetch/alpha", nil)
	doRequest(router, http.MethodGet, "/fetch/alpha", nil)

	rec := doRequest(router, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats.Cache.Hits)
	require.Equal(t, int64(1), stats.Cache.Misses)
	require.Equal(t, 1, stats.Cache.Size)
	require.Equal(t, int64(1), stats.Queue.Completed)
	require.Equal(t, int64(0), stats.Queue.Failed)
	require.Equal(t, int64(1), stats.Queue.TotalProcessed)
	require.Equal(t, 1, stats.RateLimitKeys)
}

func TestHandlerCacheClear(t *testing.T) {
	router := newTestHandler(t, staticFetcher(), nil)

	doRequest(router, http.MethodGet, "/fetch/alpha", nil)

	rec := doRequest(router, http.MethodPost, "/admin/cache/clear", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(router, http.MethodGet, "/stats", nil)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 0, stats.Cache.Size)
}

func TestCallerIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/fetch/k", nil)
	req.RemoteAddr = "198.51.100.7:1234"
	require.Equal(t, "198.51.100.7", callerIdentity(req))

	req.Header.Set(IdentityHeader, "client-42")
	require.Equal(t, "client-42", callerIdentity(req))

	req = httptest.NewRequest(http.MethodGet, "/fetch/k", nil)
	req.RemoteAddr = ""
	require.Equal(t, fetchguard.DefaultIdentity, callerIdentity(req))
}
