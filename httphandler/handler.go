/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httphandler

import (
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/acronis/go-appkit/httpserver/middleware"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"
	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-fetchguard/fetchguard"
	"github.com/acronis/go-fetchguard/jobqueue"
)

// ErrDomain is used in all error responses produced by the handler.
const ErrDomain = "FetchGuard"

// IdentityHeader carries the caller identity for rate limiting.
// When absent, the client IP is used instead.
const IdentityHeader = "X-Api-Key"

// Error codes specific to the handler.
var (
	ErrCodeTooManyRequests = "tooManyRequests"
	ErrCodeUpstreamError   = "upstreamError"
	ErrCodeQueueCleared    = "queueCleared"
)

// FetchResponse is a body of the successful response on the fetch endpoint.
type FetchResponse[V any] struct {
	Key       string `json:"key"`
	Value     V      `json:"value"`
	FromCache bool   `json:"fromCache"`
}

// StatsResponse aggregates runtime statistics of all pipeline stages.
type StatsResponse struct {
	Cache         cacheStats `json:"cache"`
	Queue         queueStats `json:"queue"`
	RateLimitKeys int        `json:"rateLimitKeys"`
}

type cacheStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Size        int   `json:"size"`
	Capacity    int   `json:"capacity"`
}

type queueStats struct {
	Pending             int     `json:"pending"`
	Processing          int     `json:"processing"`
	Completed           int64   `json:"completed"`
	Failed              int64   `json:"failed"`
	TotalProcessed      int64   `json:"totalProcessed"`
	AvgProcessingTimeMs float64 `json:"avgProcessingTimeMs"`
}

// Handler serves a fetchguard.Guard over HTTP.
type Handler[V any] struct {
	guard  *fetchguard.Guard[V]
	logger log.FieldLogger
}

// New creates a new Handler for the provided guard.
func New[V any](guard *fetchguard.Guard[V], logger log.FieldLogger) *Handler[V] {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &Handler[V]{guard: guard, logger: logger}
}

// Routes builds a router with all handler endpoints and the standard middleware chain.
func (h *Handler[V]) Routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logging(h.logger))
	router.Use(middleware.Recovery(ErrDomain))

	router.Get("/fetch/{key}", h.handleFetch)
	router.Get("/stats", h.handleStats)
	router.Post("/admin/cache/clear", h.handleCacheClear)
	router.Post("/admin/queue/clear", h.handleQueueClear)
	return router
}

func (h *Handler[V]) handleFetch(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())
	key := chi.URLParam(r, "key")

	res, err := h.guard.Get(r.Context(), callerIdentity(r), key)
	if err != nil {
		h.respondFetchError(rw, r, err, logger)
		return
	}
	if !res.Found {
		restapi.RespondError(rw, http.StatusNotFound,
			restapi.NewError(ErrDomain, restapi.ErrCodeNotFound, restapi.ErrMessageNotFound), logger)
		return
	}
	restapi.RespondJSON(rw, FetchResponse[V]{Key: key, Value: res.Value, FromCache: res.FromCache}, logger)
}

func (h *Handler[V]) respondFetchError(rw http.ResponseWriter, r *http.Request, err error, logger log.FieldLogger) {
	var rlErr *fetchguard.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rlErr.RetryAfter.Seconds()))))
		apiErr := restapi.NewError(ErrDomain, ErrCodeTooManyRequests, "Too many requests.").
			AddContext("reason", rlErr.Reason)
		restapi.RespondError(rw, http.StatusTooManyRequests, apiErr, logger)
	case errors.Is(err, jobqueue.ErrCleared):
		restapi.RespondError(rw, http.StatusServiceUnavailable,
			restapi.NewError(ErrDomain, ErrCodeQueueCleared, "Fetch was discarded, try again later."), logger)
	case r.Context().Err() != nil:
		// The client went away, nobody is reading the response.
		logger.Warn("request context is done", log.Error(r.Context().Err()))
	default:
		logger.Error("upstream fetch failed", log.Error(err))
		restapi.RespondError(rw, http.StatusBadGateway,
			restapi.NewError(ErrDomain, ErrCodeUpstreamError, "Upstream fetch failed."), logger)
	}
}

func (h *Handler[V]) handleStats(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())
	cs, qs := h.guard.CacheStats(), h.guard.QueueStats()
	restapi.RespondJSON(rw, StatsResponse{
		Cache: cacheStats{
			Hits:        cs.Hits,
			Misses:      cs.Misses,
			Evictions:   cs.Evictions,
			Expirations: cs.Expirations,
			Size:        cs.Size,
			Capacity:    cs.Capacity,
		},
		Queue: queueStats{
			Pending:             qs.Pending,
			Processing:          qs.Processing,
			Completed:           qs.Completed,
			Failed:              qs.Failed,
			TotalProcessed:      qs.TotalProcessed,
			AvgProcessingTimeMs: float64(qs.AvgProcessingTime.Microseconds()) / 1000,
		},
		RateLimitKeys: h.guard.RateLimitKeysCount(),
	}, logger)
}

func (h *Handler[V]) handleCacheClear(rw http.ResponseWriter, r *http.Request) {
	h.guard.ClearCache()
	middleware.GetLoggerFromContext(r.Context()).Info("cache cleared by admin request")
	rw.WriteHeader(http.StatusNoContent)
}

func (h *Handler[V]) handleQueueClear(rw http.ResponseWriter, r *http.Request) {
	h.guard.ClearQueue()
	middleware.GetLoggerFromContext(r.Context()).Info("queue cleared by admin request")
	rw.WriteHeader(http.StatusNoContent)
}

func callerIdentity(r *http.Request) string {
	if apiKey := r.Header.Get(IdentityHeader); apiKey != "" {
		return apiKey
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return fetchguard.DefaultIdentity
}
