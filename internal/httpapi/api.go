// Package httpapi translates HTTP requests into session service queries
// and serializes records to JSON. It owns no session state beyond a small
// cache of rendered detail payloads.
package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/kmckiern/agent-sessions/internal/query"
	"github.com/kmckiern/agent-sessions/internal/service"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
)

// MaxPageSize caps page_size on the list endpoint.
const MaxPageSize = 100

const searchHitLimitMax = 50

// API holds the request handlers for the JSON endpoints.
type API struct {
	svc         *service.Service
	maxPageSize int
	details     *detailCache
}

// New creates the API over a session service. maxPageSize <= 0 uses the
// default cap.
func New(svc *service.Service, maxPageSize int) *API {
	if maxPageSize <= 0 {
		maxPageSize = MaxPageSize
	}
	return &API{
		svc:         svc,
		maxPageSize: maxPageSize,
		details:     newDetailCache(detailCacheMax),
	}
}

// Router builds the chi router for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Use(a.timed)

	r.Get("/api/sessions", a.listSessions)
	r.Get("/api/search-hits", a.searchHits)
	r.Get("/api/sessions/{provider}/*", a.sessionDetail)
	r.Get("/api/providers", a.providers)
	r.Get("/api/models", a.models)
	r.Get("/api/working-dirs", a.workingDirs)
	return r
}

func (a *API) timed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		telemetry.Log("http.endpoint", map[string]any{
			"endpoint":    endpointName(r.URL.Path),
			"response_ms": float64(time.Since(started)) / float64(time.Millisecond),
		})
	})
}

func endpointName(path string) string {
	if strings.HasPrefix(path, "/api/sessions/") {
		return "/api/sessions/:provider/:session"
	}
	return path
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// coercePositiveInt parses value, clamping to at least 1. Returns false for
// non-numeric input.
func coercePositiveInt(value string, fallback int) (int, bool) {
	if value == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	if parsed < 1 {
		return 1, true
	}
	return parsed, true
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	page, ok := coercePositiveInt(params.Get("page"), 1)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid page parameter")
		return
	}
	pageSize, ok := coercePositiveInt(params.Get("page_size"), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid page_size parameter")
		return
	}
	if pageSize > a.maxPageSize {
		pageSize = a.maxPageSize
	}

	order := params.Get("order")
	if order == "" {
		order = query.OrderUpdatedAt
	}
	if _, supported := query.SupportedOrders[order]; !supported {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Unsupported order parameter",
			"allowed": sortedOrders(),
		})
		return
	}

	sessionQuery := buildSessionQuery(params, order, page, pageSize)
	pageResult := a.svc.ListSessions(sessionQuery, a.maxPageSize)

	summaries := make([]map[string]any, 0, len(pageResult.Items))
	for _, record := range pageResult.Items {
		summaries = append(summaries, sessionSummary(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":           pageResult.Page,
		"page_size":      pageResult.PageSize,
		"total_sessions": pageResult.Total,
		"total_pages":    pageResult.TotalPages,
		"sessions":       summaries,
	})
}

func sortedOrders() []string {
	orders := make([]string, 0, len(query.SupportedOrders))
	for order := range query.SupportedOrders {
		orders = append(orders, order)
	}
	sort.Strings(orders)
	return orders
}

func buildSessionQuery(params url.Values, order string, page, pageSize int) query.SessionQuery {
	providers := toSet(params["provider"])
	includeDirs := toSet(params["include_working_dir"])
	excludeDirs := toSet(params["exclude_working_dir"])
	modelExact := toSet(params["model"])
	modelPrefixes := toSet(params["model_prefix"])
	modelProvider := strings.TrimSpace(params.Get("model_provider"))

	// model_match=prefix moves exact model values into prefix matching.
	if strings.ToLower(strings.TrimSpace(params.Get("model_match"))) == "prefix" &&
		len(modelExact) > 0 && len(modelPrefixes) == 0 {
		modelPrefixes = modelExact
		modelExact = map[string]struct{}{}
	}

	return query.SessionQuery{
		Providers:          providers,
		Search:             strings.TrimSpace(params.Get("search")),
		ModelExact:         modelExact,
		ModelPrefixes:      modelPrefixes,
		ModelProvider:      modelProvider,
		Order:              order,
		Page:               page,
		PageSize:           pageSize,
		IncludeWorkingDirs: includeDirs,
		ExcludeWorkingDirs: excludeDirs,
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, value := range values {
		if value != "" {
			set[value] = struct{}{}
		}
	}
	return set
}

func (a *API) sessionDetail(w http.ResponseWriter, r *http.Request) {
	providerName, err := url.PathUnescape(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Invalid session path")
		return
	}
	sessionID, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Invalid session path")
		return
	}
	sourcePath := r.URL.Query().Get("source_path")

	lookupStarted := time.Now()
	result := a.svc.GetSessionWithMetrics(providerName, sessionID, sourcePath)
	lookupMS := float64(time.Since(lookupStarted)) / float64(time.Millisecond)
	if result.Session == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	payloadStarted := time.Now()
	payload, cacheStatus := a.details.payloadFor(result.Session)
	payloadMS := float64(time.Since(payloadStarted)) / float64(time.Millisecond)

	encoded, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	telemetry.Log("session.detail_load", map[string]any{
		"provider":             result.Session.Provider,
		"session_id":           result.Session.SessionID,
		"source_path":          result.Session.SourcePath,
		"lookup_source":        result.Source,
		"endpoint_lookup_ms":   lookupMS,
		"parse_normalize_ms":   result.ParseMS,
		"payload_build_ms":     payloadMS,
		"payload_cache_status": cacheStatus,
		"payload_bytes":        len(encoded),
		"message_count":        result.Session.MessageCount(),
		"normalized_count":     len(result.Session.Normalized),
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}
