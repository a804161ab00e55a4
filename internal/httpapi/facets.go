package httpapi

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kmckiern/agent-sessions/internal/provider"
	"github.com/kmckiern/agent-sessions/internal/query"
	"github.com/kmckiern/agent-sessions/internal/session"
)

func (a *API) providers(w http.ResponseWriter, r *http.Request) {
	sessions := a.svc.AllSessions()

	type providerSummary struct {
		ID           string   `json:"id"`
		Label        string   `json:"label"`
		EnvVar       any      `json:"env_var"`
		DefaultPaths []string `json:"default_paths"`
		SessionCount int      `json:"session_count"`
		LastUpdated  any      `json:"last_updated"`
	}

	summary := make(map[string]*providerSummary)
	for _, entry := range provider.List() {
		summary[entry.Slug] = &providerSummary{
			ID:           entry.Slug,
			Label:        entry.Label,
			EnvVar:       nilIfEmpty(entry.EnvVar),
			DefaultPaths: append([]string(nil), entry.DefaultPaths...),
			SessionCount: 0,
		}
	}

	for _, record := range sessions {
		entry, ok := summary[record.Provider]
		if !ok {
			entry = &providerSummary{
				ID:           record.Provider,
				Label:        providerLabel(record.Provider),
				DefaultPaths: []string{},
			}
			summary[record.Provider] = entry
		}
		entry.SessionCount++
		lastUpdated := record.UpdatedAt
		if lastUpdated == nil {
			lastUpdated = record.StartedAt
		}
		if lastUpdated != nil {
			iso := lastUpdated.Format(time.RFC3339Nano)
			if current, ok := entry.LastUpdated.(string); !ok || iso > current {
				entry.LastUpdated = iso
			}
		}
	}

	providers := make([]*providerSummary, 0, len(summary))
	for _, entry := range summary {
		providers = append(providers, entry)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Label < providers[j].Label })
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (a *API) models(w http.ResponseWriter, r *http.Request) {
	sessions := a.svc.AllSessions()
	providerFilters := toSet(r.URL.Query()["provider"])

	labels := make(map[string]string)
	counts := make(map[string]int)
	providersByModel := make(map[string]map[string]struct{})

	for _, record := range sessions {
		if len(providerFilters) > 0 {
			if _, ok := providerFilters[record.Provider]; !ok {
				continue
			}
		}
		model := strings.TrimSpace(session.StripPrivateUse(record.Model))
		if model == "" {
			continue
		}
		key := strings.ToLower(model)
		if _, ok := labels[key]; !ok {
			labels[key] = model
		}
		counts[key]++
		if providersByModel[key] == nil {
			providersByModel[key] = make(map[string]struct{})
		}
		providersByModel[key][record.Provider] = struct{}{}
	}

	type modelSummary struct {
		ID        string   `json:"id"`
		Label     string   `json:"label"`
		Count     int      `json:"count"`
		Providers []string `json:"providers"`
	}

	models := make([]modelSummary, 0, len(labels))
	for key, label := range labels {
		providers := make([]string, 0, len(providersByModel[key]))
		for name := range providersByModel[key] {
			providers = append(providers, name)
		}
		sort.Slice(providers, func(i, j int) bool {
			return strings.ToLower(providers[i]) < strings.ToLower(providers[j])
		})
		models = append(models, modelSummary{ID: label, Label: label, Count: counts[key], Providers: providers})
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].Count != models[j].Count {
			return models[i].Count > models[j].Count
		}
		return strings.ToLower(models[i].Label) < strings.ToLower(models[j].Label)
	})
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (a *API) workingDirs(w http.ResponseWriter, r *http.Request) {
	sessions := a.svc.AllSessions()
	counts := make(map[string]int)
	for _, record := range sessions {
		path := strings.TrimSpace(session.StripPrivateUse(record.WorkingDir))
		if path == "" {
			continue
		}
		counts[path]++
	}

	type dirCount struct {
		Path  string `json:"path"`
		Count int    `json:"count"`
	}
	dirs := make([]dirCount, 0, len(counts))
	for path, count := range counts {
		dirs = append(dirs, dirCount{Path: path, Count: count})
	}
	sort.Slice(dirs, func(i, j int) bool {
		if dirs[i].Count != dirs[j].Count {
			return dirs[i].Count > dirs[j].Count
		}
		return strings.ToLower(dirs[i].Path) < strings.ToLower(dirs[j].Path)
	})
	writeJSON(w, http.StatusOK, map[string]any{"working_dirs": dirs})
}

func (a *API) searchHits(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	searchTerm := strings.TrimSpace(session.StripPrivateUse(params.Get("search")))
	if searchTerm == "" {
		writeJSON(w, http.StatusOK, map[string]any{"query": "", "hits": []any{}, "has_more": false})
		return
	}

	limit, ok := coercePositiveInt(params.Get("limit"), 8)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit parameter")
		return
	}
	if limit > searchHitLimitMax {
		limit = searchHitLimitMax
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

	sessionQuery := buildSessionQuery(params, order, 1, 1)
	sessionQuery.Search = searchTerm
	normalized := sessionQuery.Normalized(0)
	loweredTerm := strings.ToLower(normalized.Search)

	records := a.svc.AllSessions()
	filtered := query.ApplyFilters(records, normalized)
	ordered := query.SortSessions(filtered, normalized.Order)

	hits := make([]map[string]any, 0, limit)
	hasMore := false

outer:
	for _, record := range ordered {
		if len(hits) >= limit {
			hasMore = true
			break
		}
		for index, message := range orderedMessagesDesc(record) {
			content := session.StripPrivateUse(message.Content)
			if content == "" {
				continue
			}
			matchStart := strings.Index(strings.ToLower(content), loweredTerm)
			if matchStart < 0 {
				continue
			}

			oneLine := toOneLine(content)
			snippet, snippetStart, snippetLength := buildSnippet(oneLine, matchStart, len(loweredTerm))
			hits = append(hits, map[string]any{
				"provider":             record.Provider,
				"session_id":           record.SessionID,
				"source_path":          record.SourcePath,
				"message_index":        index,
				"match_start":          matchStart,
				"match_length":         len(loweredTerm),
				"snippet":              snippet,
				"snippet_match_start":  snippetStart,
				"snippet_match_length": snippetLength,
			})
			if len(hits) >= limit {
				hasMore = true
				continue outer
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":    normalized.Search,
		"hits":     hits,
		"has_more": hasMore,
	})
}

func orderedMessagesDesc(record *session.Record) []session.Message {
	messages := append([]session.Message(nil), record.Messages...)
	sort.SliceStable(messages, func(i, j int) bool {
		return messageSortKey(messages[i].CreatedAt) > messageSortKey(messages[j].CreatedAt)
	})
	return messages
}

func toOneLine(text string) string {
	replaced := strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(text)
	return strings.Join(strings.Fields(replaced), " ")
}

// buildSnippet windows long text around the match, keeping the match
// offsets valid inside the snippet.
func buildSnippet(text string, matchStart, matchLength int) (string, int, int) {
	if text == "" {
		return "", 0, 0
	}

	const maxLen = 220
	total := len(text)
	if total <= maxLen {
		return text, matchStart, matchLength
	}

	context := (maxLen - matchLength) / 2
	if context < 36 {
		context = 36
	}
	start := matchStart - context
	if start < 0 {
		start = 0
	}
	end := matchStart + matchLength + context
	if end > total {
		end = total
	}
	snippet := text[start:end]
	offset := matchStart - start

	if start > 0 {
		snippet = "…" + snippet
		offset += len("…")
	}
	if end < total {
		snippet += "…"
	}
	return snippet, offset, matchLength
}
