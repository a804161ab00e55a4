// Package query holds the shared primitives for filtering, sorting, and
// paginating session records.
package query

import (
	"sort"
	"strings"

	"github.com/kmckiern/agent-sessions/internal/session"
)

// Supported sort orders.
const (
	OrderUpdatedAt = "updated_at"
	OrderStartedAt = "started_at"
	OrderMessages  = "messages"
)

// SupportedOrders enumerates the valid order values.
var SupportedOrders = map[string]struct{}{
	OrderUpdatedAt: {},
	OrderStartedAt: {},
	OrderMessages:  {},
}

// SessionQuery describes one list request.
type SessionQuery struct {
	Providers          map[string]struct{}
	Search             string
	ModelExact         map[string]struct{}
	ModelPrefixes      map[string]struct{}
	ModelProvider      string
	Order              string
	Page               int
	PageSize           int
	IncludeWorkingDirs map[string]struct{}
	ExcludeWorkingDirs map[string]struct{}
}

// Page is one page of query results.
type Page struct {
	Items       []*session.Record
	Total       int
	Page        int
	PageSize    int
	TotalPages  int
	HasNext     bool
	HasPrevious bool
}

// Normalized returns a cleaned copy of the query: trimmed strings, stripped
// private-use characters, lowercased model values, valid order and paging,
// and include winning over exclude for working directories. maxPageSize <= 0
// means unclamped. Normalization is idempotent.
func (q SessionQuery) Normalized(maxPageSize int) SessionQuery {
	providers := make(map[string]struct{})
	for provider := range q.Providers {
		if provider != "" {
			providers[provider] = struct{}{}
		}
	}

	search := strings.TrimSpace(session.StripPrivateUse(q.Search))

	order := q.Order
	if order == "" {
		order = OrderUpdatedAt
	}
	if _, ok := SupportedOrders[order]; !ok {
		order = OrderUpdatedAt
	}

	page := q.Page
	if page <= 0 {
		page = 1
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	if maxPageSize > 0 && pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	modelExact := normalizeModelSet(q.ModelExact)
	modelPrefixes := normalizeModelSet(q.ModelPrefixes)
	modelProvider := strings.TrimSpace(q.ModelProvider)

	includeDirs := normalizeDirSet(q.IncludeWorkingDirs)
	excludeDirs := normalizeDirSet(q.ExcludeWorkingDirs)
	for dir := range includeDirs {
		delete(excludeDirs, dir)
	}

	return SessionQuery{
		Providers:          providers,
		Search:             search,
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

func normalizeModelSet(values map[string]struct{}) map[string]struct{} {
	normalized := make(map[string]struct{})
	for value := range values {
		cleaned := strings.ToLower(strings.TrimSpace(session.StripPrivateUse(value)))
		if cleaned != "" {
			normalized[cleaned] = struct{}{}
		}
	}
	return normalized
}

func normalizeDirSet(values map[string]struct{}) map[string]struct{} {
	normalized := make(map[string]struct{})
	for value := range values {
		cleaned := strings.TrimSpace(session.StripPrivateUse(value))
		if cleaned != "" {
			normalized[cleaned] = struct{}{}
		}
	}
	return normalized
}

// MatchesProvider reports whether the record passes the provider filter.
// An empty set matches all providers.
func MatchesProvider(record *session.Record, providers map[string]struct{}) bool {
	if len(providers) == 0 {
		return true
	}
	_, ok := providers[record.Provider]
	return ok
}

// MatchesSearch reports whether the record's search index contains the
// term. An empty term matches everything.
func MatchesSearch(record *session.Record, term string) bool {
	if term == "" {
		return true
	}
	return record.SearchIndex().Matches(strings.ToLower(term))
}

// MatchesModel applies the model provider gate and the exact/prefix model
// filters against the normalized record model.
func MatchesModel(record *session.Record, query SessionQuery) bool {
	if query.ModelProvider != "" && record.Provider != query.ModelProvider {
		return false
	}
	if len(query.ModelExact) == 0 && len(query.ModelPrefixes) == 0 {
		return true
	}
	model := strings.ToLower(strings.TrimSpace(session.StripPrivateUse(record.Model)))
	if model == "" {
		return false
	}
	if _, ok := query.ModelExact[model]; ok {
		return true
	}
	for prefix := range query.ModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// MatchesWorkingDir applies the include/exclude working directory filters.
// Records without a working directory only match when no include filter is
// set.
func MatchesWorkingDir(record *session.Record, includeDirs, excludeDirs map[string]struct{}) bool {
	if len(includeDirs) == 0 && len(excludeDirs) == 0 {
		return true
	}
	normalized := strings.TrimSpace(session.StripPrivateUse(record.WorkingDir))

	if len(includeDirs) > 0 {
		if normalized == "" {
			return false
		}
		if _, ok := includeDirs[normalized]; !ok {
			return false
		}
	}
	if len(excludeDirs) > 0 && normalized != "" {
		if _, ok := excludeDirs[normalized]; ok {
			return false
		}
	}
	return true
}

// ApplyFilters returns the records passing every predicate of the
// normalized query.
func ApplyFilters(records []*session.Record, q SessionQuery) []*session.Record {
	filtered := make([]*session.Record, 0, len(records))
	for _, record := range records {
		if !MatchesProvider(record, q.Providers) {
			continue
		}
		if !MatchesSearch(record, q.Search) {
			continue
		}
		if !MatchesModel(record, q) {
			continue
		}
		if !MatchesWorkingDir(record, q.IncludeWorkingDirs, q.ExcludeWorkingDirs) {
			continue
		}
		filtered = append(filtered, record)
	}
	return filtered
}

func sortKeyUpdated(record *session.Record) int64 {
	if record.UpdatedAt == nil {
		return -1 << 62
	}
	return record.UpdatedAt.UnixNano()
}

func sortKeyStarted(record *session.Record) int64 {
	if record.StartedAt == nil {
		return -1 << 62
	}
	return record.StartedAt.UnixNano()
}

// SortSessions orders records by the given order, descending.
func SortSessions(records []*session.Record, order string) []*session.Record {
	sorted := append([]*session.Record(nil), records...)
	var key func(*session.Record) int64
	switch order {
	case OrderStartedAt:
		key = sortKeyStarted
	case OrderMessages:
		key = func(record *session.Record) int64 { return int64(record.MessageCount()) }
	default:
		key = sortKeyUpdated
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return key(sorted[i]) > key(sorted[j])
	})
	return sorted
}

// Paginate slices the ordered records into the requested page. An empty
// result yields total_pages 0 and page 1; otherwise the effective page is
// clamped to the last page.
func Paginate(ordered []*session.Record, q SessionQuery) Page {
	total := len(ordered)
	if total == 0 {
		return Page{
			Items:    []*session.Record{},
			Total:    0,
			Page:     1,
			PageSize: q.PageSize,
		}
	}

	totalPages := (total + q.PageSize - 1) / q.PageSize
	page := q.Page
	if page > totalPages {
		page = totalPages
	}
	start := (page - 1) * q.PageSize
	end := start + q.PageSize
	if end > total {
		end = total
	}

	return Page{
		Items:       ordered[start:end],
		Total:       total,
		Page:        page,
		PageSize:    q.PageSize,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}
}
