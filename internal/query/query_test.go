package query

import (
	"reflect"
	"testing"
	"time"

	"github.com/kmckiern/agent-sessions/internal/session"
)

func makeRecord(id string, minutes, messages int, model, workingDir, provider string) *session.Record {
	started := time.Date(2026, 1, 13, 0, minutes, 0, 0, time.UTC)
	updated := started.Add(time.Minute)
	record := session.NewRecord(provider, id, "/tmp/"+id+".jsonl")
	record.StartedAt = &started
	record.UpdatedAt = &updated
	record.Model = model
	record.WorkingDir = workingDir
	for i := 0; i < messages; i++ {
		record.Messages = append(record.Messages, session.Message{Role: "user", Content: "hello " + id})
	}
	record.RefreshSearchIndex()
	return record
}

func ids(records []*session.Record) []string {
	var out []string
	for _, record := range records {
		out = append(out, record.SessionID)
	}
	return out
}

func TestNormalizeIsIdempotent(t *testing.T) {
	q := SessionQuery{
		Providers:          map[string]struct{}{"stub": {}, "": {}},
		Search:             "  term  ",
		ModelExact:         map[string]struct{}{" GPT-4o ": {}},
		ModelPrefixes:      map[string]struct{}{"Claude-": {}},
		Order:              "bogus",
		Page:               -3,
		PageSize:           0,
		IncludeWorkingDirs: map[string]struct{}{" /a ": {}},
		ExcludeWorkingDirs: map[string]struct{}{"/a": {}, "/b": {}},
	}
	once := q.Normalized(100)
	twice := once.Normalized(100)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("normalization not idempotent:\n%+v\n%+v", once, twice)
	}

	if once.Order != OrderUpdatedAt {
		t.Fatalf("unknown order must fall back, got %q", once.Order)
	}
	if once.Page != 1 || once.PageSize != 10 {
		t.Fatalf("page/page_size = %d/%d, want 1/10", once.Page, once.PageSize)
	}
	if _, ok := once.ModelExact["gpt-4o"]; !ok {
		t.Fatalf("model values must be lowercased/trimmed: %v", once.ModelExact)
	}
	if _, ok := once.ExcludeWorkingDirs["/a"]; ok {
		t.Fatalf("include must win over exclude: %v", once.ExcludeWorkingDirs)
	}
	if _, ok := once.ExcludeWorkingDirs["/b"]; !ok {
		t.Fatalf("unrelated excludes must survive: %v", once.ExcludeWorkingDirs)
	}
}

func TestNormalizeClampsPageSize(t *testing.T) {
	q := SessionQuery{PageSize: 500}
	if got := q.Normalized(100).PageSize; got != 100 {
		t.Fatalf("page_size = %d, want 100", got)
	}
	if got := q.Normalized(0).PageSize; got != 500 {
		t.Fatalf("unclamped page_size = %d, want 500", got)
	}
}

func TestProviderAndSearchPredicates(t *testing.T) {
	record := makeRecord("s1", 0, 1, "gpt-5-codex", "/workspace", "openai-codex")

	if !MatchesProvider(record, nil) {
		t.Fatalf("empty provider set must match")
	}
	if MatchesProvider(record, map[string]struct{}{"claude-code": {}}) {
		t.Fatalf("provider mismatch must fail")
	}
	if !MatchesSearch(record, "") {
		t.Fatalf("empty search matches all")
	}
	if !MatchesSearch(record, "HELLO s1") {
		t.Fatalf("search is case-insensitive over message content")
	}
	if MatchesSearch(record, "absent") {
		t.Fatalf("non-matching term must fail")
	}
}

func TestModelPredicates(t *testing.T) {
	records := []*session.Record{
		makeRecord("s1", 0, 1, "gpt-5-codex", "/w", "openai-codex"),
		makeRecord("s2", 10, 1, "gpt-4o", "/w", "openai-codex"),
		makeRecord("s3", 20, 1, "claude-sonnet", "/w", "claude-code"),
	}

	exact := SessionQuery{ModelExact: map[string]struct{}{"gpt-4o": {}}}.Normalized(0)
	if got := ids(ApplyFilters(records, exact)); !reflect.DeepEqual(got, []string{"s2"}) {
		t.Fatalf("exact filter = %v", got)
	}

	prefix := SessionQuery{ModelPrefixes: map[string]struct{}{"gpt-": {}}}.Normalized(0)
	if got := ids(ApplyFilters(records, prefix)); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Fatalf("prefix filter = %v", got)
	}

	gated := SessionQuery{
		ModelPrefixes: map[string]struct{}{"gpt-": {}},
		ModelProvider: "claude-code",
	}.Normalized(0)
	if got := ApplyFilters(records, gated); len(got) != 0 {
		t.Fatalf("provider gate must exclude everything, got %v", ids(got))
	}
}

func TestWorkingDirPredicates(t *testing.T) {
	records := []*session.Record{
		makeRecord("s1", 0, 1, "m", "/workspace/a", "stub"),
		makeRecord("s2", 10, 1, "m", "/workspace/b", "stub"),
		makeRecord("s3", 20, 1, "m", "", "stub"),
	}

	include := SessionQuery{IncludeWorkingDirs: map[string]struct{}{"/workspace/a": {}}}.Normalized(0)
	if got := ids(ApplyFilters(records, include)); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Fatalf("include filter = %v", got)
	}

	exclude := SessionQuery{ExcludeWorkingDirs: map[string]struct{}{"/workspace/b": {}}}.Normalized(0)
	if got := ids(ApplyFilters(records, exclude)); !reflect.DeepEqual(got, []string{"s1", "s3"}) {
		t.Fatalf("exclude filter = %v (no-dir records pass exclude)", got)
	}
}

func TestSortOrders(t *testing.T) {
	records := []*session.Record{
		makeRecord("oldest", 0, 5, "m", "/w", "stub"),
		makeRecord("newest", 20, 1, "m", "/w", "stub"),
		makeRecord("middle", 10, 3, "m", "/w", "stub"),
	}

	byUpdated := SortSessions(records, OrderUpdatedAt)
	if got := ids(byUpdated); !reflect.DeepEqual(got, []string{"newest", "middle", "oldest"}) {
		t.Fatalf("updated order = %v", got)
	}

	byMessages := SortSessions(records, OrderMessages)
	if got := ids(byMessages); !reflect.DeepEqual(got, []string{"oldest", "middle", "newest"}) {
		t.Fatalf("messages order = %v", got)
	}

	missing := makeRecord("no-times", 0, 1, "m", "/w", "stub")
	missing.StartedAt = nil
	missing.UpdatedAt = nil
	ordered := SortSessions(append(records, missing), OrderUpdatedAt)
	if got := ids(ordered); got[len(got)-1] != "no-times" {
		t.Fatalf("records without timestamps must sort last: %v", got)
	}
}

func TestPaginationBoundary(t *testing.T) {
	records := []*session.Record{
		makeRecord("s1", 0, 1, "m", "/w", "stub"),
		makeRecord("s2", 10, 1, "m", "/w", "stub"),
		makeRecord("s3", 20, 1, "m", "/w", "stub"),
	}
	q := SessionQuery{Order: OrderUpdatedAt, Page: 2, PageSize: 2}.Normalized(0)
	ordered := SortSessions(ApplyFilters(records, q), q.Order)
	page := Paginate(ordered, q)

	if page.Total != 3 || page.TotalPages != 2 || page.Page != 2 {
		t.Fatalf("page = %+v", page)
	}
	if got := ids(page.Items); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Fatalf("items = %v, want the oldest record", got)
	}
	if !page.HasPrevious || page.HasNext {
		t.Fatalf("has_previous=%v has_next=%v", page.HasPrevious, page.HasNext)
	}
}

func TestPaginationUnionCoversAll(t *testing.T) {
	var records []*session.Record
	for i := 0; i < 7; i++ {
		records = append(records, makeRecord(string(rune('a'+i)), i*10, 1, "m", "/w", "stub"))
	}
	q := SessionQuery{PageSize: 3}.Normalized(0)
	ordered := SortSessions(records, q.Order)

	seen := make(map[string]int)
	for pageNum := 1; pageNum <= 3; pageNum++ {
		q.Page = pageNum
		page := Paginate(ordered, q)
		for _, record := range page.Items {
			seen[record.SessionID]++
		}
	}
	if len(seen) != 7 {
		t.Fatalf("union of pages = %d records, want 7", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("record %s appeared %d times", id, count)
		}
	}
}

func TestPaginationEmptyAndOverflow(t *testing.T) {
	q := SessionQuery{Page: 5, PageSize: 10}.Normalized(0)
	page := Paginate(nil, q)
	if page.TotalPages != 0 || page.Page != 1 || len(page.Items) != 0 {
		t.Fatalf("empty page = %+v", page)
	}

	records := []*session.Record{makeRecord("only", 0, 1, "m", "/w", "stub")}
	page = Paginate(records, q)
	if page.Page != 1 || len(page.Items) != 1 {
		t.Fatalf("overflow page must clamp to last page: %+v", page)
	}
}
