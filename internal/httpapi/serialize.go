package httpapi

import (
	"sort"
	"strings"
	"time"

	"github.com/kmckiern/agent-sessions/internal/provider"
	"github.com/kmckiern/agent-sessions/internal/session"
)

func isoOrNil(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.Format(time.RFC3339Nano)
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// providerLabel resolves a display label for a provider slug.
func providerLabel(name string) string {
	if name == "" {
		return "Unknown"
	}
	if entry := provider.Get(name); entry != nil {
		return entry.Label
	}
	words := strings.Split(strings.ReplaceAll(name, "-", " "), " ")
	for i, word := range words {
		if word != "" {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}

func messagePreview(record *session.Record) string {
	last := record.LastMessage()
	if last == nil {
		return ""
	}
	preview := strings.TrimSpace(strings.ReplaceAll(session.StripPrivateUse(last.Content), "\n", " "))
	if len(preview) > 200 {
		return preview[:200]
	}
	return preview
}

func sessionSummary(record *session.Record) map[string]any {
	return map[string]any{
		"provider":       record.Provider,
		"provider_label": providerLabel(record.Provider),
		"session_id":     record.SessionID,
		"model":          nilIfEmpty(session.StripPrivateUse(record.Model)),
		"working_dir":    nilIfEmpty(session.StripPrivateUse(record.WorkingDir)),
		"started_at":     isoOrNil(record.StartedAt),
		"updated_at":     isoOrNil(record.UpdatedAt),
		"message_count":  record.MessageCount(),
		"preview":        messagePreview(record),
		"source_path":    record.SourcePath,
	}
}

// sessionDetail renders the full payload: summary plus messages and
// normalized messages, both newest first.
func sessionDetail(record *session.Record) map[string]any {
	data := sessionSummary(record)

	messages := append([]session.Message(nil), record.Messages...)
	sort.SliceStable(messages, func(i, j int) bool {
		return messageSortKey(messages[i].CreatedAt) > messageSortKey(messages[j].CreatedAt)
	})
	serializedMessages := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		serializedMessages = append(serializedMessages, map[string]any{
			"role":       session.StripPrivateUse(message.Role),
			"content":    session.StripPrivateUse(message.Content),
			"created_at": isoOrNil(message.CreatedAt),
		})
	}
	data["messages"] = serializedMessages

	normalized := append([]session.NormalizedMessage(nil), record.Normalized...)
	sort.SliceStable(normalized, func(i, j int) bool {
		return messageSortKey(normalized[i].Timestamp) > messageSortKey(normalized[j].Timestamp)
	})
	serializedNormalized := make([]map[string]any, 0, len(normalized))
	for i := range normalized {
		message := &normalized[i]
		parts := make([]map[string]any, 0, len(message.Parts))
		for _, part := range message.Parts {
			parts = append(parts, map[string]any{
				"kind":      part.Kind,
				"text":      nilIfEmpty(session.StripPrivateUse(part.Text)),
				"language":  nilIfEmpty(session.StripPrivateUse(part.Language)),
				"tool_name": nilIfEmpty(session.StripPrivateUse(part.ToolName)),
				"arguments": stripPrivateUseObj(part.Arguments),
				"output":    stripPrivateUseObj(part.Output),
				"id":        nilIfEmpty(part.ID),
			})
		}
		var latency any
		if message.LatencyMS != nil {
			latency = *message.LatencyMS
		}
		serializedNormalized = append(serializedNormalized, map[string]any{
			"id":            message.ID,
			"role":          message.Role,
			"name":          nilIfEmpty(session.StripPrivateUse(message.Name)),
			"timestamp":     isoOrNil(message.Timestamp),
			"latency_ms":    latency,
			"provider_meta": stripPrivateUseObj(message.ProviderMeta),
			"parts":         parts,
		})
	}
	data["normalized_messages"] = serializedNormalized

	if record.Diagnostics != nil {
		warnings := make([]string, 0, len(record.Diagnostics.Warnings))
		for _, warning := range record.Diagnostics.Warnings {
			warnings = append(warnings, session.StripPrivateUse(warning))
		}
		data["normalization_diagnostics"] = map[string]any{
			"total_events":   record.Diagnostics.TotalEvents,
			"parsed_events":  record.Diagnostics.ParsedEvents,
			"skipped_events": record.Diagnostics.SkippedEvents,
			"warnings":       warnings,
		}
	} else {
		data["normalization_diagnostics"] = nil
	}

	return map[string]any{"session": data}
}

func stripPrivateUseObj(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return session.StripPrivateUse(v)
	case []any:
		stripped := make([]any, 0, len(v))
		for _, item := range v {
			stripped = append(stripped, stripPrivateUseObj(item))
		}
		return stripped
	case map[string]any:
		stripped := make(map[string]any, len(v))
		for key, item := range v {
			stripped[key] = stripPrivateUseObj(item)
		}
		return stripped
	default:
		return value
	}
}

func messageSortKey(ts *time.Time) int64 {
	if ts == nil {
		return -1 << 62
	}
	return ts.UnixNano()
}
