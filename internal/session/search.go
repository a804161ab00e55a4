package session

import "strings"

const searchBlobMax = 4000

// SearchIndex holds lowercased, private-use-stripped copies of the fields a
// substring search runs against.
type SearchIndex struct {
	Provider   string
	SessionID  string
	Model      string
	WorkingDir string
	Messages   []string
}

func newSearchIndex(record *Record) *SearchIndex {
	var blobs []string
	if len(record.Normalized) > 0 {
		for i := range record.Normalized {
			if blob := normalizeForSearch(flattenNormalized(&record.Normalized[i])); blob != "" {
				blobs = append(blobs, blob)
			}
		}
	} else {
		for i := range record.Messages {
			if blob := normalizeForSearch(record.Messages[i].Content); blob != "" {
				blobs = append(blobs, blob)
			}
		}
	}

	return &SearchIndex{
		Provider:   normalizeForSearch(record.Provider),
		SessionID:  normalizeForSearch(record.SessionID),
		Model:      normalizeForSearch(record.Model),
		WorkingDir: normalizeForSearch(record.WorkingDir),
		Messages:   blobs,
	}
}

// Matches reports whether the lowercased term occurs in any indexed field.
// An empty term matches everything.
func (s *SearchIndex) Matches(loweredTerm string) bool {
	if loweredTerm == "" {
		return true
	}
	for _, value := range []string{s.Provider, s.SessionID, s.Model, s.WorkingDir} {
		if value != "" && strings.Contains(value, loweredTerm) {
			return true
		}
	}
	for _, message := range s.Messages {
		if strings.Contains(message, loweredTerm) {
			return true
		}
	}
	return false
}

func normalizeForSearch(value string) string {
	if value == "" {
		return ""
	}
	return strings.ToLower(StripPrivateUse(value))
}

func flattenNormalized(message *NormalizedMessage) string {
	chunks := make([]string, 0, len(message.Parts))
	for _, part := range message.Parts {
		switch part.Kind {
		case PartText, PartCode:
			if part.Text != "" {
				chunks = append(chunks, part.Text)
			}
		case PartToolCall:
			name := part.ToolName
			if name == "" {
				name = "tool"
			}
			chunks = append(chunks, strings.TrimSpace("[tool-call] "+name+" "+SafeJSON(part.Arguments)))
		case PartToolResult:
			name := part.ToolName
			if name == "" {
				name = "tool"
			}
			chunks = append(chunks, strings.TrimSpace("[tool-result] "+name+" "+SafeJSON(part.Output)))
		}
	}
	value := strings.Join(chunks, "\n")
	if len(value) > searchBlobMax {
		return value[:searchBlobMax] + "…"
	}
	return value
}
