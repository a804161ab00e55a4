package diskcache

import (
	"encoding/json"

	"github.com/kmckiern/agent-sessions/internal/session"
)

// DeserializeRecord rehydrates a serialized session record, applying the
// defaults the schema leaves implicit. The search index is not restored; it
// is recomputed lazily on first use.
func DeserializeRecord(raw json.RawMessage) (*session.Record, error) {
	record := &session.Record{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, err
	}
	for i := range record.Messages {
		if record.Messages[i].Role == "" {
			record.Messages[i].Role = "event"
		}
	}
	for i := range record.Normalized {
		if record.Normalized[i].Role == "" {
			record.Normalized[i].Role = session.RoleAssistant
		}
	}
	return record, nil
}
