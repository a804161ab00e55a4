package claudecode

import (
	"database/sql"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kmckiern/agent-sessions/internal/normalize"
	"github.com/kmckiern/agent-sessions/internal/session"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
)

// conversationMeta is the per-conversation metadata sniffed from the store.
type conversationMeta struct {
	projectID  string
	workingDir string
	startedAt  *time.Time
	updatedAt  *time.Time
}

// loadStoreSessions reads session records out of the Claude store database.
// Store schemas vary between CLI versions, so tables and columns are probed
// rather than assumed; anything unreadable contributes nothing.
func loadStoreSessions(dbPath string) []*session.Record {
	if _, err := os.Stat(dbPath); err != nil {
		return nil
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		telemetry.Warn("unable to open Claude store database "+dbPath, err)
		return nil
	}
	defer db.Close()

	projectPaths := collectProjectPaths(db)
	meta := collectConversationMeta(db)
	messages := collectConversationMessages(db)

	conversationIDs := make([]string, 0, len(messages))
	for id := range messages {
		conversationIDs = append(conversationIDs, id)
	}
	sort.Strings(conversationIDs)

	var sessions []*session.Record
	for _, conversationID := range conversationIDs {
		messageList := messages[conversationID]
		if len(messageList) == 0 {
			continue
		}

		normalizer := normalize.New(providerName)
		var normalized []session.NormalizedMessage
		for _, msg := range messageList {
			converted := normalizer.NormalizeMessage(
				map[string]any{"role": msg.Role, "content": msg.Content},
				normalize.Overrides{Timestamp: msg.CreatedAt, Role: msg.Role},
			)
			if converted != nil {
				normalized = append(normalized, *converted)
			}
		}

		var startedAt, updatedAt *time.Time
		for _, msg := range messageList {
			if msg.CreatedAt == nil {
				continue
			}
			if startedAt == nil || msg.CreatedAt.Before(*startedAt) {
				startedAt = msg.CreatedAt
			}
			if updatedAt == nil || msg.CreatedAt.After(*updatedAt) {
				updatedAt = msg.CreatedAt
			}
		}

		metadata := meta[conversationID]
		workingDir := metadata.workingDir
		if workingDir == "" && metadata.projectID != "" {
			workingDir = projectPaths[metadata.projectID]
		}
		if metadata.startedAt != nil {
			startedAt = metadata.startedAt
		}
		if metadata.updatedAt != nil {
			updatedAt = metadata.updatedAt
		}

		sortedMessages := append([]session.Message(nil), messageList...)
		sort.SliceStable(sortedMessages, func(i, j int) bool {
			return messageSortKey(sortedMessages[i].CreatedAt) < messageSortKey(sortedMessages[j].CreatedAt)
		})
		sort.SliceStable(normalized, func(i, j int) bool {
			return messageSortKey(normalized[i].Timestamp) < messageSortKey(normalized[j].Timestamp)
		})

		record := session.NewRecord(providerName, "store:"+conversationID, dbPath)
		record.StartedAt = startedAt
		record.UpdatedAt = updatedAt
		record.WorkingDir = workingDir
		record.Messages = sortedMessages
		record.Normalized = normalized
		record.Diagnostics = normalizer.Diagnostics
		record.RefreshSearchIndex()
		sessions = append(sessions, record)
	}
	return sessions
}

func messageSortKey(ts *time.Time) int64 {
	if ts == nil {
		return -1 << 62
	}
	return ts.UnixNano()
}

// collectProjectPaths maps project identifiers to filesystem paths across
// the known project table variants.
func collectProjectPaths(db *sql.DB) map[string]string {
	paths := make(map[string]string)
	for _, table := range []string{"projects", "project_metadata"} {
		if !tableExists(db, table) {
			continue
		}
		columns := tableColumns(db, table)
		idColumn := firstKey(columns, []string{"id", "project_id", "uuid"})
		pathColumn := firstKey(columns, []string{"absolute_path", "project_path", "workspace_root", "root_path", "path"})
		if idColumn == "" || pathColumn == "" {
			continue
		}
		rows, err := queryRows(db, table)
		if err != nil {
			telemetry.Warn("failed to read project paths from "+table, err)
			continue
		}
		for _, row := range rows {
			identifier := stringValue(row[idColumn])
			rawPath := stringValue(row[pathColumn])
			if identifier != "" && strings.TrimSpace(rawPath) != "" {
				paths[identifier] = rawPath
			}
		}
	}
	return paths
}

// collectConversationMeta extracts working directory metadata and
// timestamps for each conversation, tolerating renamed columns.
func collectConversationMeta(db *sql.DB) map[string]conversationMeta {
	meta := make(map[string]conversationMeta)
	for _, table := range []string{"conversations", "conversation_summaries"} {
		ingestConversationMetaTable(db, table, meta)
	}
	return meta
}

func ingestConversationMetaTable(db *sql.DB, table string, meta map[string]conversationMeta) {
	if !tableExists(db, table) {
		return
	}
	columns := tableColumns(db, table)
	idColumn := firstKey(columns, []string{"conversation_id", "conversation_uuid", "id", "uuid"})
	if idColumn == "" {
		return
	}

	projectColumn := firstKey(columns, []string{"project_id", "workspace_id"})
	var workdirColumns []string
	for _, key := range []string{"project_path", "workspace_root", "root_path", "path", "absolute_path"} {
		if _, ok := columns[key]; ok {
			workdirColumns = append(workdirColumns, key)
		}
	}
	var timestampColumns []string
	for _, key := range []string{"created_at", "started_at", "updated_at", "last_activity_at"} {
		if _, ok := columns[key]; ok {
			timestampColumns = append(timestampColumns, key)
		}
	}

	rows, err := queryRows(db, table)
	if err != nil {
		telemetry.Warn("failed to read conversation metadata from "+table, err)
		return
	}

	for _, row := range rows {
		conversationID := stringValue(row[idColumn])
		if conversationID == "" {
			continue
		}
		entry := meta[conversationID]

		if projectColumn != "" && entry.projectID == "" {
			entry.projectID = stringValue(row[projectColumn])
		}

		if entry.workingDir == "" {
			for _, key := range workdirColumns {
				if value := stringValue(row[key]); strings.TrimSpace(value) != "" {
					entry.workingDir = value
					break
				}
			}
		}

		if entry.workingDir == "" {
			for _, key := range []string{"metadata", "project", "workspace", "data"} {
				if _, ok := columns[key]; !ok {
					continue
				}
				nested := maybeJSONValue(row[key])
				if nested == nil {
					continue
				}
				if dict, ok := nested.(map[string]any); ok {
					if candidate := eventWorkdir(dict); candidate != "" {
						entry.workingDir = candidate
						break
					}
				}
			}
		}

		for _, key := range timestampColumns {
			parsed := session.ParseTimestamp(row[key])
			if parsed == nil {
				continue
			}
			if entry.startedAt == nil || parsed.Before(*entry.startedAt) {
				entry.startedAt = parsed
			}
			if entry.updatedAt == nil || parsed.After(*entry.updatedAt) {
				entry.updatedAt = parsed
			}
		}

		meta[conversationID] = entry
	}
}

// collectConversationMessages gathers message content for each conversation
// across the table variants different CLI releases use.
func collectConversationMessages(db *sql.DB) map[string][]session.Message {
	conversations := make(map[string][]session.Message)
	messageTables := []struct {
		table       string
		defaultRole string
	}{
		{"conversation_messages", ""},
		{"messages", ""},
		{"base_messages", ""},
		{"assistant_messages", "assistant"},
		{"user_messages", "user"},
	}
	for _, entry := range messageTables {
		ingestMessageTable(db, entry.table, entry.defaultRole, conversations)
	}
	return conversations
}

func ingestMessageTable(db *sql.DB, table, defaultRole string, conversations map[string][]session.Message) {
	if !tableExists(db, table) {
		return
	}
	columns := tableColumns(db, table)
	conversationColumn := firstKey(columns, []string{
		"conversation_id", "conversation_uuid", "conversation", "session_id", "session_uuid",
	})
	if conversationColumn == "" {
		return
	}

	var roleColumns []string
	for _, key := range []string{"role", "author", "speaker", "sender"} {
		if _, ok := columns[key]; ok {
			roleColumns = append(roleColumns, key)
		}
	}
	var contentColumns []string
	for _, key := range []string{"content", "text", "body", "message", "message_json", "payload"} {
		if _, ok := columns[key]; ok {
			contentColumns = append(contentColumns, key)
		}
	}
	timestampColumn := firstKey(columns, []string{"created_at", "timestamp", "time", "ts"})

	rows, err := queryRows(db, table)
	if err != nil {
		telemetry.Warn("failed to read conversation messages from "+table, err)
		return
	}

	for _, row := range rows {
		conversationID := stringValue(row[conversationColumn])
		if conversationID == "" {
			continue
		}

		role := defaultRole
		for _, key := range roleColumns {
			if value := stringValue(row[key]); strings.TrimSpace(value) != "" {
				role = value
				break
			}
		}
		if role == "" {
			role = "event"
		}

		var content any
		for _, key := range contentColumns {
			value := row[key]
			if value == nil {
				continue
			}
			if s := stringValue(value); s != "" {
				if decoded := maybeJSON(s); decoded != nil {
					content = decoded
				} else {
					content = s
				}
			} else {
				content = value
			}
			if content != nil {
				break
			}
		}

		text := strings.TrimSpace(session.StringifyContent(content))
		if text == "" && role == "" {
			continue
		}

		var timestamp *time.Time
		if timestampColumn != "" {
			timestamp = session.ParseTimestamp(row[timestampColumn])
		}
		conversations[conversationID] = append(conversations[conversationID], session.Message{
			Role:      role,
			Content:   text,
			CreatedAt: timestamp,
		})
	}
}

func tableExists(db *sql.DB, table string) bool {
	row := db.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name=? LIMIT 1", table)
	var one int
	return row.Scan(&one) == nil
}

func tableColumns(db *sql.DB, table string) map[string]struct{} {
	columns := make(map[string]struct{})
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return columns
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			columns[name] = struct{}{}
		}
	}
	return columns
}

func firstKey(columns map[string]struct{}, candidates []string) string {
	for _, key := range candidates {
		if _, ok := columns[key]; ok {
			return key
		}
	}
	return ""
}

// queryRows reads every row of a table into column-keyed maps.
func queryRows(db *sql.DB, table string) ([]map[string]any, error) {
	rows, err := db.Query("SELECT * FROM " + table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			continue
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case nil:
		return ""
	}
	return ""
}

func maybeJSONValue(value any) any {
	if s := stringValue(value); s != "" {
		return maybeJSON(s)
	}
	return nil
}

func maybeJSON(value string) any {
	stripped := strings.TrimSpace(value)
	if stripped == "" || (stripped[0] != '{' && stripped[0] != '[') {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(stripped), &decoded); err != nil {
		return nil
	}
	return decoded
}
