// Package normalize maps raw provider event payloads onto the stable
// normalized message schema. Providers pass provider-specific payloads
// through a Normalizer to obtain messages with structured parts, canonical
// roles, and stable IDs.
package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kmckiern/agent-sessions/internal/session"
)

var roleAliases = map[string]string{
	"system":    session.RoleSystem,
	"developer": session.RoleSystem,
	"user":      session.RoleUser,
	"human":     session.RoleUser,
	"assistant": session.RoleAssistant,
	"ai":        session.RoleAssistant,
	"model":     session.RoleAssistant,
	"gemini":    session.RoleAssistant,
	"tool":      session.RoleTool,
	"function":  session.RoleTool,
}

// Overrides carries caller-supplied values that take precedence over
// anything extracted from the payload.
type Overrides struct {
	Timestamp    *time.Time
	Role         string
	Name         string
	LatencyMS    *float64
	ProviderMeta map[string]any
	MessageID    string
}

// Normalizer accumulates diagnostics while converting payloads for one
// provider. It is not safe for concurrent use; providers hold one per
// source file.
type Normalizer struct {
	Provider    string
	Diagnostics *session.NormalizationDiagnostics

	sequence int
}

// New creates a normalizer for the named provider.
func New(provider string) *Normalizer {
	return &Normalizer{
		Provider:    provider,
		Diagnostics: &session.NormalizationDiagnostics{},
	}
}

// NormalizeMessage converts a provider message-ish payload into a
// NormalizedMessage. Returns nil, and counts a skipped event, when no parts
// can be extracted.
func (n *Normalizer) NormalizeMessage(payload any, overrides Overrides) *session.NormalizedMessage {
	n.Diagnostics.TotalEvents++
	dict, ok := payload.(map[string]any)
	if !ok {
		n.Diagnostics.SkippedEvents++
		return nil
	}

	extractedRole := extractRole(dict, overrides.Role)
	extractedName := extractName(dict, overrides.Name)
	extractedLatency := extractLatency(dict, overrides.LatencyMS)
	extractedTimestamp := overrides.Timestamp
	if extractedTimestamp == nil {
		extractedTimestamp = extractTimestamp(dict)
	}

	var parts []session.NormalizedPart
	parts = append(parts, partsFromContent(extractContent(dict))...)
	parts = append(parts, partsFromOpenAIToolCalls(dict)...)
	parts = append(parts, partsFromOpenAIFunctionCall(dict)...)
	parts = append(parts, partsFromGeminiFunction(dict)...)
	parts = append(parts, partsFromToolResultPayload(dict)...)

	parts = compactParts(parts)
	if len(parts) == 0 {
		n.Diagnostics.SkippedEvents++
		return nil
	}

	role := resolveRole(extractedRole, parts)
	if lowered := strings.ToLower(strings.TrimSpace(extractedRole)); lowered == "user" || lowered == "human" {
		if role == session.RoleTool {
			n.Diagnostics.Warnings = append(
				n.Diagnostics.Warnings,
				fmt.Sprintf("%s: role override %q -> %q", n.Provider, extractedRole, session.RoleTool),
			)
		}
	}

	msgID := cleanStr(overrides.MessageID)
	if msgID == "" {
		msgID = cleanStr(dict["id"])
	}
	if msgID == "" {
		msgID = n.stableMessageID(role, extractedTimestamp, parts)
	}

	n.Diagnostics.ParsedEvents++
	return &session.NormalizedMessage{
		ID:           msgID,
		Role:         role,
		Name:         extractedName,
		Timestamp:    extractedTimestamp,
		Parts:        parts,
		LatencyMS:    extractedLatency,
		ProviderMeta: overrides.ProviderMeta,
	}
}

func (n *Normalizer) nextSequence() int {
	value := n.sequence
	n.sequence++
	return value
}

func extractContent(payload map[string]any) any {
	if content, ok := payload["content"]; ok {
		return content
	}
	if parts, ok := payload["parts"]; ok {
		return parts
	}
	if nested, ok := payload["message"].(map[string]any); ok {
		if content, ok := nested["content"]; ok {
			return content
		}
		if parts, ok := nested["parts"]; ok {
			return parts
		}
	}
	return nil
}

func extractRole(payload map[string]any, override string) string {
	if cleanStr(override) != "" {
		return override
	}
	for _, key := range []string{"role", "author", "speaker", "sender", "type"} {
		if value := cleanStr(payload[key]); value != "" {
			return value
		}
	}
	if nested, ok := payload["message"].(map[string]any); ok {
		if value := cleanStr(nested["role"]); value != "" {
			return value
		}
		if value := cleanStr(nested["type"]); value != "" {
			return value
		}
	}
	return ""
}

func extractName(payload map[string]any, override string) string {
	if cleaned := cleanStr(override); cleaned != "" {
		return cleaned
	}
	for _, key := range []string{"name", "tool_name"} {
		if value := cleanStr(payload[key]); value != "" {
			return value
		}
	}
	return ""
}

func extractLatency(payload map[string]any, override *float64) *float64 {
	if override != nil {
		return override
	}
	for _, key := range []string{"latency_ms", "latencyMs", "duration_ms", "durationMs"} {
		if value, ok := asFloat(payload[key]); ok {
			return &value
		}
	}
	return nil
}

func extractTimestamp(payload map[string]any) *time.Time {
	// Providers should generally supply timestamps explicitly; this is
	// best-effort for payloads that carry one inline.
	for _, key := range []string{"timestamp", "created_at", "time", "ts"} {
		if value, ok := payload[key]; ok {
			if ts, isTime := value.(time.Time); isTime {
				return &ts
			}
		}
	}
	return nil
}

func resolveRole(role string, parts []session.NormalizedPart) string {
	base := roleAliases[strings.ToLower(strings.TrimSpace(role))]

	hasToolResult := false
	hasToolCall := false
	for _, part := range parts {
		switch part.Kind {
		case session.PartToolResult:
			hasToolResult = true
		case session.PartToolCall:
			hasToolCall = true
		}
	}

	if hasToolResult {
		return session.RoleTool
	}
	if base != "" {
		return base
	}
	if hasToolCall {
		return session.RoleAssistant
	}
	// Default to assistant to avoid mis-attributing provider events as user
	// messages.
	return session.RoleAssistant
}

func partsFromContent(content any) []session.NormalizedPart {
	switch v := content.(type) {
	case nil:
		return nil
	case string:
		if text := strings.TrimSpace(v); text != "" {
			return []session.NormalizedPart{{Kind: session.PartText, Text: text}}
		}
		return nil
	case map[string]any:
		return partsFromContentDict(v)
	case []any:
		var parts []session.NormalizedPart
		for _, item := range v {
			parts = append(parts, partsFromContent(item)...)
		}
		return parts
	default:
		if text := strings.TrimSpace(session.StringifyContent(v)); text != "" {
			return []session.NormalizedPart{{Kind: session.PartText, Text: text}}
		}
		return nil
	}
}

func partsFromContentDict(item map[string]any) []session.NormalizedPart {
	kind := strings.ToLower(strings.TrimSpace(session.CoalesceString(item["type"], item["kind"])))

	switch kind {
	case "text", "input_text", "output_text":
		text := strings.TrimSpace(cleanStr(session.Coalesce(item["text"], item["content"], item["value"])))
		if text == "" {
			return nil
		}
		return []session.NormalizedPart{{Kind: session.PartText, Text: text}}

	case "code", "input_code", "output_code":
		text := strings.TrimSpace(cleanStr(session.Coalesce(item["text"], item["code"], item["content"])))
		if text == "" {
			return nil
		}
		language := strings.TrimSpace(cleanStr(session.Coalesce(item["language"], item["lang"])))
		return []session.NormalizedPart{{Kind: session.PartCode, Text: text, Language: language}}

	case "tool_use", "tool-call", "tool_call", "function_call":
		toolName := cleanStr(session.Coalesce(item["name"], item["tool_name"], item["tool"]))
		args, hasInput := item["input"]
		if !hasInput {
			args = session.Coalesce(item["arguments"], item["args"])
		}
		return []session.NormalizedPart{{
			Kind:      session.PartToolCall,
			ToolName:  toolName,
			Arguments: args,
			ID:        cleanStr(item["id"]),
		}}

	case "tool_result", "tool-result", "tool_output", "function_response":
		toolName := cleanStr(session.Coalesce(item["name"], item["tool_name"], item["tool"]))
		out, hasOutput := item["output"]
		if !hasOutput {
			out = session.Coalesce(item["content"], item["result"])
		}
		return []session.NormalizedPart{{
			Kind:     session.PartToolResult,
			ToolName: toolName,
			Output:   out,
			ID:       cleanStr(session.Coalesce(item["tool_use_id"], item["id"])),
		}}
	}

	// Gemini parts can carry functionCall/functionResponse nested objects.
	if call, ok := item["functionCall"].(map[string]any); ok {
		args, hasArgs := call["args"]
		if !hasArgs {
			args = call["arguments"]
		}
		return []session.NormalizedPart{{
			Kind:      session.PartToolCall,
			ToolName:  cleanStr(call["name"]),
			Arguments: args,
		}}
	}
	if resp, ok := item["functionResponse"].(map[string]any); ok {
		out, hasResp := resp["response"]
		if !hasResp {
			out = resp["output"]
		}
		return []session.NormalizedPart{{
			Kind:     session.PartToolResult,
			ToolName: cleanStr(resp["name"]),
			Output:   out,
		}}
	}

	// Fallback: render any text-like keys.
	if text := cleanStr(item["text"]); text != "" {
		return []session.NormalizedPart{{Kind: session.PartText, Text: text}}
	}
	if text := strings.TrimSpace(session.StringifyContent(item)); text != "" {
		return []session.NormalizedPart{{Kind: session.PartText, Text: text}}
	}
	return nil
}

func partsFromOpenAIToolCalls(payload map[string]any) []session.NormalizedPart {
	calls, ok := payload["tool_calls"].([]any)
	if !ok {
		return nil
	}
	var parts []session.NormalizedPart
	for _, raw := range calls {
		call, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		function, _ := call["function"].(map[string]any)
		toolName := cleanStr(session.Coalesce(function["name"], call["name"]))
		argsRaw := function["arguments"]
		if argsRaw == nil {
			argsRaw = call["arguments"]
		}
		args := argsRaw
		if s, ok := argsRaw.(string); ok {
			if parsed := maybeJSON(s); parsed != nil {
				args = parsed
			}
		}
		parts = append(parts, session.NormalizedPart{
			Kind:      session.PartToolCall,
			ID:        cleanStr(call["id"]),
			ToolName:  toolName,
			Arguments: args,
		})
	}
	return parts
}

func partsFromOpenAIFunctionCall(payload map[string]any) []session.NormalizedPart {
	call, ok := payload["function_call"].(map[string]any)
	if !ok {
		return nil
	}
	toolName := cleanStr(call["name"])
	argsRaw := call["arguments"]
	args := argsRaw
	if s, ok := argsRaw.(string); ok {
		if parsed := maybeJSON(s); parsed != nil {
			args = parsed
		}
	}
	if toolName == "" && args == nil {
		return nil
	}
	return []session.NormalizedPart{{Kind: session.PartToolCall, ToolName: toolName, Arguments: args}}
}

func partsFromGeminiFunction(payload map[string]any) []session.NormalizedPart {
	// Some Gemini transcripts store function call/response at the message
	// level rather than inside parts.
	if call, ok := payload["functionCall"].(map[string]any); ok {
		args, hasArgs := call["args"]
		if !hasArgs {
			args = call["arguments"]
		}
		return []session.NormalizedPart{{
			Kind:      session.PartToolCall,
			ToolName:  cleanStr(call["name"]),
			Arguments: args,
		}}
	}
	if resp, ok := payload["functionResponse"].(map[string]any); ok {
		out, hasResp := resp["response"]
		if !hasResp {
			out = resp["output"]
		}
		return []session.NormalizedPart{{
			Kind:     session.PartToolResult,
			ToolName: cleanStr(resp["name"]),
			Output:   out,
		}}
	}
	return nil
}

func partsFromToolResultPayload(payload map[string]any) []session.NormalizedPart {
	kind := strings.ToLower(strings.TrimSpace(cleanStr(payload["type"])))
	switch kind {
	case "tool_result", "tool-result", "tool_output", "tool-output":
	default:
		return nil
	}
	toolName := cleanStr(session.Coalesce(payload["tool_name"], payload["name"]))
	out, hasOutput := payload["output"]
	if !hasOutput {
		out = session.Coalesce(payload["content"], payload["result"])
	}
	if toolName == "" && out == nil {
		return nil
	}
	return []session.NormalizedPart{{
		Kind:     session.PartToolResult,
		ToolName: toolName,
		Output:   out,
		ID:       cleanStr(session.Coalesce(payload["tool_use_id"], payload["id"])),
	}}
}

// compactParts trims text/code parts and drops the ones that end up empty.
// Runs before the decision to skip an event entirely.
func compactParts(parts []session.NormalizedPart) []session.NormalizedPart {
	compacted := make([]session.NormalizedPart, 0, len(parts))
	for _, part := range parts {
		if part.Kind == session.PartText || part.Kind == session.PartCode {
			stripped := strings.TrimSpace(part.Text)
			if stripped == "" {
				continue
			}
			part.Text = stripped
		}
		compacted = append(compacted, part)
	}
	return compacted
}

func (n *Normalizer) stableMessageID(role string, timestamp *time.Time, parts []session.NormalizedPart) string {
	hasher := sha1.New()
	write := func(value string) {
		hasher.Write([]byte(value))
		hasher.Write([]byte{0})
	}
	write(n.Provider)
	write(role)
	if timestamp != nil {
		write(timestamp.Format(time.RFC3339Nano))
	} else {
		write("")
	}
	for _, part := range parts {
		write(part.Kind)
		write(part.Text)
		write(part.Language)
		write(part.ToolName)
		write(session.SafeJSON(part.Arguments))
		write(session.SafeJSON(part.Output))
		write(part.ID)
	}
	write(strconv.Itoa(n.nextSequence()))
	return n.Provider + ":" + hex.EncodeToString(hasher.Sum(nil))
}

func cleanStr(value any) string {
	s, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
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
