package session

import "strings"

// RenderLegacyContent renders a normalized message into the readable
// single-string legacy form. It is also the content input for dedup keys.
func RenderLegacyContent(message *NormalizedMessage) string {
	chunks := make([]string, 0, len(message.Parts))
	for _, part := range message.Parts {
		switch part.Kind {
		case PartText:
			if part.Text != "" {
				chunks = append(chunks, part.Text)
			}
		case PartCode:
			if part.Text != "" {
				fence := strings.TrimRight("```"+part.Language, " ")
				chunks = append(chunks, fence+"\n"+part.Text+"\n```")
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
	return strings.TrimSpace(strings.Join(chunks, "\n"))
}
