package normalize

import "github.com/vsavkov/sortie/internal/events"

// claudeCall maps the claude CLI's built-in tool names onto canonical kinds.
// Tools without a dedicated kind stay generic tool_call events.
func claudeCall(n *normalizer, name string, input map[string]any) (events.Kind, map[string]any) {
	switch name {
	case "Read":
		return events.KindReadFile, map[string]any{
			"path":  n.relPath(inputString(input, "file_path")),
			"bytes": -1,
		}
	case "Write":
		data := map[string]any{
			"path": n.relPath(inputString(input, "file_path")),
		}
		if content, ok := input["content"].(string); ok {
			data["lines_added"] = countLines(content)
		}
		return events.KindWriteFile, data
	case "Edit":
		data := map[string]any{
			"path": n.relPath(inputString(input, "file_path")),
		}
		if s, ok := input["new_string"].(string); ok {
			data["lines_added"] = countLines(s)
		}
		if s, ok := input["old_string"].(string); ok {
			data["lines_removed"] = countLines(s)
		}
		return events.KindWriteFile, data
	case "Bash":
		command := inputString(input, "command")
		return events.KindRunCommand, map[string]any{
			"argv":    splitCommand(command),
			"command": command,
		}
	case "WebSearch":
		return events.KindWebSearch, map[string]any{
			"query": inputString(input, "query"),
		}
	default:
		return events.KindToolCall, map[string]any{
			"name":     name,
			"input":    input,
			"is_error": false,
		}
	}
}

func inputString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
