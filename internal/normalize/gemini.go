package normalize

import "github.com/vsavkov/sortie/internal/events"

// geminiCall maps the gemini CLI's built-in tool names onto canonical kinds.
// Discovery tools (list_directory, glob, search_file_content, web_fetch) stay
// generic tool_call events.
func geminiCall(n *normalizer, name string, input map[string]any) (events.Kind, map[string]any) {
	switch name {
	case "read_file":
		path := inputString(input, "absolute_path")
		if path == "" {
			path = inputString(input, "file_path")
		}
		if path == "" {
			path = inputString(input, "path")
		}
		return events.KindReadFile, map[string]any{
			"path":  n.relPath(path),
			"bytes": -1,
		}
	case "write_file":
		data := map[string]any{
			"path": n.relPath(inputString(input, "file_path")),
		}
		if content, ok := input["content"].(string); ok {
			data["lines_added"] = countLines(content)
		}
		return events.KindWriteFile, data
	case "replace":
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
	case "run_shell_command":
		command := inputString(input, "command")
		data := map[string]any{
			"argv":    splitCommand(command),
			"command": command,
		}
		if dir := inputString(input, "directory"); dir != "" {
			data["cwd"] = n.relPath(dir)
		}
		return events.KindRunCommand, data
	case "google_web_search":
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
