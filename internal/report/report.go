// Package report extracts the agent's final JSON report, validates it
// against the mission schema, and renders the human-readable summary.
package report

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/vsavkov/sortie/internal/normalize"
)

// ErrNoReport means no source yielded a machine-readable report document.
var ErrNoReport = errors.New("no machine-readable report found")

// Source names where the report document came from.
type Source string

const (
	SourceLastMessage   Source = "last_message"
	SourceToolPayload   Source = "tool_payload"
	SourceWorkspaceFile Source = "workspace_file"
)

// Extract locates the agent's final JSON report: first the adapter's last
// message, then JSON recovered from tool payloads, then the file the mission
// asked the agent to write into the workspace.
func Extract(lastMessage, toolPayload, workspace, reportPath string) ([]byte, Source, error) {
	if doc := normalize.RecoverJSON(lastMessage); doc != "" {
		return []byte(doc), SourceLastMessage, nil
	}
	if doc := normalize.RecoverJSON(toolPayload); doc != "" {
		return []byte(doc), SourceToolPayload, nil
	}
	if reportPath != "" && workspace != "" {
		b, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(reportPath)))
		if err == nil {
			if doc := normalize.RecoverJSON(string(b)); doc != "" {
				return []byte(doc), SourceWorkspaceFile, nil
			}
		}
	}
	return nil, "", ErrNoReport
}
