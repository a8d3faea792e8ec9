package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapes is returned when a requested path resolves outside
// the configured workspace.
var ErrPathEscapes = errors.New("path escapes workspace")

// fsBase resolves and confines paths to a workspace root.
type fsBase struct {
	Workspace string
}

func (f fsBase) resolve(rel string) (string, error) {
	root, err := filepath.Abs(f.Workspace)
	if err != nil {
		return "", err
	}
	joined := filepath.Clean(filepath.Join(root, rel))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, rel)
	}
	return joined, nil
}

// ReadFileTool reads a file under the workspace, capped at MaxBytes.
type ReadFileTool struct {
	fsBase
	MaxBytes int64
}

// NewReadFileTool builds a read tool rooted at workspace with the
// given size cap in megabytes.
func NewReadFileTool(workspace string, maxMB int64) *ReadFileTool {
	if maxMB <= 0 {
		maxMB = 10
	}
	return &ReadFileTool{fsBase: fsBase{Workspace: workspace}, MaxBytes: maxMB << 20}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a file from the workspace" }

func (t *ReadFileTool) Schema() Schema {
	return Schema{
		Required: []string{"path"},
		Properties: map[string]Property{
			"path": {Type: "string", Description: "Path relative to the workspace root"},
		},
	}
}

func (t *ReadFileTool) RequiredPermission() Permission { return PermRead }

func (t *ReadFileTool) Execute(_ context.Context, input map[string]any) (string, error) {
	rel, _ := input["path"].(string)
	path, err := t.resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > t.MaxBytes {
		return "", fmt.Errorf("file too large: %d bytes (limit %d)", info.Size(), t.MaxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFileTool writes a file under the workspace, creating parent
// directories as needed.
type WriteFileTool struct {
	fsBase
}

func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{fsBase: fsBase{Workspace: workspace}}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file in the workspace" }

func (t *WriteFileTool) Schema() Schema {
	return Schema{
		Required: []string{"path", "content"},
		Properties: map[string]Property{
			"path":    {Type: "string", Description: "Path relative to the workspace root"},
			"content": {Type: "string", Description: "File content to write"},
		},
	}
}

func (t *WriteFileTool) RequiredPermission() Permission { return PermWrite }

func (t *WriteFileTool) Execute(_ context.Context, input map[string]any) (string, error) {
	rel, _ := input["path"].(string)
	content, _ := input["content"].(string)
	path, err := t.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
}

// ListDirTool lists entries of a workspace directory.
type ListDirTool struct {
	fsBase
}

func NewListDirTool(workspace string) *ListDirTool {
	return &ListDirTool{fsBase: fsBase{Workspace: workspace}}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the contents of a workspace directory" }

func (t *ListDirTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"path": {Type: "string", Description: "Directory relative to the workspace root"},
		},
	}
}

func (t *ListDirTool) RequiredPermission() Permission { return PermRead }

func (t *ListDirTool) Execute(_ context.Context, input map[string]any) (string, error) {
	rel, _ := input["path"].(string)
	if rel == "" {
		rel = "."
	}
	path, err := t.resolve(rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			sb.WriteString(entry.Name() + "/\n")
		} else {
			sb.WriteString(entry.Name() + "\n")
		}
	}
	return sb.String(), nil
}
