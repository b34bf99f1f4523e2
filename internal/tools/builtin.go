package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxReadBytes caps read_file output so a huge file cannot blow up the
// model's context window.
const maxReadBytes = 256 * 1024

// ReadFileTool reads a file from the workspace.
type ReadFileTool struct {
	Root string
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Returns the file text, truncated if very large."
}

func (t *ReadFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path of the file to read, relative to the workspace root.",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, err := resolvePath(t.Root, args)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", path, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n... [truncated]", nil
	}
	return string(data), nil
}

// WriteFileTool writes a file in the workspace, creating parent directories.
type WriteFileTool struct {
	Root string
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, replacing it if it exists. Parent directories are created."
}

func (t *WriteFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path of the file to write, relative to the workspace root.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The full file content.",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, err := resolvePath(t.Root, args)
	if err != nil {
		return "", err
	}
	content, _ := args["content"].(string)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("cannot create directories for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("cannot write %s: %w", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

// ListDirectoryTool lists directory entries.
type ListDirectoryTool struct {
	Root string
}

func (t *ListDirectoryTool) Name() string { return "list_directory" }

func (t *ListDirectoryTool) Description() string {
	return "List the entries of a directory. Directories are suffixed with a slash."
}

func (t *ListDirectoryTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory path relative to the workspace root. Defaults to the root.",
			},
		},
	}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path := t.Root
	if raw, ok := args["path"].(string); ok && raw != "" {
		resolved, err := joinUnderRoot(t.Root, raw)
		if err != nil {
			return "", err
		}
		path = resolved
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("cannot list %s: %w", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// RegisterBuiltins adds the workspace file tools to a registry.
func RegisterBuiltins(r *Registry, root string) error {
	for _, tool := range []Tool{
		&ReadFileTool{Root: root},
		&WriteFileTool{Root: root},
		&ListDirectoryTool{Root: root},
	} {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func resolvePath(root string, args map[string]interface{}) (string, error) {
	raw, ok := args["path"].(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("missing required argument: path")
	}
	return joinUnderRoot(root, raw)
}

// joinUnderRoot resolves a relative path and rejects escapes above the root.
func joinUnderRoot(root, path string) (string, error) {
	if root == "" {
		return path, nil
	}
	if filepath.IsAbs(path) {
		path = strings.TrimPrefix(path, root)
	}
	joined := filepath.Join(root, path)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace root", path)
	}
	return joined, nil
}
