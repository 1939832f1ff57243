package localsvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"toolhub/internal/tool"
)

const maxReadBytes = 512 * 1024

// Filesystem exposes read-only file access confined to a root directory.
// Paths are resolved relative to the root; anything escaping it is
// rejected before touching the disk.
type Filesystem struct {
	root string
}

func NewFilesystem(root string) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve filesystem root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("filesystem root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("filesystem root %s is not a directory", abs)
	}
	return &Filesystem{root: abs}, nil
}

func (f *Filesystem) Name() string { return "filesystem" }

func (f *Filesystem) Tools() []tool.Descriptor {
	pathSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path relative to the service root"},
		},
		"required": []any{"path"},
	}
	return []tool.Descriptor{
		{Name: "list_directory", Description: "List entries of a directory", InputSchema: pathSchema},
		{Name: "read_file", Description: "Read a text file", InputSchema: pathSchema},
		{Name: "stat", Description: "Describe a file or directory", InputSchema: pathSchema},
	}
}

func (f *Filesystem) Execute(ctx context.Context, call tool.Call) (any, error) {
	args := tool.ParseArguments(call.Function.Arguments)
	rel, _ := args["path"].(string)
	if rel == "" {
		return nil, fmt.Errorf("missing required argument: path")
	}
	path, err := f.resolve(rel)
	if err != nil {
		return nil, err
	}

	switch call.Function.Name {
	case "list_directory":
		return f.listDirectory(path)
	case "read_file":
		return f.readFile(path)
	case "stat":
		return f.stat(path)
	default:
		return nil, fmt.Errorf("filesystem has no tool %q", call.Function.Name)
	}
}

// resolve maps a caller path onto the confined root. Absolute paths are
// reinterpreted as root-relative rather than rejected.
func (f *Filesystem) resolve(rel string) (string, error) {
	cleaned := filepath.Clean("/" + filepath.FromSlash(rel))
	path := filepath.Join(f.root, cleaned)
	if path != f.root && !strings.HasPrefix(path, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the service root", rel)
	}
	return path, nil
}

func (f *Filesystem) listDirectory(path string) (any, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{"name": e.Name(), "isDir": e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			item["size"] = info.Size()
		}
		items = append(items, item)
	}
	return map[string]any{"entries": items, "count": len(items)}, nil
}

func (f *Filesystem) readFile(path string) (any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxReadBytes {
		return nil, fmt.Errorf("file too large: %d bytes (limit %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": string(data), "size": len(data)}, nil
}

func (f *Filesystem) stat(path string) (any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"isDir":    info.IsDir(),
		"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	}, nil
}
