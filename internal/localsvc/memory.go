package localsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"toolhub/internal/tool"
)

// Memory is a key-value scratchpad service. When given a snapshot path it
// restores its contents on Load and persists them on Unload, making it a
// natural exercise of the registry lifecycle hooks.
type Memory struct {
	snapshotPath string

	mu     sync.RWMutex
	values map[string]string
}

func NewMemory(snapshotPath string) *Memory {
	return &Memory{snapshotPath: snapshotPath}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Tools() []tool.Descriptor {
	keySchema := func(required ...string) map[string]any {
		req := make([]any, 0, len(required))
		for _, r := range required {
			req = append(req, r)
		}
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":   map[string]any{"type": "string", "description": "Entry key"},
				"value": map[string]any{"type": "string", "description": "Entry value"},
			},
			"required": req,
		}
	}
	return []tool.Descriptor{
		{Name: "set", Description: "Store a value under a key", InputSchema: keySchema("key", "value")},
		{Name: "get", Description: "Fetch the value stored under a key", InputSchema: keySchema("key")},
		{Name: "delete", Description: "Remove a key", InputSchema: keySchema("key")},
		{Name: "list", Description: "List all stored keys", InputSchema: keySchema()},
	}
}

// Load restores the snapshot if one exists. A missing snapshot file is a
// fresh start, not an error.
func (m *Memory) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	if m.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(m.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read memory snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &m.values); err != nil {
		return fmt.Errorf("parse memory snapshot: %w", err)
	}
	return nil
}

func (m *Memory) Unload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotPath == "" {
		m.values = nil
		return nil
	}
	data, err := json.MarshalIndent(m.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.WriteFile(m.snapshotPath, data, 0o644); err != nil {
		return fmt.Errorf("write memory snapshot: %w", err)
	}
	m.values = nil
	return nil
}

func (m *Memory) Execute(ctx context.Context, call tool.Call) (any, error) {
	args := tool.ParseArguments(call.Function.Arguments)
	key, _ := args["key"].(string)

	switch call.Function.Name {
	case "set":
		value, ok := args["value"].(string)
		if key == "" || !ok {
			return nil, fmt.Errorf("set requires string arguments: key, value")
		}
		m.mu.Lock()
		m.values[key] = value
		m.mu.Unlock()
		return map[string]any{"stored": key}, nil
	case "get":
		if key == "" {
			return nil, fmt.Errorf("missing required argument: key")
		}
		m.mu.RLock()
		value, ok := m.values[key]
		m.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no value stored under %q", key)
		}
		return map[string]any{"key": key, "value": value}, nil
	case "delete":
		if key == "" {
			return nil, fmt.Errorf("missing required argument: key")
		}
		m.mu.Lock()
		_, existed := m.values[key]
		delete(m.values, key)
		m.mu.Unlock()
		return map[string]any{"deleted": existed}, nil
	case "list":
		m.mu.RLock()
		keys := make([]string, 0, len(m.values))
		for k := range m.values {
			keys = append(keys, k)
		}
		m.mu.RUnlock()
		sort.Strings(keys)
		return map[string]any{"keys": keys, "count": len(keys)}, nil
	default:
		return nil, fmt.Errorf("memory has no tool %q", call.Function.Name)
	}
}
