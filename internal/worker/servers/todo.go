package servers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"toolhub/internal/tool"
)

// TodoItem is one entry in a session's to-do list.
type TodoItem struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Todo keeps per-session to-do lists. It holds internal mutable state, so
// it serializes its own mutations; callers get no cross-call ordering
// beyond that.
type Todo struct {
	mu      sync.Mutex
	session string
	lists   map[string][]TodoItem
	nextID  int
}

// NewTodo builds the to-do module with a default session.
func NewTodo() *Todo {
	return &Todo{
		session: "default",
		lists:   make(map[string][]TodoItem),
		nextID:  1,
	}
}

func (t *Todo) Name() string        { return "todo" }
func (t *Todo) Version() string     { return "1.0.0" }
func (t *Todo) Description() string { return "Session-scoped to-do lists" }

func (t *Todo) Tools() []tool.Descriptor {
	return []tool.Descriptor{
		{
			Name:        "todo_read",
			Description: "Read the current session's to-do list",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "todo_add",
			Description: "Add an item to the current session's to-do list",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "Item text"},
				},
				"required": []any{"text"},
			},
		},
		{
			Name:        "todo_complete",
			Description: "Mark an item as done",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "number", "description": "Item id"},
				},
				"required": []any{"id"},
			},
		},
	}
}

func (t *Todo) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch name {
	case "todo_read":
		items := t.lists[t.session]
		if items == nil {
			items = []TodoItem{}
		}
		return map[string]any{"session": t.session, "items": items}, nil

	case "todo_add":
		text, _ := args["text"].(string)
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("missing required argument: text")
		}
		item := TodoItem{ID: t.nextID, Text: text}
		t.nextID++
		t.lists[t.session] = append(t.lists[t.session], item)
		return map[string]any{"added": item, "count": len(t.lists[t.session])}, nil

	case "todo_complete":
		id, err := numberArg(args, "id")
		if err != nil {
			return nil, err
		}
		for i := range t.lists[t.session] {
			if t.lists[t.session][i].ID == int(id) {
				t.lists[t.session][i].Done = true
				return map[string]any{"completed": t.lists[t.session][i]}, nil
			}
		}
		return nil, fmt.Errorf("no to-do item with id %d in session %q", int(id), t.session)

	default:
		return nil, fmt.Errorf("todo has no tool %q", name)
	}
}

// GetServiceContext reports the ambient session state.
func (t *Todo) GetServiceContext(opts map[string]any) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	items := t.lists[t.session]
	open := 0
	for _, item := range items {
		if !item.Done {
			open++
		}
	}
	return fmt.Sprintf("session=%s items=%d open=%d", t.session, len(items), open), nil
}

// SwitchContext changes the active session.
func (t *Todo) SwitchContext(opts map[string]any) error {
	session, _ := opts["session"].(string)
	if strings.TrimSpace(session) == "" {
		return fmt.Errorf("switchContext requires a session option")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = session
	return nil
}
