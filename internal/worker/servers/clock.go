package servers

import (
	"context"
	"fmt"
	"time"

	"toolhub/internal/tool"
)

// Clock exposes wall-clock tools.
type Clock struct {
	now func() time.Time
}

// NewClock builds the clock module.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

func (c *Clock) Name() string        { return "clock" }
func (c *Clock) Version() string     { return "1.0.0" }
func (c *Clock) Description() string { return "Wall-clock time helpers" }

func (c *Clock) Tools() []tool.Descriptor {
	return []tool.Descriptor{
		{
			Name:        "now",
			Description: "Current time, optionally formatted",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"format": map[string]any{"type": "string", "description": "Go time layout, defaults to RFC3339"},
				},
			},
		},
		{
			Name:        "elapsed",
			Description: "Seconds elapsed since an RFC3339 timestamp",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"since": map[string]any{"type": "string", "description": "RFC3339 timestamp"},
				},
				"required": []any{"since"},
			},
		},
	}
}

func (c *Clock) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "now":
		layout := time.RFC3339
		if format, ok := args["format"].(string); ok && format != "" {
			layout = format
		}
		now := c.now()
		return map[string]any{"time": now.Format(layout), "unix": now.Unix()}, nil

	case "elapsed":
		since, _ := args["since"].(string)
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, fmt.Errorf("invalid since timestamp: %w", err)
		}
		return map[string]any{"seconds": c.now().Sub(parsed).Seconds()}, nil

	default:
		return nil, fmt.Errorf("clock has no tool %q", name)
	}
}
