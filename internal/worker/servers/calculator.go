package servers

import (
	"context"
	"fmt"
	"math"

	"toolhub/internal/tool"
)

// Calculator is a stateless arithmetic module.
type Calculator struct{}

// NewCalculator builds the calculator module.
func NewCalculator() *Calculator {
	return &Calculator{}
}

func (c *Calculator) Name() string        { return "calculator" }
func (c *Calculator) Version() string     { return "1.0.0" }
func (c *Calculator) Description() string { return "Basic arithmetic over two operands" }

func (c *Calculator) Tools() []tool.Descriptor {
	binarySchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number", "description": "Left operand"},
			"b": map[string]any{"type": "number", "description": "Right operand"},
		},
		"required": []any{"a", "b"},
	}
	return []tool.Descriptor{
		{Name: "add", Description: "Add two numbers", InputSchema: binarySchema},
		{Name: "subtract", Description: "Subtract b from a", InputSchema: binarySchema},
		{Name: "multiply", Description: "Multiply two numbers", InputSchema: binarySchema},
		{Name: "divide", Description: "Divide a by b", InputSchema: binarySchema},
		{Name: "power", Description: "Raise a to the power of b", InputSchema: binarySchema},
	}
}

func (c *Calculator) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	a, err := numberArg(args, "a")
	if err != nil {
		return nil, err
	}
	b, err := numberArg(args, "b")
	if err != nil {
		return nil, err
	}

	var value float64
	switch name {
	case "add":
		value = a + b
	case "subtract":
		value = a - b
	case "multiply":
		value = a * b
	case "divide":
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		value = a / b
	case "power":
		value = math.Pow(a, b)
	default:
		return nil, fmt.Errorf("calculator has no tool %q", name)
	}

	return map[string]any{"result": value}, nil
}

func numberArg(args map[string]any, key string) (float64, error) {
	raw, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing required argument: %s", key)
	}
	switch typed := raw.(type) {
	case float64:
		return typed, nil
	case int:
		return float64(typed), nil
	default:
		return 0, fmt.Errorf("argument %s must be a number, got %T", key, raw)
	}
}
