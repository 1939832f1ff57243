package tool

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Descriptor describes a callable tool: a name, a human-readable
// description, and a JSON-Schema object for its input. Names are unique
// only within the backend that advertises them; global uniqueness comes
// from namespace prefixing.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Call is the tool-call shape accepted at the router boundary. Arguments
// always travel as a JSON-encoded string here, even though inner layers
// accept looser shapes.
type Call struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function CallFunction `json:"function"`
}

// CallFunction carries the flat (prefixed) tool name and its encoded
// arguments.
type CallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewCall builds a function tool call with a generated id.
func NewCall(name string, args any) (Call, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return Call{}, fmt.Errorf("encode arguments: %w", err)
	}
	return Call{
		ID:   NewCallID(),
		Type: "function",
		Function: CallFunction{
			Name:      name,
			Arguments: string(encoded),
		},
	}, nil
}

// NewCallID returns a fresh unique tool-call id.
func NewCallID() string {
	return "call_" + uuid.NewString()
}

// ContentPart is one piece of a backend result's content list.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextContent builds a single-element text content list.
func TextContent(text string) []ContentPart {
	return []ContentPart{{Type: "text", Text: text}}
}

// RawResult is the wrapped result shape a backend may return: a content
// list plus an optional structured payload. StructuredContent presence is
// distinguished from absence by RawMessage nil-ness, so falsy payloads
// (false, 0, {}) survive the trip.
type RawResult struct {
	Content           []ContentPart   `json:"content,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// HasStructured reports whether a structured payload is present at all.
func (r RawResult) HasStructured() bool {
	return r.StructuredContent != nil
}

// FirstText returns the first text part of the content list, if any.
func (r RawResult) FirstText() (string, bool) {
	for _, part := range r.Content {
		if part.Type == "text" {
			return part.Text, true
		}
	}
	return "", false
}
