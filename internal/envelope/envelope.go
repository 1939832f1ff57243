package envelope

import (
	"encoding/json"
	"fmt"

	"toolhub/internal/tool"
)

// JSON-RPC 2.0 specification: https://www.jsonrpc.org/specification

// Version is the JSON-RPC version stamped on every envelope.
const Version = "2.0"

// Standard JSON-RPC error codes used across the router.
const (
	CodeParseError     = -32700 // invalid JSON was received
	CodeInvalidRequest = -32600 // the payload is not a valid request object
	CodeToolNotFound   = -32601 // the tool does not exist / is not available
	CodeInvalidParams  = -32602 // invalid parameters or malformed tool name
	CodeInternalError  = -32603 // internal/execution error
	CodeServerError    = -32000 // generic backend error
)

// ErrorInfo is the error object carried by a failed envelope.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ErrorInfo) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("tool error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

// Result is the success payload of an envelope.
type Result struct {
	Content           []tool.ContentPart `json:"content"`
	StructuredContent any                `json:"structuredContent,omitempty"`
}

// Envelope is the single canonical response shape every backend's raw
// output is converted into before reaching the caller. Exactly one of
// Result/Error is set.
type Envelope struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      any        `json:"id"`
	Result  *Result    `json:"result,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// IsError reports whether the envelope carries an error.
func (e *Envelope) IsError() bool {
	return e.Error != nil
}

// Success normalizes a raw backend result and wraps it in a result
// envelope.
func Success(id any, raw json.RawMessage) *Envelope {
	value := NormalizeValue(raw)
	result := &Result{Content: tool.TextContent(renderText(value))}
	if _, isString := value.(string); !isString && value != nil {
		result.StructuredContent = value
	}
	return &Envelope{JSONRPC: Version, ID: id, Result: result}
}

// Failure wraps an error in an error envelope.
func Failure(id any, code int, message string, data any) *Envelope {
	return &Envelope{
		JSONRPC: Version,
		ID:      id,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// NormalizeValue converts a raw backend result into one usable value.
// Precedence, deterministic and total:
//
//  1. explicit errors never reach this function; callers surface them via
//     Failure before reading any result
//  2. a present structuredContent always wins, tested by key presence
//     rather than truthiness so false/0/{} payloads survive
//  3. otherwise a text content part is parsed as JSON, falling back to the
//     raw text on parse failure
//  4. otherwise the raw result is returned verbatim, even when empty
func NormalizeValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	var result tool.RawResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// Not the wrapped result shape. Rule 2 still applies when the
		// structuredContent key is present alongside fields that do not
		// decode into it.
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return decodeAny(raw)
		}
		if structured, present := fields["structuredContent"]; present {
			return decodeAny(structured)
		}
		return decodeAny(raw)
	}

	if result.HasStructured() {
		return decodeAny(result.StructuredContent)
	}

	if text, ok := result.FirstText(); ok {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			return parsed
		}
		return text
	}

	return decodeAny(raw)
}

func decodeAny(raw json.RawMessage) any {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		// Not valid JSON at all; preserve the bytes as text.
		return string(raw)
	}
	return value
}

func renderText(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(encoded)
	}
}
