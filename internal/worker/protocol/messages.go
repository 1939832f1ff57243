package protocol

import (
	"encoding/json"
	"fmt"

	"toolhub/internal/tool"
)

// MessageType enumerates the requests understood by the worker runtime.
type MessageType string

const (
	TypePing              MessageType = "ping"
	TypeLoadServer        MessageType = "loadServer"
	TypeListTools         MessageType = "listTools"
	TypeCallTool          MessageType = "callTool"
	TypeGetServiceContext MessageType = "getServiceContext"
	TypeSwitchContext     MessageType = "switchContext"
)

// Request is one JSON-serialized message crossing into the worker. The id
// round-trips unchanged and is the sole correlation mechanism.
type Request struct {
	ID         string          `json:"id"`
	Type       MessageType     `json:"type"`
	ServerName string          `json:"serverName,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// Response is the worker's reply to one request.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool {
	return r.Error != ""
}

// NewRequest builds a request with pre-encoded args.
func NewRequest(id string, msgType MessageType, serverName, toolName string, args any) (*Request, error) {
	req := &Request{
		ID:         id,
		Type:       msgType,
		ServerName: serverName,
		ToolName:   toolName,
	}
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		req.Args = encoded
	}
	return req, nil
}

// NewResponse builds a success response, encoding the result payload.
func NewResponse(id string, result any) *Response {
	encoded, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, fmt.Sprintf("encode result: %v", err))
	}
	return &Response{ID: id, Result: encoded}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id string, message string) *Response {
	return &Response{ID: id, Error: message}
}

// UnmarshalRequest parses one request line.
func UnmarshalRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse worker request: %w", err)
	}
	return &req, nil
}

// UnmarshalResponse parses one response line.
func UnmarshalResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse worker response: %w", err)
	}
	return &resp, nil
}

// PongResult is the liveness handshake payload.
type PongResult struct {
	Pong bool `json:"pong"`
}

// ServerMetadata is the loadServer result.
type ServerMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	ToolCount   int    `json:"toolCount"`
}

// ListToolsResult is the listTools result.
type ListToolsResult struct {
	Tools []tool.Descriptor `json:"tools"`
}

// ServiceContextResult is the getServiceContext result.
type ServiceContextResult struct {
	Context     string `json:"context"`
	Synthesized bool   `json:"synthesized,omitempty"`
}

// SwitchContextResult is the switchContext result.
type SwitchContextResult struct {
	Switched bool   `json:"switched"`
	Reason   string `json:"reason,omitempty"`
}
