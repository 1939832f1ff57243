package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"toolhub/internal/shared/async"
	"toolhub/internal/shared/logging"
	"toolhub/internal/tool"
	"toolhub/internal/worker/protocol"
	"toolhub/internal/worker/servers"
)

// Runtime is the worker-side half of the transport: it reads serialized
// requests off a byte stream, dispatches them to the module table, and
// writes one response per request. Failures in a single request never take
// the loop down.
type Runtime struct {
	registry *servers.Registry
	loaded   map[string]bool
	mu       sync.Mutex
	writeMu  sync.Mutex
	logger   logging.Logger
}

// NewRuntime builds a runtime over a module table.
func NewRuntime(registry *servers.Registry, logger logging.Logger) *Runtime {
	return &Runtime{
		registry: registry,
		loaded:   make(map[string]bool),
		logger:   logging.OrNop(logger),
	}
}

// Serve processes line-delimited JSON requests from r until EOF or a read
// error, writing responses to w. Responses are written as soon as a
// handler finishes, so they may interleave in any order relative to
// request arrival.
func (rt *Runtime) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := newLineScanner(r)

	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		req, err := protocol.UnmarshalRequest(line)
		if err != nil {
			rt.logger.Error("Dropping malformed request line: %v", err)
			continue
		}

		// Each request is handled on its own goroutine so one slow tool
		// call cannot stall the others; correlation ids keep responses
		// matched regardless of completion order.
		async.Go(rt.logger, "worker.handle."+string(req.Type), func() {
			resp := rt.handle(ctx, req)
			rt.writeResponse(w, resp)
		})
	}

	if err := scanner.Err(); err != nil {
		rt.logger.Error("Worker runtime read error: %v", err)
		return err
	}
	rt.logger.Debug("Worker runtime stream closed")
	return nil
}

func (rt *Runtime) writeResponse(w io.Writer, resp *protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		rt.logger.Error("Failed to marshal response for id %s: %v", resp.ID, err)
		return
	}
	data = append(data, '\n')

	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	if _, err := w.Write(data); err != nil {
		rt.logger.Error("Failed to write response for id %s: %v", resp.ID, err)
	}
}

// handle dispatches one request to its typed handler. Handler errors are
// converted into error responses; they never propagate as panics or
// unhandled failures across the transport.
func (rt *Runtime) handle(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("Handler panic for %s (id %s): %v", req.Type, req.ID, r)
			resp = protocol.NewErrorResponse(req.ID, fmt.Sprintf("internal worker error: %v", r))
		}
	}()

	switch req.Type {
	case protocol.TypePing:
		return protocol.NewResponse(req.ID, protocol.PongResult{Pong: true})
	case protocol.TypeLoadServer:
		return rt.handleLoadServer(req)
	case protocol.TypeListTools:
		return rt.handleListTools(req)
	case protocol.TypeCallTool:
		return rt.handleCallTool(ctx, req)
	case protocol.TypeGetServiceContext:
		return rt.handleGetServiceContext(req)
	case protocol.TypeSwitchContext:
		return rt.handleSwitchContext(req)
	default:
		return protocol.NewErrorResponse(req.ID, fmt.Sprintf("unknown message type: %q", req.Type))
	}
}

// handleLoadServer validates the module and marks it loaded. Loading is
// idempotent: a second load returns the same metadata without
// re-initializing anything.
func (rt *Runtime) handleLoadServer(req *protocol.Request) *protocol.Response {
	server, err := rt.registry.Get(req.ServerName)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err.Error())
	}

	rt.mu.Lock()
	rt.loaded[server.Name()] = true
	rt.mu.Unlock()

	rt.logger.Info("Loaded tool server %q (%d tools)", server.Name(), len(server.Tools()))
	return protocol.NewResponse(req.ID, protocol.ServerMetadata{
		Name:        server.Name(),
		Version:     server.Version(),
		Description: server.Description(),
		ToolCount:   len(server.Tools()),
	})
}

// handleListTools returns one module's tools, or the union across all
// loaded modules when no server name is given.
func (rt *Runtime) handleListTools(req *protocol.Request) *protocol.Response {
	if req.ServerName != "" {
		server, err := rt.loadedServer(req.ServerName)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, err.Error())
		}
		return protocol.NewResponse(req.ID, protocol.ListToolsResult{Tools: server.Tools()})
	}

	var union []tool.Descriptor
	for _, name := range rt.registry.Names() {
		rt.mu.Lock()
		isLoaded := rt.loaded[name]
		rt.mu.Unlock()
		if !isLoaded {
			continue
		}
		server, err := rt.registry.Get(name)
		if err != nil {
			continue
		}
		union = append(union, server.Tools()...)
	}
	if union == nil {
		union = []tool.Descriptor{}
	}
	return protocol.NewResponse(req.ID, protocol.ListToolsResult{Tools: union})
}

// handleCallTool invokes the module's entry point and converts any failure
// into an error response rather than an unhandled rejection.
func (rt *Runtime) handleCallTool(ctx context.Context, req *protocol.Request) *protocol.Response {
	server, err := rt.loadedServer(req.ServerName)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err.Error())
	}
	if req.ToolName == "" {
		return protocol.NewErrorResponse(req.ID, "callTool requires a toolName")
	}

	args := decodeArgs(req.Args)
	result, err := server.CallTool(ctx, req.ToolName, args)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, fmt.Sprintf("tool %s/%s failed: %v", req.ServerName, req.ToolName, err))
	}
	return protocol.NewResponse(req.ID, result)
}

func (rt *Runtime) handleGetServiceContext(req *protocol.Request) *protocol.Response {
	server, err := rt.loadedServer(req.ServerName)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err.Error())
	}

	aware, ok := server.(servers.ContextAware)
	if !ok {
		// Synthesize a minimal context for modules without ambient state.
		return protocol.NewResponse(req.ID, protocol.ServiceContextResult{
			Context:     fmt.Sprintf("server=%s version=%s (no service context)", server.Name(), server.Version()),
			Synthesized: true,
		})
	}

	serviceContext, err := aware.GetServiceContext(decodeArgs(req.Args))
	if err != nil {
		return protocol.NewErrorResponse(req.ID, fmt.Sprintf("getServiceContext failed: %v", err))
	}
	return protocol.NewResponse(req.ID, protocol.ServiceContextResult{Context: serviceContext})
}

func (rt *Runtime) handleSwitchContext(req *protocol.Request) *protocol.Response {
	server, err := rt.loadedServer(req.ServerName)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err.Error())
	}

	aware, ok := server.(servers.ContextAware)
	if !ok {
		return protocol.NewResponse(req.ID, protocol.SwitchContextResult{
			Switched: false,
			Reason:   fmt.Sprintf("server %s does not support context switching", server.Name()),
		})
	}

	if err := aware.SwitchContext(decodeArgs(req.Args)); err != nil {
		return protocol.NewErrorResponse(req.ID, fmt.Sprintf("switchContext failed: %v", err))
	}
	return protocol.NewResponse(req.ID, protocol.SwitchContextResult{Switched: true})
}

// loadedServer resolves a module that has been loaded via loadServer.
func (rt *Runtime) loadedServer(name string) (servers.ToolServer, error) {
	if name == "" {
		return nil, fmt.Errorf("serverName is required")
	}
	rt.mu.Lock()
	isLoaded := rt.loaded[name]
	rt.mu.Unlock()
	if !isLoaded {
		return nil, fmt.Errorf("tool server not loaded: %s", name)
	}
	return rt.registry.Get(name)
}

func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		// Non-object args cross the boundary as a single raw value.
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return map[string]any{"raw": string(raw)}
		}
		return map[string]any{"value": value}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args
}
