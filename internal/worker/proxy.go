package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"toolhub/internal/shared/logging"
	"toolhub/internal/tool"
	"toolhub/internal/worker/protocol"
)

// Proxy is the host-side façade over a worker transport. It caches server
// metadata so repeated loads are served locally, and owns transport
// teardown.
type Proxy struct {
	transport *Transport
	logger    logging.Logger

	mu       sync.Mutex
	loaded   map[string]protocol.ServerMetadata
	cleaned  bool
	loadOnce singleflight.Group
}

// NewProxy wraps an already-constructed transport.
func NewProxy(transport *Transport, logger logging.Logger) *Proxy {
	return &Proxy{
		transport: transport,
		logger:    logging.OrNop(logger),
		loaded:    make(map[string]protocol.ServerMetadata),
	}
}

// Initialize performs the transport handshake.
func (p *Proxy) Initialize(ctx context.Context) error {
	return p.transport.Initialize(ctx)
}

// LoadServer loads a worker module, serving repeats from cache. Concurrent
// loads of the same module collapse into one round-trip.
func (p *Proxy) LoadServer(ctx context.Context, name string) (protocol.ServerMetadata, error) {
	p.mu.Lock()
	if meta, ok := p.loaded[name]; ok {
		p.mu.Unlock()
		return meta, nil
	}
	p.mu.Unlock()

	result, err, _ := p.loadOnce.Do(name, func() (any, error) {
		raw, err := p.transport.Call(ctx, protocol.TypeLoadServer, name, "", nil)
		if err != nil {
			return protocol.ServerMetadata{}, err
		}
		var meta protocol.ServerMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return protocol.ServerMetadata{}, fmt.Errorf("parse loadServer result: %w", err)
		}
		p.mu.Lock()
		p.loaded[name] = meta
		p.mu.Unlock()
		p.logger.Info("Loaded worker server %q (%d tools)", meta.Name, meta.ToolCount)
		return meta, nil
	})
	if err != nil {
		return protocol.ServerMetadata{}, err
	}
	return result.(protocol.ServerMetadata), nil
}

// ListTools lists one server's tools, or the union across all loaded
// servers when name is empty.
func (p *Proxy) ListTools(ctx context.Context, name string) ([]tool.Descriptor, error) {
	raw, err := p.transport.Call(ctx, protocol.TypeListTools, name, "", nil)
	if err != nil {
		return nil, err
	}
	var result protocol.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse listTools result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool on a loaded server and returns its raw,
// un-normalized result.
func (p *Proxy) CallTool(ctx context.Context, serverName, toolName string, args any) (json.RawMessage, error) {
	return p.transport.Call(ctx, protocol.TypeCallTool, serverName, toolName, args)
}

// GetServiceContext fetches a server's ambient context.
func (p *Proxy) GetServiceContext(ctx context.Context, serverName string, opts map[string]any) (protocol.ServiceContextResult, error) {
	raw, err := p.transport.Call(ctx, protocol.TypeGetServiceContext, serverName, "", opts)
	if err != nil {
		return protocol.ServiceContextResult{}, err
	}
	var result protocol.ServiceContextResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return protocol.ServiceContextResult{}, fmt.Errorf("parse getServiceContext result: %w", err)
	}
	return result, nil
}

// SwitchContext switches a server's ambient context.
func (p *Proxy) SwitchContext(ctx context.Context, serverName string, opts map[string]any) (protocol.SwitchContextResult, error) {
	raw, err := p.transport.Call(ctx, protocol.TypeSwitchContext, serverName, "", opts)
	if err != nil {
		return protocol.SwitchContextResult{}, err
	}
	var result protocol.SwitchContextResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return protocol.SwitchContextResult{}, fmt.Errorf("parse switchContext result: %w", err)
	}
	return result, nil
}

// LoadedServers returns the names of servers loaded through this proxy.
func (p *Proxy) LoadedServers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.loaded))
	for name := range p.loaded {
		names = append(names, name)
	}
	return names
}

// IsLoaded reports whether a server has been loaded through this proxy.
func (p *Proxy) IsLoaded(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loaded[name]
	return ok
}

// Cleanup terminates the worker and rejects anything still pending. It is
// the only sanctioned teardown path and is safe to call multiple times.
func (p *Proxy) Cleanup() error {
	p.mu.Lock()
	if p.cleaned {
		p.mu.Unlock()
		return nil
	}
	p.cleaned = true
	p.loaded = make(map[string]protocol.ServerMetadata)
	p.mu.Unlock()

	p.logger.Info("Cleaning up worker proxy")
	return p.transport.Close()
}

// ToolFunc is one entry of a generated server dispatch table. It accepts a
// structured object, a JSON string (parsed, with a {"raw": s} fallback), a
// primitive (wrapped as {"value": v}), or nil.
type ToolFunc func(ctx context.Context, input any) (json.RawMessage, error)

// ServerProxy builds an explicit dispatch table for one loaded server: one
// call-forwarding function per bare tool name, with the server name prefix
// stripped. The table is built once per load rather than relying on
// runtime reflection.
func (p *Proxy) ServerProxy(ctx context.Context, serverName string) (map[string]ToolFunc, error) {
	if _, err := p.LoadServer(ctx, serverName); err != nil {
		return nil, err
	}
	descriptors, err := p.ListTools(ctx, serverName)
	if err != nil {
		return nil, err
	}

	table := make(map[string]ToolFunc, len(descriptors))
	for _, desc := range descriptors {
		wireName := desc.Name
		bare := strings.TrimPrefix(wireName, serverName+"_")
		table[bare] = func(ctx context.Context, input any) (json.RawMessage, error) {
			return p.CallTool(ctx, serverName, wireName, tool.CoerceCallInput(input))
		}
	}
	return table, nil
}
