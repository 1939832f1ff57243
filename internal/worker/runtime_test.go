package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"toolhub/internal/tool"
	"toolhub/internal/worker/protocol"
	"toolhub/internal/worker/servers"
)

// testServer is a minimal module with controllable behavior.
type testServer struct {
	name    string
	tools   []tool.Descriptor
	call    func(ctx context.Context, name string, args map[string]any) (any, error)
	blockCh chan struct{}
}

func (s *testServer) Name() string        { return s.name }
func (s *testServer) Version() string     { return "0.0.1" }
func (s *testServer) Description() string { return "test module" }
func (s *testServer) Tools() []tool.Descriptor {
	if s.tools != nil {
		return s.tools
	}
	return []tool.Descriptor{{Name: "echo", Description: "echo args"}}
}

func (s *testServer) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if s.blockCh != nil {
		<-s.blockCh
	}
	if s.call != nil {
		return s.call(ctx, name, args)
	}
	return map[string]any{"echo": args}, nil
}

func newTestRuntime(modules ...servers.ToolServer) *Runtime {
	return NewRuntime(servers.NewRegistry(modules...), nil)
}

func request(t *testing.T, msgType protocol.MessageType, serverName, toolName string, args any) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest("req-1", msgType, serverName, toolName, args)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestHandlePing(t *testing.T) {
	rt := newTestRuntime()

	resp := rt.handle(context.Background(), request(t, protocol.TypePing, "", "", nil))
	if resp.IsError() {
		t.Fatalf("ping failed: %s", resp.Error)
	}
	var pong protocol.PongResult
	if err := json.Unmarshal(resp.Result, &pong); err != nil || !pong.Pong {
		t.Errorf("Expected pong, got %s", string(resp.Result))
	}
}

func TestHandleLoadServerIsIdempotent(t *testing.T) {
	rt := newTestRuntime(&testServer{name: "alpha"})

	first := rt.handle(context.Background(), request(t, protocol.TypeLoadServer, "alpha", "", nil))
	second := rt.handle(context.Background(), request(t, protocol.TypeLoadServer, "alpha", "", nil))

	if first.IsError() || second.IsError() {
		t.Fatalf("loadServer failed: %s / %s", first.Error, second.Error)
	}
	if string(first.Result) != string(second.Result) {
		t.Errorf("Expected identical metadata, got %s vs %s", first.Result, second.Result)
	}

	var meta protocol.ServerMetadata
	if err := json.Unmarshal(first.Result, &meta); err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.Name != "alpha" || meta.ToolCount != 1 {
		t.Errorf("Unexpected metadata: %+v", meta)
	}
}

func TestHandleLoadServerUnknownModule(t *testing.T) {
	rt := newTestRuntime()

	resp := rt.handle(context.Background(), request(t, protocol.TypeLoadServer, "ghost", "", nil))
	if !resp.IsError() {
		t.Fatal("Expected an error for an unknown module")
	}
	if !strings.Contains(resp.Error, "ghost") {
		t.Errorf("Expected error to name the module, got %q", resp.Error)
	}
}

func TestHandleListToolsUnionAcrossLoaded(t *testing.T) {
	rt := newTestRuntime(
		&testServer{name: "alpha", tools: []tool.Descriptor{{Name: "a1"}, {Name: "a2"}}},
		&testServer{name: "beta", tools: []tool.Descriptor{{Name: "b1"}}},
	)
	ctx := context.Background()
	rt.handle(ctx, request(t, protocol.TypeLoadServer, "alpha", "", nil))

	// Only alpha is loaded; the union must exclude beta.
	resp := rt.handle(ctx, request(t, protocol.TypeListTools, "", "", nil))
	var result protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("parse listTools: %v", err)
	}
	if len(result.Tools) != 2 {
		t.Errorf("Expected 2 tools from loaded modules, got %d", len(result.Tools))
	}

	rt.handle(ctx, request(t, protocol.TypeLoadServer, "beta", "", nil))
	resp = rt.handle(ctx, request(t, protocol.TypeListTools, "", "", nil))
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("parse listTools: %v", err)
	}
	if len(result.Tools) != 3 {
		t.Errorf("Expected 3 tools after loading beta, got %d", len(result.Tools))
	}
}

func TestHandleListToolsRequiresLoadedServer(t *testing.T) {
	rt := newTestRuntime(&testServer{name: "alpha"})

	resp := rt.handle(context.Background(), request(t, protocol.TypeListTools, "alpha", "", nil))
	if !resp.IsError() {
		t.Fatal("Expected an error listing tools of an unloaded server")
	}
}

func TestHandleCallToolConvertsErrors(t *testing.T) {
	rt := newTestRuntime(&testServer{
		name: "alpha",
		call: func(ctx context.Context, name string, args map[string]any) (any, error) {
			return nil, context.DeadlineExceeded
		},
	})
	ctx := context.Background()
	rt.handle(ctx, request(t, protocol.TypeLoadServer, "alpha", "", nil))

	resp := rt.handle(ctx, request(t, protocol.TypeCallTool, "alpha", "echo", map[string]any{"x": 1}))
	if !resp.IsError() {
		t.Fatal("Expected tool failure to surface as an error response")
	}
	if !strings.Contains(resp.Error, "alpha/echo") {
		t.Errorf("Expected error to name server/tool, got %q", resp.Error)
	}
}

func TestHandleCallToolRecoversPanic(t *testing.T) {
	rt := newTestRuntime(&testServer{
		name: "alpha",
		call: func(ctx context.Context, name string, args map[string]any) (any, error) {
			panic("tool exploded")
		},
	})
	ctx := context.Background()
	rt.handle(ctx, request(t, protocol.TypeLoadServer, "alpha", "", nil))

	resp := rt.handle(ctx, request(t, protocol.TypeCallTool, "alpha", "echo", nil))
	if !resp.IsError() {
		t.Fatal("Expected panic to become an error response")
	}
	if !strings.Contains(resp.Error, "internal worker error") {
		t.Errorf("Unexpected panic error: %q", resp.Error)
	}
}

func TestHandleUnknownTypeFailsDescriptively(t *testing.T) {
	rt := newTestRuntime()

	resp := rt.handle(context.Background(), &protocol.Request{ID: "req-1", Type: "frobnicate"})
	if !resp.IsError() {
		t.Fatal("Expected unknown type to fail")
	}
	if !strings.Contains(resp.Error, "frobnicate") {
		t.Errorf("Expected error to echo the bad type, got %q", resp.Error)
	}
}

func TestHandleGetServiceContextFallback(t *testing.T) {
	rt := newTestRuntime(&testServer{name: "alpha"})
	ctx := context.Background()
	rt.handle(ctx, request(t, protocol.TypeLoadServer, "alpha", "", nil))

	resp := rt.handle(ctx, request(t, protocol.TypeGetServiceContext, "alpha", "", nil))
	if resp.IsError() {
		t.Fatalf("Expected synthesized context, got error %q", resp.Error)
	}
	var result protocol.ServiceContextResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("parse context: %v", err)
	}
	if !result.Synthesized || result.Context == "" {
		t.Errorf("Expected synthesized fallback context, got %+v", result)
	}
}

func TestHandleSwitchContextOnContextAwareModule(t *testing.T) {
	rt := newTestRuntime(servers.NewTodo())
	ctx := context.Background()
	rt.handle(ctx, request(t, protocol.TypeLoadServer, "todo", "", nil))

	resp := rt.handle(ctx, request(t, protocol.TypeSwitchContext, "todo", "", map[string]any{"session": "s2"}))
	if resp.IsError() {
		t.Fatalf("switchContext failed: %s", resp.Error)
	}

	resp = rt.handle(ctx, request(t, protocol.TypeGetServiceContext, "todo", "", nil))
	var result protocol.ServiceContextResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("parse context: %v", err)
	}
	if !strings.Contains(result.Context, "session=s2") {
		t.Errorf("Expected switched session in context, got %q", result.Context)
	}
}
