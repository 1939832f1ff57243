package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"toolhub/internal/tool"
	"toolhub/internal/worker/servers"
)

func startTestProxy(t *testing.T, modules ...servers.ToolServer) *Proxy {
	t.Helper()
	transport := StartInProcess(context.Background(), servers.NewRegistry(modules...), TransportOptions{})
	proxy := NewProxy(transport, nil)
	t.Cleanup(func() { _ = proxy.Cleanup() })
	if err := proxy.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return proxy
}

func TestProxyLoadServerCachesMetadata(t *testing.T) {
	counted := &testServer{
		name:  "counted",
		tools: []tool.Descriptor{{Name: "counted_noop"}},
	}
	proxy := startTestProxy(t, counted)
	ctx := context.Background()

	meta, err := proxy.LoadServer(ctx, "counted")
	if err != nil {
		t.Fatalf("loadServer: %v", err)
	}
	if meta.Name != "counted" || meta.ToolCount != 1 {
		t.Errorf("Unexpected metadata: %+v", meta)
	}
	if !proxy.IsLoaded("counted") {
		t.Error("Expected server to be marked loaded")
	}

	again, err := proxy.LoadServer(ctx, "counted")
	if err != nil {
		t.Fatalf("repeat loadServer: %v", err)
	}
	if again != meta {
		t.Errorf("Expected cached metadata on repeat load, got %+v", again)
	}

	names := proxy.LoadedServers()
	if len(names) != 1 || names[0] != "counted" {
		t.Errorf("Unexpected loaded servers: %v", names)
	}
}

func TestProxyLoadServerUnknownModule(t *testing.T) {
	proxy := startTestProxy(t)

	_, err := proxy.LoadServer(context.Background(), "ghost")
	if err == nil {
		t.Fatal("Expected loading an unknown module to fail")
	}
	if proxy.IsLoaded("ghost") {
		t.Error("Failed load must not be cached")
	}
}

func TestProxyListToolsUnion(t *testing.T) {
	proxy := startTestProxy(t,
		&testServer{name: "alpha", tools: []tool.Descriptor{{Name: "alpha_a"}}},
		&testServer{name: "beta", tools: []tool.Descriptor{{Name: "beta_b"}}},
	)
	ctx := context.Background()

	if _, err := proxy.LoadServer(ctx, "alpha"); err != nil {
		t.Fatalf("load alpha: %v", err)
	}
	if _, err := proxy.LoadServer(ctx, "beta"); err != nil {
		t.Fatalf("load beta: %v", err)
	}

	all, err := proxy.ListTools(ctx, "")
	if err != nil {
		t.Fatalf("listTools: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected union of 2 tools, got %d", len(all))
	}

	one, err := proxy.ListTools(ctx, "alpha")
	if err != nil {
		t.Fatalf("listTools alpha: %v", err)
	}
	if len(one) != 1 || one[0].Name != "alpha_a" {
		t.Errorf("Unexpected alpha tools: %+v", one)
	}
}

func TestProxyCleanupIdempotentAndTerminal(t *testing.T) {
	proxy := startTestProxy(t, servers.NewCalculator())
	ctx := context.Background()

	if _, err := proxy.LoadServer(ctx, "calculator"); err != nil {
		t.Fatalf("loadServer: %v", err)
	}

	if err := proxy.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := proxy.Cleanup(); err != nil {
		t.Errorf("Second cleanup errored: %v", err)
	}
	if proxy.IsLoaded("calculator") {
		t.Error("Cleanup must clear the loaded cache")
	}
	if _, err := proxy.CallTool(ctx, "calculator", "add", map[string]any{"a": 1, "b": 2}); err == nil {
		t.Error("Expected calls after cleanup to fail")
	}
}

func TestProxyServiceContextRoundTrip(t *testing.T) {
	proxy := startTestProxy(t, servers.NewTodo())
	ctx := context.Background()

	if _, err := proxy.LoadServer(ctx, "todo"); err != nil {
		t.Fatalf("loadServer: %v", err)
	}

	result, err := proxy.GetServiceContext(ctx, "todo", nil)
	if err != nil {
		t.Fatalf("getServiceContext: %v", err)
	}
	if result.Context == "" {
		t.Error("Expected a non-empty context string")
	}

	switched, err := proxy.SwitchContext(ctx, "todo", map[string]any{"session": "review"})
	if err != nil {
		t.Fatalf("switchContext: %v", err)
	}
	if !switched.Switched {
		t.Errorf("Expected switch to succeed: %+v", switched)
	}
}

func TestServerProxyDispatchTable(t *testing.T) {
	var gotArgs atomic.Value
	echo := &testServer{
		name: "echo",
		tools: []tool.Descriptor{
			{Name: "echo_say"},
			{Name: "unprefixed"},
		},
		call: func(ctx context.Context, name string, args map[string]any) (any, error) {
			gotArgs.Store(args)
			return map[string]any{"tool": name}, nil
		},
	}
	proxy := startTestProxy(t, echo)
	ctx := context.Background()

	table, err := proxy.ServerProxy(ctx, "echo")
	if err != nil {
		t.Fatalf("serverProxy: %v", err)
	}
	if _, ok := table["say"]; !ok {
		t.Fatalf("Expected prefix-stripped entry %q, table has %d entries", "say", len(table))
	}
	if _, ok := table["unprefixed"]; !ok {
		t.Error("Tool without the server prefix must keep its own name")
	}

	// The wire call still uses the full tool name.
	raw, err := table["say"](ctx, map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var result struct {
		Tool string `json:"tool"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if result.Tool != "echo_say" {
		t.Errorf("Expected wire name echo_say, got %q", result.Tool)
	}

	cases := []struct {
		desc  string
		input any
		want  map[string]any
	}{
		{"object passes through", map[string]any{"text": "hi"}, map[string]any{"text": "hi"}},
		{"JSON string is parsed", `{"text":"hi"}`, map[string]any{"text": "hi"}},
		{"plain string becomes raw", "not json", map[string]any{"raw": "not json"}},
		{"primitive becomes value", 42, map[string]any{"value": float64(42)}},
		{"nil stays empty", nil, nil},
	}
	for _, tc := range cases {
		if _, err := table["say"](ctx, tc.input); err != nil {
			t.Fatalf("%s: dispatch failed: %v", tc.desc, err)
		}
		stored, _ := gotArgs.Load().(map[string]any)
		if len(tc.want) == 0 {
			if len(stored) != 0 {
				t.Errorf("%s: expected empty args, got %v", tc.desc, stored)
			}
			continue
		}
		for key, want := range tc.want {
			if stored[key] != want {
				t.Errorf("%s: args[%q] = %v, want %v", tc.desc, key, stored[key], want)
			}
		}
	}
}

func TestProxyCallToolRemoteError(t *testing.T) {
	proxy := startTestProxy(t, servers.NewCalculator())
	ctx := context.Background()

	if _, err := proxy.LoadServer(ctx, "calculator"); err != nil {
		t.Fatalf("loadServer: %v", err)
	}

	_, err := proxy.CallTool(ctx, "calculator", "divide", map[string]any{"a": 1, "b": 0})
	if err == nil {
		t.Fatal("Expected division by zero to surface as an error")
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Expected a RemoteError, got %T: %v", err, err)
	}
}
