package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"toolhub/internal/worker/protocol"
	"toolhub/internal/worker/servers"
)

func startTestWorker(t *testing.T, opts TransportOptions, modules ...servers.ToolServer) *Transport {
	t.Helper()
	transport := StartInProcess(context.Background(), servers.NewRegistry(modules...), opts)
	t.Cleanup(func() { _ = transport.Close() })
	if err := transport.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return transport
}

func TestTransportRejectsCallsBeforeInitialize(t *testing.T) {
	transport := StartInProcess(context.Background(), servers.NewRegistry(), TransportOptions{})
	defer func() { _ = transport.Close() }()

	_, err := transport.Call(context.Background(), protocol.TypeListTools, "", "", nil)
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
}

func TestTransportConcurrentCallsDoNotCross(t *testing.T) {
	// Each call sleeps for its own duration, so completions arrive in the
	// reverse order of submission; correlation ids must keep them apart.
	sleeper := &testServer{
		name: "sleeper",
		call: func(ctx context.Context, name string, args map[string]any) (any, error) {
			ms, _ := args["ms"].(float64)
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return map[string]any{"tag": args["tag"]}, nil
		},
	}
	transport := startTestWorker(t, TransportOptions{}, sleeper)

	ctx := context.Background()
	if _, err := transport.Call(ctx, protocol.TypeLoadServer, "sleeper", "", nil); err != nil {
		t.Fatalf("loadServer: %v", err)
	}

	type outcome struct {
		tag    string
		result json.RawMessage
		err    error
	}
	outcomes := make(chan outcome, 3)
	var wg sync.WaitGroup
	for i, spec := range []struct {
		tag string
		ms  int
	}{{"slow", 120}, {"medium", 60}, {"fast", 5}} {
		wg.Add(1)
		go func(i int, tag string, ms int) {
			defer wg.Done()
			raw, err := transport.Call(ctx, protocol.TypeCallTool, "sleeper", "nap",
				map[string]any{"tag": tag, "ms": ms})
			outcomes <- outcome{tag: tag, result: raw, err: err}
		}(i, spec.tag, spec.ms)
	}
	wg.Wait()
	close(outcomes)

	for o := range outcomes {
		if o.err != nil {
			t.Fatalf("call %s failed: %v", o.tag, o.err)
		}
		var payload struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(o.result, &payload); err != nil {
			t.Fatalf("parse result: %v", err)
		}
		if payload.Tag != o.tag {
			t.Errorf("Response crossed calls: sent tag %q, got %q", o.tag, payload.Tag)
		}
	}
}

// overlapWriter counts writes that start while another is still in flight.
// A real subprocess pipe would interleave such frames.
type overlapWriter struct {
	inner    io.Writer
	inFlight atomic.Int32
	overlaps atomic.Int32
}

func (w *overlapWriter) Write(p []byte) (int, error) {
	if w.inFlight.Add(1) > 1 {
		w.overlaps.Add(1)
	}
	time.Sleep(2 * time.Millisecond) // widen the race window
	n, err := w.inner.Write(p)
	w.inFlight.Add(-1)
	return n, err
}

func TestTransportSerializesRequestWrites(t *testing.T) {
	requestReader, requestWriter := io.Pipe()
	responseReader, responseWriter := io.Pipe()

	runtime := NewRuntime(servers.NewRegistry(servers.NewCalculator()), nil)
	go func() {
		_ = runtime.Serve(context.Background(), requestReader, responseWriter)
		_ = responseWriter.Close()
	}()

	writer := &overlapWriter{inner: requestWriter}
	transport := NewTransport(responseReader, writer, TransportOptions{Timeout: 5 * time.Second},
		requestWriter, responseReader)
	t.Cleanup(func() { _ = transport.Close() })

	ctx := context.Background()
	if err := transport.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := transport.Call(ctx, protocol.TypeLoadServer, "calculator", "", nil); err != nil {
		t.Fatalf("loadServer: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := transport.Call(ctx, protocol.TypeCallTool, "calculator", "add",
				map[string]any{"a": 1, "b": 2})
			if err != nil {
				t.Errorf("add call failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := writer.overlaps.Load(); n > 0 {
		t.Errorf("%d request writes overlapped; frames must reach the stream whole", n)
	}
}

func TestTransportUnknownCorrelationIDDropped(t *testing.T) {
	responseReader, responseWriter := io.Pipe()
	requestReader, requestWriter := io.Pipe()

	transport := NewTransport(responseReader, requestWriter, TransportOptions{Timeout: time.Second},
		requestWriter, responseReader)
	defer func() { _ = transport.Close() }()

	// Echo pong for whatever id arrives, after first injecting a response
	// nobody asked for.
	go func() {
		scanner := newLineScanner(requestReader)
		if !scanner.Scan() {
			return
		}
		req, err := protocol.UnmarshalRequest(scanner.Bytes())
		if err != nil {
			return
		}
		bogus, _ := json.Marshal(protocol.NewResponse("no-such-id", protocol.PongResult{Pong: true}))
		_, _ = responseWriter.Write(append(bogus, '\n'))
		real, _ := json.Marshal(protocol.NewResponse(req.ID, protocol.PongResult{Pong: true}))
		_, _ = responseWriter.Write(append(real, '\n'))
	}()

	if err := transport.Initialize(context.Background()); err != nil {
		t.Fatalf("Expected handshake to survive a bogus response, got %v", err)
	}
}

func TestTransportTimeoutEvictsPending(t *testing.T) {
	blocked := &testServer{name: "stuck", blockCh: make(chan struct{})}
	transport := startTestWorker(t, TransportOptions{Timeout: 50 * time.Millisecond}, blocked)

	ctx := context.Background()
	if _, err := transport.Call(ctx, protocol.TypeLoadServer, "stuck", "", nil); err != nil {
		t.Fatalf("loadServer: %v", err)
	}

	_, err := transport.Call(ctx, protocol.TypeCallTool, "stuck", "echo", nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Expected timeout error, got %v", err)
	}

	transport.mu.Lock()
	pending := len(transport.pending)
	transport.mu.Unlock()
	if pending != 0 {
		t.Errorf("Expected pending map to be empty after timeout, found %d entries", pending)
	}
	close(blocked.blockCh)
}

func TestTransportContextCancellation(t *testing.T) {
	blocked := &testServer{name: "stuck", blockCh: make(chan struct{})}
	transport := startTestWorker(t, TransportOptions{}, blocked)

	bg := context.Background()
	if _, err := transport.Call(bg, protocol.TypeLoadServer, "stuck", "", nil); err != nil {
		t.Fatalf("loadServer: %v", err)
	}

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() {
		_, err := transport.Call(ctx, protocol.TypeCallTool, "stuck", "echo", nil)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Cancelled call never returned")
	}
	close(blocked.blockCh)
}

func TestTransportCloseRejectsPendingAndStaysClosed(t *testing.T) {
	blocked := &testServer{name: "stuck", blockCh: make(chan struct{})}
	transport := startTestWorker(t, TransportOptions{}, blocked)
	defer close(blocked.blockCh)

	ctx := context.Background()
	if _, err := transport.Call(ctx, protocol.TypeLoadServer, "stuck", "", nil); err != nil {
		t.Fatalf("loadServer: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := transport.Call(ctx, protocol.TypeCallTool, "stuck", "echo", nil)
		done <- err
	}()
	// Give the call a moment to become pending before tearing down.
	time.Sleep(20 * time.Millisecond)

	if err := transport.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Expected pending call to be rejected on close")
		}
	case <-time.After(time.Second):
		t.Fatal("Pending call never rejected after close")
	}

	if !transport.Closed() {
		t.Error("Expected transport to report closed")
	}
	if _, err := transport.Call(ctx, protocol.TypePing, "", "", nil); err == nil {
		t.Error("Expected calls after close to fail")
	}
	// Closing again must be safe.
	if err := transport.Close(); err != nil {
		t.Errorf("Second close errored: %v", err)
	}
}

func TestTransportEndToEndCalculator(t *testing.T) {
	transport := startTestWorker(t, TransportOptions{}, servers.NewCalculator())

	ctx := context.Background()
	if _, err := transport.Call(ctx, protocol.TypeLoadServer, "calculator", "", nil); err != nil {
		t.Fatalf("loadServer: %v", err)
	}

	raw, err := transport.Call(ctx, protocol.TypeCallTool, "calculator", "add",
		map[string]any{"a": 5, "b": 3})
	if err != nil {
		t.Fatalf("callTool: %v", err)
	}
	var result struct {
		Result float64 `json:"result"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if result.Result != 8 {
		t.Errorf("Expected 8, got %v", result.Result)
	}
}
