package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolhub/internal/shared/async"
	"toolhub/internal/shared/logging"
	"toolhub/internal/worker/protocol"
)

// DefaultCallTimeout bounds how long one request may stay pending before
// it is rejected and evicted.
const DefaultCallTimeout = 30 * time.Second

// ErrTransportClosed is returned for calls made after the transport died
// or was closed. A closed transport is unusable and must be recreated, not
// retried in place.
var ErrTransportClosed = errors.New("worker transport closed")

// ErrNotInitialized is returned when a call is attempted before the ping
// handshake completed.
var ErrNotInitialized = errors.New("worker transport not initialized")

// RemoteError is an error reported by the worker for a single request; the
// transport itself remains healthy.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// TransportOptions configure a transport instance.
type TransportOptions struct {
	// Timeout bounds each call; zero means DefaultCallTimeout.
	Timeout time.Duration
	Logger  logging.Logger
}

// Transport is the host-side client of the worker byte stream. Every
// outgoing request carries a fresh correlation id; responses are matched
// purely by id, never by arrival order, so any number of calls may be
// outstanding at once.
type Transport struct {
	writer  io.Writer
	writeMu sync.Mutex
	closers []io.Closer
	timeout time.Duration
	logger  logging.Logger

	mu          sync.Mutex
	pending     map[string]chan *protocol.Response
	initialized bool
	closed      bool
	closeErr    error
}

// NewTransport wraps a request writer and response reader and starts the
// response read loop. The closers are closed on Close, in order.
func NewTransport(responses io.Reader, requests io.Writer, opts TransportOptions, closers ...io.Closer) *Transport {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	t := &Transport{
		writer:  requests,
		closers: closers,
		timeout: timeout,
		logger:  logging.OrNop(opts.Logger),
		pending: make(map[string]chan *protocol.Response),
	}
	async.Go(t.logger, "worker.transport.readLoop", func() {
		t.readLoop(responses)
	})
	return t
}

// Initialize performs the liveness handshake. No other call is accepted
// until it succeeds.
func (t *Transport) Initialize(ctx context.Context) error {
	result, err := t.send(ctx, protocol.TypePing, "", "", nil)
	if err != nil {
		return fmt.Errorf("ping handshake failed: %w", err)
	}
	var pong protocol.PongResult
	if err := json.Unmarshal(result, &pong); err != nil || !pong.Pong {
		return fmt.Errorf("unexpected ping response: %s", string(result))
	}

	t.mu.Lock()
	t.initialized = true
	t.mu.Unlock()
	t.logger.Debug("Worker transport initialized")
	return nil
}

// Call sends one typed request and waits for its correlated response.
func (t *Transport) Call(ctx context.Context, msgType protocol.MessageType, serverName, toolName string, args any) (json.RawMessage, error) {
	t.mu.Lock()
	initialized := t.initialized
	t.mu.Unlock()
	if !initialized {
		return nil, ErrNotInitialized
	}
	return t.send(ctx, msgType, serverName, toolName, args)
}

func (t *Transport) send(ctx context.Context, msgType protocol.MessageType, serverName, toolName string, args any) (json.RawMessage, error) {
	id := uuid.NewString()
	req, err := protocol.NewRequest(id, msgType, serverName, toolName, args)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	respChan := make(chan *protocol.Response, 1)
	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		if err == nil {
			err = ErrTransportClosed
		}
		return nil, err
	}
	t.pending[id] = respChan
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	t.logger.Debug("Sending worker request: type=%s id=%s", msgType, id)
	// Line frames must hit the stream whole; on a subprocess pipe two
	// interleaved writes would corrupt the protocol.
	t.writeMu.Lock()
	_, err = t.writer.Write(data)
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			t.mu.Lock()
			err := t.closeErr
			t.mu.Unlock()
			if err == nil {
				err = ErrTransportClosed
			}
			return nil, err
		}
		if resp.IsError() {
			return nil, &RemoteError{Message: resp.Error}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s cancelled: %w", id, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("request %s timed out after %v", id, t.timeout)
	}
}

// readLoop routes responses to their pending callers by correlation id. A
// response for an unknown id is dropped and logged as a protocol anomaly.
// When the stream ends, every still-pending request is rejected and the
// transport becomes permanently unusable.
func (t *Transport) readLoop(responses io.Reader) {
	scanner := newLineScanner(responses)
	for scanner.Scan() {
		resp, err := protocol.UnmarshalResponse(scanner.Bytes())
		if err != nil {
			t.logger.Error("Dropping malformed response line: %v", err)
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		t.mu.Unlock()
		if !ok {
			t.logger.Warn("Protocol anomaly: response for unknown id %q dropped", resp.ID)
			continue
		}

		select {
		case ch <- resp:
		default:
			t.logger.Warn("Response channel full for id %q, dropping", resp.ID)
		}
	}

	err := scanner.Err()
	if err == nil {
		err = ErrTransportClosed
	} else {
		err = fmt.Errorf("worker transport failed: %w", err)
	}
	t.fail(err)
}

// fail marks the transport dead and rejects all pending requests.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = err
	pending := t.pending
	t.pending = make(map[string]chan *protocol.Response)
	t.mu.Unlock()

	for id, ch := range pending {
		close(ch)
		t.logger.Debug("Rejected pending request %s: %v", id, err)
	}
}

// Closed reports whether the transport is no longer usable.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close tears the transport down, rejecting anything still pending. It is
// safe to call multiple times.
func (t *Transport) Close() error {
	t.fail(ErrTransportClosed)
	var firstErr error
	for _, closer := range t.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
