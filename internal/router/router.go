// Package router is the single dispatch surface over every registered
// tool backend. It resolves flat tool names through the namespace
// resolver, forwards to the worker proxy or the local service registry,
// and normalizes every raw result into one canonical response envelope.
// Errors never escape the router as panics; they come back as data.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"toolhub/internal/envelope"
	"toolhub/internal/localsvc"
	"toolhub/internal/namespace"
	"toolhub/internal/observability"
	"toolhub/internal/shared/logging"
	"toolhub/internal/tool"
	"toolhub/internal/worker"
)

type backendKind int

const (
	kindWorker backendKind = iota
	kindLocal
)

// TaggedTool is one advertised tool together with its backend of origin.
type TaggedTool struct {
	tool.Descriptor
	BackendID string `json:"backendId"`
	Backend   string `json:"backend"` // "worker" or "local"
}

// Options wire the router's collaborators. Worker and Local are each
// optional; a deployment may run with either or both.
type Options struct {
	Resolver *namespace.Resolver
	Worker   *worker.Proxy
	Local    *localsvc.Registry
	Cache    CacheConfig
	Metrics  *observability.MetricsCollector
	Tracer   *observability.TracerProvider
	Logger   logging.Logger
}

// Router owns the alias table through its resolver and tracks which
// backend each advertised id belongs to.
type Router struct {
	resolver *namespace.Resolver
	worker   *worker.Proxy
	local    *localsvc.Registry
	cache    *resultCache
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	logger   logging.Logger

	mu    sync.RWMutex
	kinds map[string]backendKind
}

func New(opts Options) *Router {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = namespace.NewResolver("", opts.Logger)
	}
	return &Router{
		resolver: resolver,
		worker:   opts.Worker,
		local:    opts.Local,
		cache:    newResultCache(opts.Cache),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   logging.OrNop(opts.Logger),
		kinds:    make(map[string]backendKind),
	}
}

// RegisterLocalService registers a service and advertises its tools once
// it is Ready. A service that fails to load keeps its registry entry in
// the error state but contributes no tools.
func (r *Router) RegisterLocalService(ctx context.Context, svc localsvc.Service) error {
	if r.local == nil {
		return fmt.Errorf("no local service registry configured")
	}
	id := svc.Name()
	loadErr := r.local.Register(ctx, svc)

	// A failed load parks the entry in the error state rather than
	// removing it, so its alias must still resolve; dispatches then fail
	// with a not-ready error instead of tool-not-found.
	r.mu.Lock()
	r.kinds[id] = kindLocal
	r.mu.Unlock()
	r.resolver.Advertise(id, svc.Tools())

	if loadErr != nil {
		return loadErr
	}
	r.metrics.TrackReadyServices(ctx, 1)
	return nil
}

// UnregisterLocalService removes a service, its alias, and its backend
// tag. Removal proceeds even when the unload hook fails.
func (r *Router) UnregisterLocalService(ctx context.Context, id string) error {
	if r.local == nil {
		return fmt.Errorf("no local service registry configured")
	}
	err := r.local.Unregister(ctx, id)
	r.mu.Lock()
	_, tracked := r.kinds[id]
	delete(r.kinds, id)
	r.mu.Unlock()
	r.resolver.Release(id)
	if tracked {
		r.metrics.TrackReadyServices(ctx, -1)
	}
	return err
}

// LoadWorkerServer loads a worker-hosted module and advertises its tools
// under the module's alias.
func (r *Router) LoadWorkerServer(ctx context.Context, name string) error {
	if r.worker == nil {
		return fmt.Errorf("no worker proxy configured")
	}
	if _, err := r.worker.LoadServer(ctx, name); err != nil {
		return err
	}
	tools, err := r.worker.ListTools(ctx, name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.kinds[name] = kindWorker
	r.mu.Unlock()
	r.resolver.Advertise(name, tools)
	return nil
}

// AvailableTools returns the union of every Ready backend's tools under
// their flat names, tagged with their backend, de-duplicated by flat name
// and sorted for stable output. Worker and local listings are fetched
// concurrently. A backend that fails to list is logged and skipped so it
// cannot hide the others' tools.
func (r *Router) AvailableTools(ctx context.Context) ([]TaggedTool, error) {
	var (
		mu     sync.Mutex
		tagged []TaggedTool
	)
	group, ctx := errgroup.WithContext(ctx)

	if r.worker != nil {
		for _, name := range r.worker.LoadedServers() {
			group.Go(func() error {
				tools, err := r.worker.ListTools(ctx, name)
				if err != nil {
					r.logger.Warn("Skipping worker backend %q in listing: %v", name, err)
					return nil
				}
				flat := r.resolver.Advertise(name, tools)
				mu.Lock()
				for _, desc := range flat {
					tagged = append(tagged, TaggedTool{Descriptor: desc, BackendID: name, Backend: "worker"})
				}
				mu.Unlock()
				return nil
			})
		}
	}

	if r.local != nil {
		group.Go(func() error {
			for id, tools := range r.local.AvailableTools() {
				flat := r.resolver.Advertise(id, tools)
				mu.Lock()
				for _, desc := range flat {
					tagged = append(tagged, TaggedTool{Descriptor: desc, BackendID: id, Backend: "local"})
				}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(tagged))
	deduped := tagged[:0]
	for _, t := range tagged {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		deduped = append(deduped, t)
	}
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].Name < deduped[j].Name })
	return deduped, nil
}

// ExecuteToolCall routes one tool call to its backend and returns the
// canonical envelope. It resolves the backend exactly once, up front, so
// registration churn mid-flight cannot redirect the call.
func (r *Router) ExecuteToolCall(ctx context.Context, call tool.Call) (env *envelope.Envelope) {
	started := time.Now()
	flatName := call.Function.Name
	backend := "unresolved"

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Dispatch of %q panicked: %v", flatName, rec)
			env = envelope.Failure(call.ID, envelope.CodeInternalError,
				fmt.Sprintf("internal error dispatching %s", flatName), nil)
		}
		status := "ok"
		if env != nil && env.IsError() {
			status = "error"
		}
		r.metrics.RecordDispatch(ctx, flatName, backend, status, time.Since(started))
	}()

	resolution, err := r.resolver.Resolve(flatName)
	if err != nil {
		switch {
		case errors.Is(err, namespace.ErrInvalidToolNameFormat):
			return envelope.Failure(call.ID, envelope.CodeInvalidParams, err.Error(), nil)
		default:
			return envelope.Failure(call.ID, envelope.CodeToolNotFound, err.Error(), nil)
		}
	}

	r.mu.RLock()
	kind, tracked := r.kinds[resolution.BackendID]
	r.mu.RUnlock()
	if !tracked {
		return envelope.Failure(call.ID, envelope.CodeToolNotFound,
			fmt.Sprintf("backend %q is not registered", resolution.BackendID), nil)
	}
	if kind == kindWorker {
		backend = "worker"
	} else {
		backend = "local"
	}

	args := tool.ParseArguments(call.Function.Arguments)
	key := cacheKey(flatName, args)
	if r.cache.cacheable(resolution.BareName) {
		if cached, ok := r.cache.get(key, call.ID); ok {
			r.logger.Debug("Cache hit for %s", flatName)
			r.metrics.RecordCacheHit(ctx, flatName)
			return cached
		}
	}

	switch kind {
	case kindWorker:
		env = r.dispatchWorker(ctx, call, resolution, args)
	case kindLocal:
		env = r.dispatchLocal(ctx, call, resolution)
	}

	if r.cache.cacheable(resolution.BareName) {
		r.cache.put(key, env)
	}
	return env
}

func (r *Router) dispatchWorker(ctx context.Context, call tool.Call, res namespace.Resolution, args map[string]any) *envelope.Envelope {
	ctx, span := r.startSpan(ctx, observability.SpanWorkerCall, res)
	defer span.end()

	r.metrics.TrackPending(ctx, 1)
	raw, err := r.worker.CallTool(ctx, res.BackendID, res.BareName, args)
	r.metrics.TrackPending(ctx, -1)
	if err != nil {
		span.fail(err)
		var remote *worker.RemoteError
		switch {
		case errors.As(err, &remote):
			return envelope.Failure(call.ID, envelope.CodeInternalError, remote.Message, nil)
		case errors.Is(err, worker.ErrTransportClosed), errors.Is(err, worker.ErrNotInitialized):
			r.metrics.RecordTransportError(ctx)
			return envelope.Failure(call.ID, envelope.CodeServerError,
				fmt.Sprintf("worker unavailable: %v", err), nil)
		default:
			return envelope.Failure(call.ID, envelope.CodeInternalError, err.Error(), nil)
		}
	}
	return envelope.Success(call.ID, raw)
}

func (r *Router) dispatchLocal(ctx context.Context, call tool.Call, res namespace.Resolution) *envelope.Envelope {
	ctx, span := r.startSpan(ctx, observability.SpanLocalExecute, res)
	defer span.end()

	bareCall := tool.Call{
		ID:   call.ID,
		Type: call.Type,
		Function: tool.CallFunction{
			Name:      res.BareName,
			Arguments: call.Function.Arguments,
		},
	}
	result, err := r.local.ExecuteTool(ctx, res.BackendID, bareCall)
	if err != nil {
		span.fail(err)
		var notReady *localsvc.NotReadyError
		switch {
		case errors.As(err, &notReady):
			return envelope.Failure(call.ID, envelope.CodeServerError, err.Error(),
				map[string]any{"state": string(notReady.State)})
		case errors.Is(err, localsvc.ErrServiceNotRegistered):
			return envelope.Failure(call.ID, envelope.CodeToolNotFound, err.Error(), nil)
		default:
			return envelope.Failure(call.ID, envelope.CodeInternalError, err.Error(), nil)
		}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return envelope.Failure(call.ID, envelope.CodeInternalError,
			fmt.Sprintf("encode result of %s: %v", call.Function.Name, err), nil)
	}
	return envelope.Success(call.ID, raw)
}

// GetServiceContext fetches a worker module's ambient context for the
// orchestration layer.
func (r *Router) GetServiceContext(ctx context.Context, serverName string, opts map[string]any) (string, error) {
	if r.worker == nil {
		return "", fmt.Errorf("no worker proxy configured")
	}
	result, err := r.worker.GetServiceContext(ctx, serverName, opts)
	if err != nil {
		return "", err
	}
	return result.Context, nil
}

// SwitchContext switches a worker module's ambient context.
func (r *Router) SwitchContext(ctx context.Context, serverName string, opts map[string]any) error {
	if r.worker == nil {
		return fmt.Errorf("no worker proxy configured")
	}
	result, err := r.worker.SwitchContext(ctx, serverName, opts)
	if err != nil {
		return err
	}
	if !result.Switched {
		return fmt.Errorf("context switch refused: %s", result.Reason)
	}
	return nil
}

// dispatchSpan is a thin wrapper so dispatch paths read the same whether
// tracing is configured or not.
type dispatchSpan struct {
	end  func()
	fail func(error)
}

func (r *Router) startSpan(ctx context.Context, name string, res namespace.Resolution) (context.Context, dispatchSpan) {
	if r.tracer == nil {
		return ctx, dispatchSpan{end: func() {}, fail: func(error) {}}
	}
	ctx, span := r.tracer.StartSpan(ctx, name,
		attribute.String(observability.AttrBackendID, res.BackendID),
		attribute.String(observability.AttrToolName, res.BareName),
	)
	return ctx, dispatchSpan{
		end: func() { span.End() },
		fail: func(err error) {
			span.SetAttributes(observability.ErrorAttrs(err)...)
		},
	}
}
