package localsvc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"toolhub/internal/shared/logging"
	"toolhub/internal/tool"
)

// ErrServiceNotRegistered is returned for dispatch or unregistration of an
// id the registry has never seen (or has already removed).
var ErrServiceNotRegistered = errors.New("service not registered")

// NotReadyError is returned when a call reaches a service that is still
// loading or parked in the error state. Callers may retry; the registry
// never queues.
type NotReadyError struct {
	ID    string
	State State
	Cause error
}

func (e *NotReadyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("service %q not ready (state=%s): %v", e.ID, e.State, e.Cause)
	}
	return fmt.Sprintf("service %q not ready (state=%s)", e.ID, e.State)
}

type entry struct {
	service Service
	state   State
	loadErr error
}

// Registry owns the local service entries and their lifecycle. All state
// transitions happen under its lock; service hooks run outside it so a
// slow Load never blocks unrelated dispatches.
type Registry struct {
	logger logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		logger:  logging.OrNop(logger),
		entries: make(map[string]*entry),
	}
}

// Register adds a service under its own name, runs its Load hook if it
// has one, and settles the entry in StateReady or StateError. An entry
// that fails to load is retained so its failure is observable, but its
// tools stay hidden until a successful re-registration.
func (r *Registry) Register(ctx context.Context, svc Service) error {
	id := svc.Name()
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("service %q already registered", id)
	}
	e := &entry{service: svc, state: StateLoading}
	r.entries[id] = e
	r.mu.Unlock()

	loadErr := r.runLoad(ctx, svc)

	r.mu.Lock()
	// Unregister may have raced the load; do not resurrect the entry.
	if current, ok := r.entries[id]; ok && current == e {
		if loadErr != nil {
			e.state = StateError
			e.loadErr = loadErr
		} else {
			e.state = StateReady
		}
	}
	r.mu.Unlock()

	if loadErr != nil {
		r.logger.Error("Service %q failed to load: %v", id, loadErr)
		return fmt.Errorf("load service %q: %w", id, loadErr)
	}
	r.logger.Info("Service %q registered (%d tools)", id, len(svc.Tools()))
	return nil
}

func (r *Registry) runLoad(ctx context.Context, svc Service) (err error) {
	loadable, ok := svc.(Loadable)
	if !ok {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("load panicked: %v", rec)
		}
	}()
	return loadable.Load(ctx)
}

// Unregister removes a service. Its Unload hook is attempted first, but a
// failing or panicking hook never keeps the entry alive; the hook error is
// returned for observability only.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotRegistered, id)
	}
	delete(r.entries, id)
	r.mu.Unlock()

	err := r.runUnload(ctx, e.service)
	if err != nil {
		r.logger.Warn("Service %q unload hook failed (entry removed anyway): %v", id, err)
		return fmt.Errorf("unload service %q: %w", id, err)
	}
	r.logger.Info("Service %q unregistered", id)
	return nil
}

func (r *Registry) runUnload(ctx context.Context, svc Service) (err error) {
	unloadable, ok := svc.(Unloadable)
	if !ok {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("unload panicked: %v", rec)
		}
	}()
	return unloadable.Unload(ctx)
}

// ExecuteTool dispatches one call to a Ready service. The service
// reference is resolved once, up front, so a concurrent unregistration
// cannot strand a call mid-flight.
func (r *Registry) ExecuteTool(ctx context.Context, id string, call tool.Call) (result any, err error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrServiceNotRegistered, id)
	}
	state, loadErr, svc := e.state, e.loadErr, e.service
	r.mu.RUnlock()

	if state != StateReady {
		return nil, &NotReadyError{ID: id, State: state, Cause: loadErr}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s/%s panicked: %v", id, call.Function.Name, rec)
		}
	}()
	result, err = svc.Execute(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("tool %s/%s failed: %w", id, call.Function.Name, err)
	}
	return result, nil
}

// AvailableTools returns the descriptors of every Ready service, grouped
// by service id. Loading and Error entries contribute nothing.
func (r *Registry) AvailableTools() map[string][]tool.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make(map[string][]tool.Descriptor)
	for id, e := range r.entries {
		if e.state != StateReady {
			continue
		}
		tools[id] = e.service.Tools()
	}
	return tools
}

// Status reports the lifecycle state of every registered service,
// including Error entries.
func (r *Registry) Status() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := make(map[string]State, len(r.entries))
	for id, e := range r.entries {
		status[id] = e.state
	}
	return status
}

// IDs returns the registered service ids sorted for stable output.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
