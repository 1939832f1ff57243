// Package localsvc hosts tool services that run in the host process
// itself, without crossing the worker boundary. Services are registered
// under an id, move through an explicit lifecycle, and are dispatched to
// only once they reach Ready.
package localsvc

import (
	"context"

	"toolhub/internal/tool"
)

// Service is one in-process tool backend. Execute receives the tool call
// with its bare (unprefixed) tool name and the arguments still in their
// wire form; services parse them with tool.ParseArguments.
type Service interface {
	Name() string
	Tools() []tool.Descriptor
	Execute(ctx context.Context, call tool.Call) (any, error)
}

// Loadable is implemented by services that need async setup before they
// can serve calls. Load is awaited during registration; failure parks the
// service in StateError instead of removing it.
type Loadable interface {
	Load(ctx context.Context) error
}

// Unloadable is implemented by services that hold resources needing
// teardown. Unload failures never block unregistration.
type Unloadable interface {
	Unload(ctx context.Context) error
}

// State is the lifecycle of a registered service. It is always explicit,
// never inferred from presence in some other map.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)
