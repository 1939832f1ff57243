package namespace

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"toolhub/internal/shared/logging"
	"toolhub/internal/tool"
)

const (
	// DefaultPrefix tags tools advertised by in-process backends.
	DefaultPrefix = "builtin."
	// Delimiter separates the alias from the bare tool name. The bare name
	// may itself contain the delimiter; only the first occurrence after the
	// alias is significant.
	Delimiter = "__"
)

// Resolution errors surfaced to the router.
var (
	ErrServiceNotFound       = errors.New("service not found")
	ErrInvalidToolNameFormat = errors.New("invalid tool name format")
)

// Resolution is the decoded form of a flat tool name.
type Resolution struct {
	BackendID string
	BareName  string
}

// Resolver owns the bidirectional alias table mapping backend ids to the
// identifier-safe tokens embedded in flat tool names. It is created per
// deployment and passed to the router; there is no ambient global table.
type Resolver struct {
	prefix         string
	aliasByBackend map[string]string
	backendByAlias map[string]string
	mu             sync.RWMutex
	logger         logging.Logger
}

// NewResolver builds a resolver for the given flat-name prefix. An empty
// prefix falls back to DefaultPrefix.
func NewResolver(prefix string, logger logging.Logger) *Resolver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Resolver{
		prefix:         prefix,
		aliasByBackend: make(map[string]string),
		backendByAlias: make(map[string]string),
		logger:         logging.OrNop(logger),
	}
}

// Advertise renames a backend's tools to their flat form
// <prefix><alias>__<bareName>, allocating an alias for the backend on first
// use. The input descriptors are not mutated.
func (r *Resolver) Advertise(backendID string, tools []tool.Descriptor) []tool.Descriptor {
	alias := r.Alias(backendID)

	renamed := make([]tool.Descriptor, len(tools))
	for i, desc := range tools {
		desc.Name = r.prefix + alias + Delimiter + desc.Name
		renamed[i] = desc
	}
	return renamed
}

// FlatName returns the advertised flat name for one bare tool name.
func (r *Resolver) FlatName(backendID, bareName string) string {
	return r.prefix + r.Alias(backendID) + Delimiter + bareName
}

// Alias returns the backend's alias, deriving and registering one on first
// use. Sanitization can make two distinct backend ids collide; the second
// registration is assigned a deterministic numbered alias instead of
// shadowing the first.
func (r *Resolver) Alias(backendID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if alias, ok := r.aliasByBackend[backendID]; ok {
		return alias
	}

	alias := sanitizeAlias(backendID)
	if owner, taken := r.backendByAlias[alias]; taken && owner != backendID {
		base := alias
		for n := 2; ; n++ {
			alias = fmt.Sprintf("%s_%d", base, n)
			if _, stillTaken := r.backendByAlias[alias]; !stillTaken {
				break
			}
		}
		r.logger.Warn("Alias collision for backend %q (sanitized %q taken by %q), using %q",
			backendID, base, owner, alias)
	}

	r.aliasByBackend[backendID] = alias
	r.backendByAlias[alias] = backendID
	return alias
}

// Resolve decodes a flat tool name back to (backendID, bareName). Names
// without the prefix are accepted in back-compat mode with a warning.
func (r *Resolver) Resolve(flatName string) (Resolution, error) {
	remainder := flatName
	if strings.HasPrefix(flatName, r.prefix) {
		remainder = flatName[len(r.prefix):]
	} else {
		r.logger.Warn("Tool name %q is missing the %q prefix, resolving in back-compat mode", flatName, r.prefix)
	}

	alias, bareName, found := strings.Cut(remainder, Delimiter)
	if !found || alias == "" || bareName == "" {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidToolNameFormat, flatName)
	}

	r.mu.RLock()
	backendID, ok := r.backendByAlias[alias]
	r.mu.RUnlock()
	if !ok {
		return Resolution{}, fmt.Errorf("%w: alias %q in %q", ErrServiceNotFound, alias, flatName)
	}

	return Resolution{BackendID: backendID, BareName: bareName}, nil
}

// Known reports whether a flat name resolves against the live alias table.
func (r *Resolver) Known(flatName string) bool {
	_, err := r.Resolve(flatName)
	return err == nil
}

// Release drops the alias entry for a backend, typically on
// unregistration.
func (r *Resolver) Release(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alias, ok := r.aliasByBackend[backendID]
	if !ok {
		return
	}
	delete(r.aliasByBackend, backendID)
	delete(r.backendByAlias, alias)
}

// sanitizeAlias reduces an arbitrary backend id to an identifier-safe
// token. Underscore runs are collapsed so an alias can never contain the
// delimiter.
func sanitizeAlias(backendID string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, ch := range backendID {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			b.WriteRune(ch)
			lastUnderscore = false
		case ch == '_', ch == '-', ch == '.', ch == ' ', ch == '/':
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	alias := strings.Trim(b.String(), "_")
	if alias == "" {
		return "backend"
	}
	if alias[0] >= '0' && alias[0] <= '9' {
		alias = "_" + alias
	}
	return alias
}
