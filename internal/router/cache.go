package router

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"toolhub/internal/envelope"
)

const (
	defaultCacheMaxSize = 256
	defaultCacheTTL     = 5 * time.Minute
)

// CacheConfig configures the dispatch result cache.
type CacheConfig struct {
	// Enabled turns result caching on. Off by default: tool results are
	// only safe to replay when the deployment knows its tools are
	// read-only or tolerant of stale reads.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// MaxSize is the maximum number of entries in the LRU cache.
	MaxSize int `yaml:"max_size" mapstructure:"max_size"`
	// TTL is how long a cached result remains valid.
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`
	// ExcludeTools lists bare tool names that must never be cached, on
	// top of the built-in mutating set.
	ExcludeTools []string `yaml:"exclude_tools" mapstructure:"exclude_tools"`
}

// DefaultCacheConfig returns the default cache behaviour.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxSize: defaultCacheMaxSize,
		TTL:     defaultCacheTTL,
		ExcludeTools: []string{
			"set",
			"delete",
			"todo_add",
			"todo_complete",
			"now",
			"elapsed",
		},
	}
}

type cacheEntry struct {
	env      *envelope.Envelope
	storedAt time.Time
}

// resultCache replays successful dispatch envelopes keyed by flat tool
// name and normalised arguments.
type resultCache struct {
	cache        *lru.Cache[string, cacheEntry]
	ttl          time.Duration
	excludeTools map[string]bool
}

func newResultCache(config CacheConfig) *resultCache {
	if !config.Enabled {
		return nil
	}
	defaults := DefaultCacheConfig()
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	cache, err := lru.New[string, cacheEntry](config.MaxSize)
	if err != nil {
		return nil
	}
	exclude := make(map[string]bool)
	for _, name := range defaults.ExcludeTools {
		exclude[name] = true
	}
	for _, name := range config.ExcludeTools {
		exclude[strings.TrimSpace(name)] = true
	}
	return &resultCache{cache: cache, ttl: config.TTL, excludeTools: exclude}
}

func (c *resultCache) cacheable(bareName string) bool {
	return c != nil && !c.excludeTools[bareName]
}

// get returns the cached envelope re-tagged with the current call id.
func (c *resultCache) get(key string, callID string) (*envelope.Envelope, bool) {
	if c == nil {
		return nil, false
	}
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) >= c.ttl {
		c.cache.Remove(key)
		return nil, false
	}
	copied := *entry.env
	copied.ID = callID
	return &copied, true
}

func (c *resultCache) put(key string, env *envelope.Envelope) {
	if c == nil || env == nil || env.IsError() {
		return
	}
	c.cache.Add(key, cacheEntry{env: env, storedAt: time.Now()})
}

// cacheKey produces a deterministic key from the flat name and arguments.
func cacheKey(flatName string, args map[string]any) string {
	return flatName + ":" + normalizeArgs(args)
}

// normalizeArgs serialises arguments deterministically by sorting keys at
// every nesting level.
func normalizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(sortedMap(args))
	if err != nil {
		return "{}"
	}
	return string(data)
}

// sortedMap rebuilds m so json.Marshal serialises nested maps with sorted
// keys too (top-level maps are already sorted by encoding/json).
func sortedMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if nested, ok := v.(map[string]any); ok {
			v = sortedMap(nested)
		}
		out[k] = v
	}
	return out
}
