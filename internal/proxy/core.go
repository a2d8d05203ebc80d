package proxy

import (
	"sync/atomic"

	"github.com/gem-relay/gem-relay/internal/classify"
	"github.com/gem-relay/gem-relay/internal/keypool"
	"github.com/gem-relay/gem-relay/internal/keyring"
	"github.com/gem-relay/gem-relay/internal/upstream"
)

// Core bundles the key lifecycle components one request flows through.
// Hot-reload builds a fresh Core (carrying over registry and pool state) and
// swaps it in atomically; in-flight requests finish on the Core they started
// with.
type Core struct {
	Registry   *keyring.Registry
	Pool       *keypool.Pool // nil when the pool is disabled
	Classifier *classify.Handler
	Client     *upstream.Client
	MaxRetries int
	TestModel  string
}

// CoreProvider hands out the current Core with a lock-free read.
type CoreProvider struct {
	ptr atomic.Pointer[Core]
}

// NewCoreProvider creates a provider with the given initial Core.
func NewCoreProvider(initial *Core) *CoreProvider {
	p := &CoreProvider{}
	p.ptr.Store(initial)
	return p
}

// Get returns the current Core.
func (p *CoreProvider) Get() *Core {
	return p.ptr.Load()
}

// Store swaps in a new Core. Called by the config reload callback.
func (p *CoreProvider) Store(core *Core) {
	p.ptr.Store(core)
}
