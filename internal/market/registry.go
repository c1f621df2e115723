package market

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type registrySnapshot struct {
	assets   []Asset
	byID     map[string]Asset
	external map[SourceKind]map[string]string
}

// Registry holds the tracked asset set. Replacements swap the whole snapshot.
type Registry struct {
	current atomic.Pointer[registrySnapshot]
	logger  zerolog.Logger

	mu        sync.Mutex
	listeners []func()
}

// NewRegistry builds a registry from the initial asset list.
func NewRegistry(assets []Asset, logger zerolog.Logger) *Registry {
	r := &Registry{logger: logger.With().Str("component", "registry").Logger()}
	r.current.Store(r.build(assets))
	return r
}

// Replace installs a new asset set and notifies listeners. Returns the number of usable assets.
func (r *Registry) Replace(assets []Asset) int {
	snap := r.build(assets)
	r.current.Store(snap)

	r.mu.Lock()
	listeners := append([]func(){}, r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}

	r.logger.Info().Int("assets", len(snap.assets)).Msg("asset registry replaced")
	return len(snap.assets)
}

// OnChange registers fn to run after every Replace.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Assets returns every enabled asset, in configuration order.
func (r *Registry) Assets() []Asset {
	snap := r.current.Load()
	out := make([]Asset, len(snap.assets))
	copy(out, snap.assets)
	return out
}

// Asset returns the asset by id.
func (r *Registry) Asset(id string) (Asset, bool) {
	a, ok := r.current.Load().byID[id]
	return a, ok
}

// Lookup maps a source-specific identifier to an asset id. Matching ignores case.
func (r *Registry) Lookup(kind SourceKind, externalID string) (string, bool) {
	ids := r.current.Load().external[kind]
	if ids == nil {
		return "", false
	}
	id, ok := ids[strings.ToLower(externalID)]
	return id, ok
}

// ExternalIDs lists the identifiers configured for kind, sorted.
func (r *Registry) ExternalIDs(kind SourceKind) []string {
	snap := r.current.Load()
	out := make([]string, 0)
	for _, a := range snap.assets {
		if src, ok := a.Source(kind); ok {
			out = append(out, src.ExternalID)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) build(assets []Asset) *registrySnapshot {
	snap := &registrySnapshot{
		byID:     make(map[string]Asset, len(assets)),
		external: make(map[SourceKind]map[string]string),
	}
	for _, a := range assets {
		if !a.Enabled {
			continue
		}
		if err := a.Validate(); err != nil {
			r.logger.Error().Err(err).Str("asset", a.ID).Msg("skipping invalid asset")
			continue
		}
		if _, dup := snap.byID[a.ID]; dup {
			r.logger.Error().Str("asset", a.ID).Msg("skipping duplicate asset id")
			continue
		}
		if len(a.Sources) == 0 {
			r.logger.Warn().Str("asset", a.ID).Msg("asset has no sources and will stay unresolvable")
		}
		snap.assets = append(snap.assets, a)
		snap.byID[a.ID] = a
		for _, src := range a.Sources {
			ids := snap.external[src.Kind]
			if ids == nil {
				ids = make(map[string]string)
				snap.external[src.Kind] = ids
			}
			key := strings.ToLower(src.ExternalID)
			if other, clash := ids[key]; clash {
				r.logger.Warn().Str("asset", a.ID).Str("other", other).
					Str("source", string(src.Kind)).Str("external_id", src.ExternalID).
					Msg("external id already mapped; keeping first")
				continue
			}
			ids[key] = a.ID
		}
	}
	return snap
}
