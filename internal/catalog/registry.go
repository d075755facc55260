package catalog

import "sync/atomic"

// Registry publishes the current Snapshot to concurrent readers. Readers never
// lock; a reload builds a complete new snapshot and swaps the pointer.
type Registry struct {
	cur  atomic.Pointer[Snapshot]
	path string

	onSwap func(old, cur *Snapshot)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithOnSwap registers a callback invoked after every successful swap.
func WithOnSwap(fn func(old, cur *Snapshot)) RegistryOption {
	return func(r *Registry) { r.onSwap = fn }
}

// NewRegistry loads the catalog at path, or the built-in catalog when path
// is empty.
func NewRegistry(path string, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{path: path}
	for _, o := range opts {
		o(r)
	}
	s, err := r.load()
	if err != nil {
		return nil, err
	}
	r.cur.Store(s)
	return r, nil
}

// NewStaticRegistry wraps an already built snapshot.
func NewStaticRegistry(s *Snapshot) *Registry {
	r := &Registry{}
	r.cur.Store(s)
	return r
}

// Snapshot returns the snapshot in effect. Callers should read it once per
// request and use that value throughout.
func (r *Registry) Snapshot() *Snapshot { return r.cur.Load() }

// Swap replaces the current snapshot.
func (r *Registry) Swap(s *Snapshot) {
	old := r.cur.Swap(s)
	if r.onSwap != nil {
		r.onSwap(old, s)
	}
}

// Reload re-reads the configured source. On error the current snapshot is
// left in place.
func (r *Registry) Reload() (*Snapshot, error) {
	s, err := r.load()
	if err != nil {
		return nil, err
	}
	r.Swap(s)
	return s, nil
}

func (r *Registry) load() (*Snapshot, error) {
	if r.path == "" {
		return Default(), nil
	}
	return LoadFile(r.path)
}
