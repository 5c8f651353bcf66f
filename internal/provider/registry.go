package provider

import (
	"io"
	"sort"
	"sync"
)

// Info describes a configured provider.
type Info struct {
	Name         string  `json:"name"`
	Quality      int     `json:"quality"`
	CostPerImage float64 `json:"cost_per_image"`
	Available    bool    `json:"available"`
	Reason       string  `json:"reason,omitempty"`
}

type entry struct {
	info     Info
	provider Provider
}

// Registry maps provider names to implementations. It is built once at
// startup and read concurrently afterwards.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	placeholder Provider
	closers     []io.Closer
}

// NewRegistry returns a registry holding only the placeholder.
func NewRegistry(placeholder Provider) *Registry {
	r := &Registry{entries: make(map[string]*entry), placeholder: placeholder}
	r.Register(placeholder, 0, 0)
	return r
}

// Register adds an available provider.
func (r *Registry) Register(p Provider, quality int, costPerImage float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name()] = &entry{
		info:     Info{Name: p.Name(), Quality: quality, CostPerImage: costPerImage, Available: true},
		provider: p,
	}
	if c, ok := p.(io.Closer); ok {
		r.closers = append(r.closers, c)
	}
}

// MarkUnavailable records a configured provider that cannot run, usually
// for missing credentials.
func (r *Registry) MarkUnavailable(name string, quality int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &entry{info: Info{Name: name, Quality: quality, Reason: reason}}
}

// Get returns an available provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || !e.info.Available {
		return nil, false
	}
	return e.provider, true
}

// Placeholder returns the always-available fallback.
func (r *Registry) Placeholder() Provider { return r.placeholder }

// Default is the provider chosen when none is requested: the available one
// with the highest quality score, ties broken by name.
func (r *Registry) Default() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *entry
	for _, e := range r.entries {
		if !e.info.Available {
			continue
		}
		if best == nil || e.info.Quality > best.info.Quality ||
			(e.info.Quality == best.info.Quality && e.info.Name < best.info.Name) {
			best = e
		}
	}
	if best == nil {
		return r.placeholder
	}
	return best.provider
}

// Select resolves the provider for one work item. An unknown or unusable
// requested provider falls back to the placeholder and reports a
// ConfigurationError as a warning.
func (r *Registry) Select(requested string) (Provider, *ConfigurationError) {
	if requested == "" {
		return r.Default(), nil
	}
	if p, ok := r.Get(requested); ok {
		return p, nil
	}
	reason := "not configured"
	r.mu.RLock()
	if e, ok := r.entries[requested]; ok && e.info.Reason != "" {
		reason = e.info.Reason
	}
	r.mu.RUnlock()
	return r.placeholder, &ConfigurationError{Requested: requested, Reason: reason}
}

// Available lists the names of usable providers, best first.
func (r *Registry) Available() []string {
	var names []string
	for _, info := range r.Infos() {
		if info.Available {
			names = append(names, info.Name)
		}
	}
	return names
}

// Infos lists every configured provider, best first.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Quality != out[j].Quality {
			return out[i].Quality > out[j].Quality
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Close releases provider connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}
