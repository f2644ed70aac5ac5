// Package registry resolves the current set of backend subgraph services.
//
// The registry holds one immutable Snapshot at a time and replaces it
// wholesale by atomic pointer swap, so readers never observe a half-updated
// service set. A cold-start load failure is fatal to the caller; a warm
// refresh failure keeps the last-known-good snapshot.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// ServiceDescriptor identifies one backend subgraph service. Descriptors are
// immutable per refresh cycle.
type ServiceDescriptor struct {
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	HealthURL string            `json:"health_url,omitempty"`
	Version   string            `json:"version,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthEndpoint returns the URL probed for liveness, defaulting to
// {URL}/healthz when no explicit health URL is configured.
func (d ServiceDescriptor) HealthEndpoint() string {
	if strings.TrimSpace(d.HealthURL) != "" {
		return d.HealthURL
	}
	return strings.TrimSuffix(d.URL, "/") + "/healthz"
}

// Snapshot is one coherent generation of the service set.
type Snapshot struct {
	Generation uint64              `json:"generation"`
	Services   []ServiceDescriptor `json:"services"`
	LoadedAt   time.Time           `json:"loaded_at"`
}

// Lookup returns the descriptor for name, if present.
func (s *Snapshot) Lookup(name string) (ServiceDescriptor, bool) {
	if s == nil {
		return ServiceDescriptor{}, false
	}
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceDescriptor{}, false
}

// Source produces the full service set from a backing store.
type Source interface {
	Load(ctx context.Context) ([]ServiceDescriptor, error)
}

// DiscoveryError wraps a source failure: unreachable backing store or a
// malformed service set.
type DiscoveryError struct {
	Source string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery via %s failed: %v", e.Source, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Registry owns the current snapshot.
type Registry struct {
	source     Source
	snapshot   atomic.Pointer[Snapshot]
	generation atomic.Uint64
}

func New(source Source) *Registry {
	return &Registry{source: source}
}

// Load performs the cold-start load. On failure there is no snapshot to fall
// back to and the caller must treat the error as fatal.
func (r *Registry) Load(ctx context.Context) error {
	services, err := r.source.Load(ctx)
	if err != nil {
		return err
	}
	if err := validateServices(services); err != nil {
		return &DiscoveryError{Source: "validation", Err: err}
	}
	r.swap(services)
	return nil
}

// Refresh reloads the service set. On failure the previous snapshot stays in
// place and the error is returned for logging only.
func (r *Registry) Refresh(ctx context.Context) error {
	services, err := r.source.Load(ctx)
	if err != nil {
		return err
	}
	if err := validateServices(services); err != nil {
		return &DiscoveryError{Source: "validation", Err: err}
	}
	r.swap(services)
	return nil
}

func (r *Registry) swap(services []ServiceDescriptor) {
	snap := &Snapshot{
		Generation: r.generation.Add(1),
		Services:   services,
		LoadedAt:   time.Now().UTC(),
	}
	r.snapshot.Store(snap)
}

// Current returns the active snapshot, nil before the first successful Load.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

func validateServices(services []ServiceDescriptor) error {
	if len(services) == 0 {
		return fmt.Errorf("service set is empty")
	}
	seen := make(map[string]struct{}, len(services))
	for _, svc := range services {
		name := strings.TrimSpace(svc.Name)
		if name == "" {
			return fmt.Errorf("service with empty name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate service name %q", name)
		}
		seen[name] = struct{}{}
		if err := validateBaseURL(svc.URL); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		if strings.TrimSpace(svc.HealthURL) != "" {
			if err := validateBaseURL(svc.HealthURL); err != nil {
				return fmt.Errorf("service %q health url: %w", name, err)
			}
		}
	}
	return nil
}

func validateBaseURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url %q must be http or https", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
