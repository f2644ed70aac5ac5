// Package compose builds the gateway's routable operation surface from the
// capability documents of the registered subgraphs and dispatches operation
// requests to their owners. The composed surface is swapped atomically so
// a request in flight always sees one consistent generation.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"meshgate/pkg/metrics"
	"meshgate/pkg/registry"
	"meshgate/pkg/stream"
)

// OperationKind mirrors the capability document: query, mutation or
// subscription.
type OperationKind string

const (
	KindQuery        OperationKind = "query"
	KindMutation     OperationKind = "mutation"
	KindSubscription OperationKind = "subscription"
)

// Route is one composed operation: its kind and the service that owns it.
type Route struct {
	Operation string        `json:"operation"`
	Kind      OperationKind `json:"kind"`
	Service   string        `json:"service"`
	URL       string        `json:"url"`
}

// Surface is one immutable composition result. Requests capture the pointer
// once at dispatch and never observe a partial update.
type Surface struct {
	Generation uint64           `json:"generation"`
	Ops        map[string]Route `json:"operations"`
	ComposedAt time.Time        `json:"composed_at"`
	// Excluded lists services whose capability poll failed this cycle.
	Excluded []string `json:"excluded,omitempty"`
}

// CompositionError reports one subgraph failing its capability poll. It is
// logged and the subgraph is excluded from the surface; composition for the
// remaining services proceeds.
type CompositionError struct {
	Service string
	Err     error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("compose %s: %v", e.Service, e.Err)
}

func (e *CompositionError) Unwrap() error { return e.Err }

type capabilityDoc struct {
	Operations []struct {
		Name string        `json:"name"`
		Kind OperationKind `json:"kind"`
	} `json:"operations"`
}

// Composer polls subgraph capabilities and maintains the current surface.
type Composer struct {
	Snapshot func() *registry.Snapshot
	Client   *http.Client
	Interval time.Duration
	Timeout  time.Duration
	Events   *stream.Hub
	Metrics  *metrics.Registry

	generation atomic.Uint64
	surface    atomic.Pointer[Surface]
}

func NewComposer(snapshot func() *registry.Snapshot, client *http.Client) *Composer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Composer{
		Snapshot: snapshot,
		Client:   client,
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Surface returns the current composed surface, nil before the first
// successful composition.
func (c *Composer) Surface() *Surface {
	return c.surface.Load()
}

// Route resolves the owning route for an operation name against the current
// surface.
func (c *Composer) Route(operation string) (Route, bool) {
	s := c.surface.Load()
	if s == nil {
		return Route{}, false
	}
	r, ok := s.Ops[operation]
	return r, ok
}

// Run polls until ctx is done. The first composition runs immediately.
func (c *Composer) Run(ctx context.Context) {
	c.Compose(ctx)
	for {
		timer := time.NewTimer(jittered(c.Interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.Compose(ctx)
		}
	}
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	spread := int64(d) / 10
	if spread == 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}

// Compose polls every registered service concurrently and swaps in a new
// surface. A service that fails its poll is excluded from this generation
// and rejoins on its next successful poll.
func (c *Composer) Compose(ctx context.Context) {
	snap := c.Snapshot()
	if snap == nil {
		return
	}
	type result struct {
		svc registry.ServiceDescriptor
		doc capabilityDoc
		err error
	}
	results := make([]result, len(snap.Services))
	var wg sync.WaitGroup
	for i, svc := range snap.Services {
		wg.Add(1)
		go func(i int, svc registry.ServiceDescriptor) {
			defer wg.Done()
			doc, err := c.poll(ctx, svc)
			results[i] = result{svc: svc, doc: doc, err: err}
		}(i, svc)
	}
	wg.Wait()

	next := &Surface{
		Generation: c.generation.Add(1),
		Ops:        map[string]Route{},
		ComposedAt: time.Now().UTC(),
	}
	for _, res := range results {
		if res.err != nil {
			log.Printf("compose: excluding subgraph: %v", &CompositionError{Service: res.svc.Name, Err: res.err})
			next.Excluded = append(next.Excluded, res.svc.Name)
			continue
		}
		for _, op := range res.doc.Operations {
			if op.Name == "" {
				continue
			}
			if existing, ok := next.Ops[op.Name]; ok {
				// First registered service wins a name collision.
				log.Printf("compose: operation %q owned by %s, ignoring duplicate from %s", op.Name, existing.Service, res.svc.Name)
				continue
			}
			next.Ops[op.Name] = Route{
				Operation: op.Name,
				Kind:      op.Kind,
				Service:   res.svc.Name,
				URL:       res.svc.URL,
			}
		}
	}
	c.surface.Store(next)

	if c.Metrics != nil {
		c.Metrics.SetGauge("surface_operations", float64(len(next.Ops)))
		c.Metrics.SetGauge("surface_generation", float64(next.Generation))
	}
	if c.Events != nil {
		c.Events.Publish(stream.NewEvent(stream.EventCompositionUpdated, map[string]any{
			"generation": next.Generation,
			"operations": len(next.Ops),
			"excluded":   next.Excluded,
		}))
	}
}

func (c *Composer) poll(ctx context.Context, svc registry.ServiceDescriptor) (capabilityDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	var doc capabilityDoc
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL+"/capabilities", nil)
	if err != nil {
		return doc, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return doc, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return doc, fmt.Errorf("capabilities endpoint returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return doc, fmt.Errorf("decode capabilities: %w", err)
	}
	return doc, nil
}
