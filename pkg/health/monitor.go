// Package health maintains a fresh readiness view of the registered
// subgraphs without blocking the request path: probes run on their own
// jittered schedule and publish results with one state swap under a short
// lock.
package health

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"meshgate/pkg/metrics"
	"meshgate/pkg/registry"
	"meshgate/pkg/stream"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ServiceHealth is the last observed probe result for one service.
type ServiceHealth struct {
	Service        string    `json:"service"`
	Status         Status    `json:"status"`
	CheckedAt      time.Time `json:"checked_at"`
	ResponseMillis int64     `json:"response_millis"`
	LastError      string    `json:"last_error,omitempty"`
}

// ReadinessReport is served by /ready: ready is true iff every registered
// service's last probe succeeded within the staleness window.
type ReadinessReport struct {
	Ready    bool                     `json:"ready"`
	Services map[string]ServiceHealth `json:"services"`
}

type probeState struct {
	health           ServiceHealth
	consecutiveFails int
}

type Monitor struct {
	// Snapshot returns the current registry generation; nil means no
	// services registered yet.
	Snapshot      func() *registry.Snapshot
	Client        *http.Client
	Interval      time.Duration
	ProbeTimeout  time.Duration
	StaleAfter    time.Duration
	FailThreshold int
	Events        *stream.Hub
	Metrics       *metrics.Registry

	mu    sync.RWMutex
	state map[string]*probeState
}

func NewMonitor(snapshot func() *registry.Snapshot, client *http.Client) *Monitor {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &Monitor{
		Snapshot:      snapshot,
		Client:        client,
		Interval:      15 * time.Second,
		ProbeTimeout:  3 * time.Second,
		StaleAfter:    45 * time.Second,
		FailThreshold: 3,
		state:         map[string]*probeState{},
	}
}

// Run probes until ctx is done. The first cycle runs immediately so the
// gateway can become ready without waiting a full interval.
func (m *Monitor) Run(ctx context.Context) {
	m.ProbeAll(ctx)
	for {
		timer := time.NewTimer(jittered(m.Interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.ProbeAll(ctx)
		}
	}
}

// jittered spreads probe cycles by ±10% so a fleet of gateways does not
// stampede the backends in lockstep.
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

// ProbeAll probes every registered service concurrently, then swaps the
// state map in one short critical section.
func (m *Monitor) ProbeAll(ctx context.Context) {
	snap := m.Snapshot()
	if snap == nil {
		return
	}
	type outcome struct {
		name   string
		millis int64
		err    error
	}
	results := make([]outcome, len(snap.Services))
	var wg sync.WaitGroup
	for i, svc := range snap.Services {
		wg.Add(1)
		go func(i int, svc registry.ServiceDescriptor) {
			defer wg.Done()
			millis, err := m.probe(ctx, svc)
			results[i] = outcome{name: svc.Name, millis: millis, err: err}
		}(i, svc)
	}
	wg.Wait()

	now := time.Now().UTC()
	var transitions []ServiceHealth
	m.mu.Lock()
	next := make(map[string]*probeState, len(results))
	for _, res := range results {
		prev := m.state[res.name]
		st := &probeState{}
		if prev != nil {
			*st = *prev
		}
		before := st.health.Status
		st.health.Service = res.name
		st.health.CheckedAt = now
		st.health.ResponseMillis = res.millis
		if res.err == nil {
			st.consecutiveFails = 0
			st.health.Status = StatusHealthy
			st.health.LastError = ""
		} else {
			st.consecutiveFails++
			st.health.LastError = res.err.Error()
			if st.consecutiveFails >= m.FailThreshold {
				st.health.Status = StatusUnhealthy
			} else {
				st.health.Status = StatusDegraded
			}
		}
		if st.health.Status != before {
			transitions = append(transitions, st.health)
		}
		next[res.name] = st
	}
	m.state = next
	m.mu.Unlock()

	if m.Metrics != nil {
		for _, res := range results {
			m.Metrics.SetGauge("probe_millis."+res.name, float64(res.millis))
		}
	}
	if m.Events != nil {
		for _, h := range transitions {
			m.Events.Publish(stream.NewEvent(stream.EventHealthChanged, h))
		}
	}
}

func (m *Monitor) probe(ctx context.Context, svc registry.ServiceDescriptor) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.HealthEndpoint(), nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := m.Client.Do(req)
	millis := time.Since(start).Milliseconds()
	if err != nil {
		return millis, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return millis, &probeError{status: resp.StatusCode}
	}
	return millis, nil
}

type probeError struct{ status int }

func (e *probeError) Error() string {
	return http.StatusText(e.status) + " from health endpoint"
}

// Readiness reports against the current registry generation. Services never
// probed, or whose last successful probe is older than the staleness window,
// count as not ready.
func (m *Monitor) Readiness() ReadinessReport {
	snap := m.Snapshot()
	report := ReadinessReport{Ready: true, Services: map[string]ServiceHealth{}}
	if snap == nil {
		report.Ready = false
		return report
	}
	now := time.Now().UTC()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, svc := range snap.Services {
		st, ok := m.state[svc.Name]
		if !ok {
			report.Ready = false
			report.Services[svc.Name] = ServiceHealth{Service: svc.Name, Status: StatusUnhealthy, LastError: "not probed yet"}
			continue
		}
		h := st.health
		if h.Status != StatusHealthy || now.Sub(h.CheckedAt) > m.StaleAfter {
			report.Ready = false
		}
		report.Services[svc.Name] = h
	}
	return report
}

// Healthy reports whether one service is currently routable. Only a service
// that has crossed the failure threshold is excluded: degraded services and
// services registered since the last probe cycle still receive traffic.
func (m *Monitor) Healthy(service string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state[service]
	if !ok {
		return true
	}
	return st.health.Status != StatusUnhealthy
}
