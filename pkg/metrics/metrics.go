// Package metrics is the gateway's in-process metrics registry. It keeps
// per-endpoint and per-subgraph counters behind one small mutex and exposes
// them as a JSON snapshot and in Prometheus text exposition.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu        sync.RWMutex
	startedAt time.Time
	requests  RequestStat
	endpoint  map[string]*EndpointStat
	subgraph  map[string]*SubgraphStat
	rejection map[string]int64
	gauges    map[string]float64
}

// RequestStat aggregates the operation pipeline totals.
type RequestStat struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// SubgraphStat tracks the gateway's view of one backend service.
type SubgraphStat struct {
	Requests      int64   `json:"requests"`
	Errors        int64   `json:"errors"`
	TotalMillis   int64   `json:"total_millis"`
	MaxMillis     int64   `json:"max_millis"`
	AverageMillis float64 `json:"average_millis"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Requests      RequestStat             `json:"requests"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	Subgraphs     map[string]SubgraphStat `json:"subgraphs"`
	Rejections    map[string]int64        `json:"rejections"`
	Gauges        map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		startedAt: time.Now().UTC(),
		endpoint:  map[string]*EndpointStat{},
		subgraph:  map[string]*SubgraphStat{},
		rejection: map[string]int64{},
		gauges:    map[string]float64{},
	}
}

// Observe records one served HTTP request by route.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// ObserveOperation records one trip through the operation pipeline.
func (r *Registry) ObserveOperation(ok bool) {
	r.mu.Lock()
	r.requests.Total++
	if ok {
		r.requests.Success++
	} else {
		r.requests.Failure++
	}
	r.mu.Unlock()
}

// ObserveSubgraph records one backend round-trip for a subgraph.
func (r *Registry) ObserveSubgraph(service string, ok bool, d time.Duration) {
	service = strings.TrimSpace(service)
	if service == "" {
		return
	}
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, found := r.subgraph[service]
	if !found {
		stat = &SubgraphStat{}
		r.subgraph[service] = stat
	}
	stat.Requests++
	if !ok {
		stat.Errors++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Requests)
}

// IncRejection counts a pipeline rejection by its stable error code.
func (r *Registry) IncRejection(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	r.mu.Lock()
	r.rejection[code]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: time.Since(r.startedAt).Seconds(),
		Requests:      r.requests,
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		Subgraphs:     make(map[string]SubgraphStat, len(r.subgraph)),
		Rejections:    make(map[string]int64, len(r.rejection)),
		Gauges:        make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.subgraph {
		out.Subgraphs[k] = *v
	}
	for k, v := range r.rejection {
		out.Rejections[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP meshgate_uptime_seconds process uptime\n")
		b.WriteString("# TYPE meshgate_uptime_seconds gauge\n")
		fmt.Fprintf(b, "meshgate_uptime_seconds %.3f\n", snap.UptimeSeconds)
		b.WriteString("# HELP meshgate_requests_total operation requests by outcome\n")
		b.WriteString("# TYPE meshgate_requests_total counter\n")
		fmt.Fprintf(b, "meshgate_requests_total{outcome=%q} %d\n", "success", snap.Requests.Success)
		fmt.Fprintf(b, "meshgate_requests_total{outcome=%q} %d\n", "failure", snap.Requests.Failure)
		b.WriteString("# HELP meshgate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE meshgate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "meshgate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP meshgate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE meshgate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "meshgate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP meshgate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE meshgate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "meshgate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP meshgate_subgraph_requests_total backend requests by subgraph\n")
		b.WriteString("# TYPE meshgate_subgraph_requests_total counter\n")
		for _, name := range SortedKeys(snap.Subgraphs) {
			fmt.Fprintf(b, "meshgate_subgraph_requests_total{service=%q} %d\n", name, snap.Subgraphs[name].Requests)
		}
		b.WriteString("# HELP meshgate_subgraph_errors_total backend errors by subgraph\n")
		b.WriteString("# TYPE meshgate_subgraph_errors_total counter\n")
		for _, name := range SortedKeys(snap.Subgraphs) {
			fmt.Fprintf(b, "meshgate_subgraph_errors_total{service=%q} %d\n", name, snap.Subgraphs[name].Errors)
		}
		b.WriteString("# HELP meshgate_subgraph_avg_millis backend average latency by subgraph\n")
		b.WriteString("# TYPE meshgate_subgraph_avg_millis gauge\n")
		for _, name := range SortedKeys(snap.Subgraphs) {
			fmt.Fprintf(b, "meshgate_subgraph_avg_millis{service=%q} %.3f\n", name, snap.Subgraphs[name].AverageMillis)
		}
		b.WriteString("# HELP meshgate_rejections_total pipeline rejections by error code\n")
		b.WriteString("# TYPE meshgate_rejections_total counter\n")
		for _, code := range SortedKeys(snap.Rejections) {
			fmt.Fprintf(b, "meshgate_rejections_total{code=%q} %d\n", code, snap.Rejections[code])
		}
		b.WriteString("# HELP meshgate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE meshgate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "meshgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
