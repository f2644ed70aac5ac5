package compose

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"meshgate/pkg/metrics"
)

// ForwardResult carries the subgraph's reply back to the pipeline.
type ForwardResult struct {
	Status  int
	Body    []byte
	Millis  int64
	Service string
}

// ForwardError classifies a failed dispatch. Timeout maps to 504, any other
// transport failure to 502. Dispatch never retries: operation requests may
// not be idempotent.
type ForwardError struct {
	Service string
	Timeout bool
	Err     error
}

func (e *ForwardError) Error() string {
	if e.Timeout {
		return "subgraph " + e.Service + " timed out: " + e.Err.Error()
	}
	return "subgraph " + e.Service + " unreachable: " + e.Err.Error()
}

func (e *ForwardError) Unwrap() error { return e.Err }

// Forwarder posts operation requests to their owning subgraph.
type Forwarder struct {
	Client  *http.Client
	Timeout time.Duration
	Metrics *metrics.Registry
	// MaxReplyBytes bounds how much of a subgraph reply is read back.
	MaxReplyBytes int64
}

func NewForwarder(client *http.Client) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Forwarder{
		Client:        client,
		Timeout:       10 * time.Second,
		MaxReplyBytes: 4 << 20,
	}
}

// Forward posts body to the route's /query endpoint, propagating the
// caller's Authorization header and the request correlation id.
func (f *Forwarder) Forward(ctx context.Context, route Route, body []byte, authorization, correlationID string) (*ForwardResult, *ForwardError) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.URL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, &ForwardError{Service: route.Service, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-Id", correlationID)
	}

	start := time.Now()
	resp, err := f.Client.Do(req)
	millis := time.Since(start).Milliseconds()
	if err != nil {
		f.observe(route.Service, false, millis)
		return nil, &ForwardError{
			Service: route.Service,
			Timeout: errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxReplyBytes))
	if err != nil {
		f.observe(route.Service, false, millis)
		return nil, &ForwardError{Service: route.Service, Err: err}
	}
	f.observe(route.Service, resp.StatusCode < 500, millis)
	return &ForwardResult{
		Status:  resp.StatusCode,
		Body:    reply,
		Millis:  millis,
		Service: route.Service,
	}, nil
}

func (f *Forwarder) observe(service string, ok bool, millis int64) {
	if f.Metrics != nil {
		f.Metrics.ObserveSubgraph(service, ok, time.Duration(millis)*time.Millisecond)
	}
}
