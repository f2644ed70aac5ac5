package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"meshgate/pkg/auth"
	"meshgate/pkg/httpx"
	"meshgate/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
}

// handleReady serves the readiness report, 503 with the same payload shape
// when any registered service is unhealthy or stale.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	report := s.Monitor.Readiness()
	status := 200
	if !report.Ready {
		status = 503
	}
	httpx.WriteJSON(w, status, report)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Current()
	if snap == nil {
		httpx.Error(w, 503, "REGISTRY_EMPTY", "no service snapshot loaded")
		return
	}
	report := s.Monitor.Readiness()
	type serviceView struct {
		Name    string `json:"name"`
		URL     string `json:"url"`
		Version string `json:"version,omitempty"`
		Status  string `json:"status"`
	}
	items := make([]serviceView, 0, len(snap.Services))
	for _, svc := range snap.Services {
		status := "unknown"
		if h, ok := report.Services[svc.Name]; ok {
			status = string(h.Status)
		}
		items = append(items, serviceView{Name: svc.Name, URL: svc.URL, Version: svc.Version, Status: status})
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"generation": snap.Generation,
		"loaded_at":  snap.LoadedAt,
		"services":   items,
	})
}

func (s *Server) handleSurface(w http.ResponseWriter, r *http.Request) {
	surface := s.Composer.Surface()
	if surface == nil {
		httpx.Error(w, 503, "SURFACE_EMPTY", "no composed surface yet")
		return
	}
	httpx.WriteJSON(w, 200, surface)
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _, authErr := s.Auth.Authenticate(r)
		if authErr != nil {
			s.rejectAuth(w, authErr)
			return
		}
		if principal.IsAnonymous() {
			httpx.Error(w, 401, string(auth.CodeUnauthenticated), "authentication required")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "FORBIDDEN", "insufficient role")
			return
		}
		h(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	}
}

// streamEvents upgrades to a websocket and relays fleet events until the
// client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "STREAM_UNAVAILABLE", "event stream not configured")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

type correlationKey struct{}

// correlationMiddleware ensures every request carries a correlation id,
// echoing it back to the client and propagating it to subgraphs.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func correlationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok {
		return v
	}
	return ""
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
	return nil, false
}

// clientIP resolves the caller address, honoring X-Forwarded-For and
// X-Real-IP only when the direct peer is a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
			parts := strings.Split(fwd, ",")
			if ip := parseIP(strings.TrimSpace(parts[0])); ip != "" {
				return ip
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}
