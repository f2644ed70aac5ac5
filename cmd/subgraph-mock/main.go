package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"meshgate/pkg/httpx"
	"meshgate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// subgraph-mock is a stand-in backend for local development and tests: it
// serves a health endpoint, a capability document, and echoes operation
// requests back.

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runSubgraphMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

type operationSpec struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// parseOperations reads "getUser:query,deleteUser:mutation". Entries without
// a kind default to query.
func parseOperations(raw string) []operationSpec {
	var out []operationSpec
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, kind, found := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		kind = strings.ToLower(strings.TrimSpace(kind))
		if !found || kind == "" {
			kind = "query"
		}
		out = append(out, operationSpec{Name: name, Kind: kind})
	}
	return out
}

func handleQuery(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var envelope map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&envelope)
		resp := map[string]interface{}{
			"service": service,
			"data":    map[string]interface{}{"echo": envelope},
		}
		if id := r.Header.Get("X-Correlation-Id"); id != "" {
			resp["correlation_id"] = id
		}
		httpx.WriteJSON(w, 200, resp)
	}
}

func runSubgraphMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	service := env("SERVICE_NAME", "subgraph-mock")
	shutdown, err := initTelemetry(context.Background(), service)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	operations := parseOperations(env("OPERATIONS", "echo:query"))

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware(service))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": service})
	})
	r.Get("/capabilities", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]interface{}{"operations": operations})
	})
	r.Post("/query", handleQuery(service))

	addr := env("ADDR", ":9090")
	log.Printf("%s listening on %s", service, addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
