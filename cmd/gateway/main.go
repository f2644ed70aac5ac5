package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"meshgate/pkg/auth"
	"meshgate/pkg/complexity"
	"meshgate/pkg/compose"
	"meshgate/pkg/eventbus"
	"meshgate/pkg/hardening"
	"meshgate/pkg/health"
	"meshgate/pkg/httpx"
	"meshgate/pkg/metrics"
	"meshgate/pkg/policy"
	"meshgate/pkg/ratelimit"
	"meshgate/pkg/registry"
	"meshgate/pkg/store"
	"meshgate/pkg/stream"
	"meshgate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Registry            *registry.Registry
	RefreshInterval     time.Duration
	Monitor             *health.Monitor
	Composer            *compose.Composer
	Forwarder           *compose.Forwarder
	Auth                *auth.Authenticator
	Policy              *policy.Engine
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitMax        int
	Guard               *complexity.Guard
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Cache               store.Cache
	DevelopmentMode     bool
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	QueryPath           string
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(ctx context.Context, s *Server) {
		go s.refreshLoop(ctx)
		go s.Monitor.Run(ctx)
		go s.Composer.Run(ctx)
		go s.metricsLoop(ctx)
		if pub := eventbus.NewPublisher(env("KAFKA_BROKERS", ""), env("KAFKA_TOPIC", "meshgate.events")); pub != nil {
			go func() {
				defer pub.Close()
				eventbus.Bridge(ctx, s.Events, pub)
			}()
		}
	}
)

func main() {
	if err := runGateway(initTelemetryG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	developmentMode := env("DEVELOPMENT_MODE", "false") == "true"
	authDisabled := env("AUTH_DISABLED", "false") == "true"
	if authDisabled {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_DISABLED=true requires ALLOW_INSECURE_AUTH_OFF=true")
		}
		log.Printf("WARNING: authentication disabled, every request runs as the dev principal")
	}
	jwtSecret := env("JWT_SECRET", "")
	jwksURL := env("JWKS_URL", "")
	apiKeysSpec := env("API_KEYS", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DevelopmentMode:    developmentMode,
		AuthDisabled:       authDisabled,
		JWTSecret:          jwtSecret,
		JWKSURL:            jwksURL,
		APIKeys:            apiKeysSpec,
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	source, closeSource, err := buildRegistrySource(ctx)
	if err != nil {
		return err
	}
	if closeSource != nil {
		defer closeSource()
	}
	reg := registry.New(source)
	// Cold start: no service set means nothing to route, so fail the boot.
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	events := stream.NewHub()
	metricsRegistry := metrics.NewRegistry()
	probeClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("PROBE_TIMEOUT_MS", 3000))})

	monitor := health.NewMonitor(reg.Current, probeClient)
	monitor.Interval = envDurationSec("PROBE_INTERVAL_SEC", 15)
	monitor.ProbeTimeout = time.Millisecond * time.Duration(envInt("PROBE_TIMEOUT_MS", 3000))
	monitor.StaleAfter = envDurationSec("PROBE_STALE_AFTER_SEC", 45)
	monitor.FailThreshold = envInt("PROBE_FAIL_THRESHOLD", 3)
	monitor.Events = events
	monitor.Metrics = metricsRegistry

	composer := compose.NewComposer(reg.Current, telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("COMPOSE_TIMEOUT_MS", 5000))}))
	composer.Interval = envDurationSec("COMPOSE_INTERVAL_SEC", 30)
	composer.Timeout = time.Millisecond * time.Duration(envInt("COMPOSE_TIMEOUT_MS", 5000))
	composer.Events = events
	composer.Metrics = metricsRegistry

	forwarder := compose.NewForwarder(telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("FORWARD_TIMEOUT_MS", 10000))}))
	forwarder.Timeout = time.Millisecond * time.Duration(envInt("FORWARD_TIMEOUT_MS", 10000))
	forwarder.Metrics = metricsRegistry

	var keySet *auth.KeySet
	if jwksURL != "" {
		keySet = auth.NewKeySet(jwksURL, telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second}))
		keySet.TTL = envDurationSec("JWKS_CACHE_TTL_SEC", 300)
		keySet.MaxEntries = envInt("JWKS_MAX_KEYS", 64)
		keySet.Shared = cache
	}
	verifier := auth.NewVerifier([]byte(jwtSecret), keySet)
	verifier.Issuer = env("JWT_ISSUER", "")
	verifier.Audience = env("JWT_AUDIENCE", "")
	if algs := splitList(env("JWT_ALGORITHMS", "")); len(algs) > 0 {
		verifier.Algorithms = algs
	}

	policyRules, err := policy.ParseRules(env("POLICY_RULES", ""))
	if err != nil {
		return err
	}
	engine := policy.New(policyRules, splitList(env("PUBLIC_OPERATIONS", "")))
	engine.Disabled = authDisabled

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	var limiter ratelimit.Limiter
	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	if rateLimitEnabled {
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			limiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	queryPath := env("QUERY_PATH", "/v1/query")
	if !strings.HasPrefix(queryPath, "/") {
		queryPath = "/" + queryPath
	}

	s := &Server{
		Registry:            reg,
		RefreshInterval:     envDurationSec("REGISTRY_REFRESH_SEC", 60),
		Monitor:             monitor,
		Composer:            composer,
		Forwarder:           forwarder,
		Auth:                &auth.Authenticator{Verifier: verifier, APIKeys: auth.NewAPIKeyStore(apiKeysSpec), Disabled: authDisabled},
		Policy:              engine,
		RateLimiter:         limiter,
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitMax:        envInt("RATE_LIMIT_MAX", 240),
		Guard:               complexity.NewGuard(envInt("COMPLEXITY_CEILING", 1000)),
		Metrics:             metricsRegistry,
		Events:              events,
		Cache:               cache,
		DevelopmentMode:     developmentMode,
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		QueryPath:           queryPath,
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.correlationMiddleware)
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/v1/services", s.handleServices)
	r.Get("/v1/surface", s.handleSurface)
	r.Get("/v1/events", s.withRoles(s.streamEvents, "admin", "operator", "service"))
	r.Post(queryPath, s.handleOperation)

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}

	// Drain in-flight requests on SIGINT/SIGTERM, then close within the grace
	// deadline.
	serveErr := make(chan error, 1)
	go func() { serveErr <- listen(server) }()
	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Printf("gateway shutting down")
		grace := envDurationSec("SHUTDOWN_GRACE_SEC", 20)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// buildRegistrySource picks the discovery backend from the environment:
// inline or file-based static JSON, an HTTP discovery endpoint, or the
// services table in Postgres.
func buildRegistrySource(ctx context.Context) (registry.Source, func(), error) {
	mode := strings.ToLower(strings.TrimSpace(env("REGISTRY_SOURCE", "")))
	if mode == "" {
		switch {
		case env("REGISTRY_JSON", "") != "" || env("REGISTRY_PATH", "") != "":
			mode = "static"
		case env("REGISTRY_URL", "") != "":
			mode = "http"
		case env("DATABASE_URL", "") != "":
			mode = "postgres"
		default:
			mode = "static"
		}
	}
	switch mode {
	case "static":
		return registry.StaticSource{
			JSON: env("REGISTRY_JSON", ""),
			Path: env("REGISTRY_PATH", ""),
		}, nil, nil
	case "http":
		return registry.HTTPSource{
			URL:        env("REGISTRY_URL", ""),
			Client:     telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second}),
			Retries:    envInt("REGISTRY_RETRIES", 2),
			RetryDelay: time.Millisecond * time.Duration(envInt("REGISTRY_RETRY_DELAY_MS", 200)),
		}, nil, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, env("DATABASE_URL", ""))
		if err != nil {
			return nil, nil, fmt.Errorf("postgres registry: %w", err)
		}
		return registry.PostgresSource{DB: pool}, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown REGISTRY_SOURCE %q", mode)
	}
}

func (s *Server) refreshLoop(ctx context.Context) {
	interval := s.RefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Registry.Refresh(ctx); err != nil {
				// Warm refresh failure keeps the last-known-good snapshot.
				log.Printf("registry refresh failed, keeping current snapshot: %v", err)
				continue
			}
			snap := s.Registry.Current()
			if s.Events != nil && snap != nil {
				s.Events.Publish(stream.NewEvent(stream.EventRegistryRefreshed, map[string]any{
					"generation": snap.Generation,
					"services":   len(snap.Services),
				}))
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(envDurationSec("METRICS_GAUGE_INTERVAL_SEC", 15))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Registry.Current()
			if snap == nil {
				continue
			}
			healthy := 0
			for _, svc := range snap.Services {
				if s.Monitor.Healthy(svc.Name) {
					healthy++
				}
			}
			s.Metrics.SetGauge("services_registered", float64(len(snap.Services)))
			s.Metrics.SetGauge("services_healthy", float64(healthy))
		}
	}
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
