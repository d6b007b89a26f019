package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Noxie-dev/jobrite.com/pkg/breaker"
	"github.com/Noxie-dev/jobrite.com/pkg/bus"
	"github.com/Noxie-dev/jobrite.com/pkg/flags"
	"github.com/Noxie-dev/jobrite.com/pkg/hardening"
	"github.com/Noxie-dev/jobrite.com/pkg/httpx"
	"github.com/Noxie-dev/jobrite.com/pkg/metrics"
	"github.com/Noxie-dev/jobrite.com/pkg/ratelimit"
	"github.com/Noxie-dev/jobrite.com/pkg/rates"
	"github.com/Noxie-dev/jobrite.com/pkg/slo"
	"github.com/Noxie-dev/jobrite.com/pkg/store"
	"github.com/Noxie-dev/jobrite.com/pkg/stream"
	"github.com/Noxie-dev/jobrite.com/pkg/taxcalc"
	"github.com/Noxie-dev/jobrite.com/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

const (
	calcBreakerName   = "tax_calculation"
	updateBreakerName = "rate_update"

	flagNewTaxEngine    = "new_tax_engine"
	flagShadowCompare   = "shadow_calculation_comparison"
	flagCircuitBreakers = "circuit_breakers"
)

type Server struct {
	Cache               store.Cache
	Redis               *redis.Client
	Engine              *rates.Engine
	Updater             *rates.Updater
	Calc                *taxcalc.Calculator
	Flags               *flags.Manager
	SLO                 *slo.Monitor
	CalcBreaker         *breaker.Breaker
	UpdateBreaker       *breaker.Breaker
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Bus                 bus.Publisher
	Updates             bus.Consumer
	HTTPClient          *http.Client
	MaxRequestBodyBytes int64
	AdminToken          string
	SLOCheckInterval    time.Duration
}

type serviceInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type serviceOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type serviceListenFunc func(server *http.Server) error
type serviceStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = func(s *Server) {
		go s.sloLoop(context.Background())
		if s.Updates != nil {
			go s.consumeRateUpdates(context.Background())
		}
	}
)

func main() {
	if err := runService(initTelemetry, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("moneyrite: %v", err)
	}
}

func runService(
	initTelemetry serviceInitTelemetryFunc,
	openRedis serviceOpenRedisFunc,
	listen serviceListenFunc,
	startLoops serviceStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "moneyrite")
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

	versionStore, err := buildVersionStore(ctx, cache)
	if err != nil {
		return fmt.Errorf("rates store: %w", err)
	}

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "moneyrite",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseURL:        env("DATABASE_URL", env("POSTGRES_URL", "")),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredSecrets: []hardening.Secret{
			{Name: "ADMIN_TOKEN", Value: env("ADMIN_TOKEN", "")},
		},
	}); err != nil {
		return err
	}

	s, err := newServer(ctx, cache, redisClient, versionStore)
	if err != nil {
		return err
	}

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("moneyrite listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func buildVersionStore(ctx context.Context, cache store.Cache) (rates.VersionStore, error) {
	if env("DATABASE_URL", "") != "" || env("POSTGRES_URL", "") != "" {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, err
		}
		pg := &rates.PostgresStore{DB: pool}
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	}
	dir := env("RATES_DIR", "./data/rates")
	return rates.NewFileStore(dir)
}

func newServer(ctx context.Context, cache store.Cache, redisClient *redis.Client, versionStore rates.VersionStore) (*Server, error) {
	engine := rates.NewEngine(versionStore, cache)

	var publisher bus.Publisher = bus.NoopPublisher{}
	var updates bus.Consumer
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		p, err := bus.NewKafkaPublisher(bus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "moneyrite.events"),
		})
		if err != nil {
			log.Printf("kafka disabled: %v", err)
		} else {
			publisher = p
		}
		if topic := env("KAFKA_UPDATES_TOPIC", ""); topic != "" {
			c, err := bus.NewKafkaConsumer(bus.ConsumerConfig{
				Brokers: strings.Split(brokers, ","),
				Topic:   topic,
				GroupID: env("KAFKA_UPDATES_GROUP", "moneyrite"),
			})
			if err != nil {
				log.Printf("kafka updates consumer disabled: %v", err)
			} else {
				updates = c
			}
		}
	}

	events := stream.NewHub()
	reg := metrics.NewRegistry()

	updater := &rates.Updater{
		Engine:        engine,
		Events:        events,
		Bus:           publisher,
		ShadowCompare: taxcalc.CompareConfigs,
	}

	calc := taxcalc.New(engine)
	calc.Tracer = telemetry.NewSpanTracer("moneyrite")

	flagMgr := flags.NewManager(ctx, cache)
	flagMgr.OnDecision = reg.IncFlagDecision

	breakerCfg := breaker.Settings{
		FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		RecoveryTimeout:  envDurationSec("BREAKER_RECOVERY_TIMEOUT_SEC", 60),
		SuccessThreshold: envInt("BREAKER_SUCCESS_THRESHOLD", 3),
	}
	onTransition := func(name, from, to string) {
		reg.IncBreakerTransition(name, from, to)
		events.Publish(stream.NewEvent(stream.EventBreakerTransition, map[string]interface{}{
			"breaker": name,
			"from":    from,
			"to":      to,
		}))
	}
	calcBreaker := breaker.New(calcBreakerName, cache, breakerCfg)
	calcBreaker.OnTransition = onTransition
	updateBreaker := breaker.New(updateBreakerName, cache, breakerCfg)
	updateBreaker.OnTransition = onTransition

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	s := &Server{
		Cache:               cache,
		Redis:               redisClient,
		Engine:              engine,
		Updater:             updater,
		Calc:                calc,
		Flags:               flagMgr,
		SLO:                 slo.NewMonitor(),
		CalcBreaker:         calcBreaker,
		UpdateBreaker:       updateBreaker,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		Metrics:             reg,
		Events:              events,
		Bus:                 publisher,
		Updates:             updates,
		HTTPClient:          telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000))}),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		AdminToken:          env("ADMIN_TOKEN", ""),
		SLOCheckInterval:    envDurationSec("SLO_CHECK_INTERVAL_SEC", 30),
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("moneyrite"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "moneyrite"})
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.rateLimitMiddleware).Post("/calculations/net-salary", s.handleNetSalary)
		r.With(s.rateLimitMiddleware).Post("/calculations/annual-tax", s.handleAnnualTax)
		r.With(s.rateLimitMiddleware).Post("/calculations/convert", s.handleConvert)

		r.Get("/rates", s.handleCurrentRates)
		r.Get("/rates/versions", s.handleListVersions)
		r.Get("/rates/versions/{version}", s.handleGetVersion)
		r.Get("/rates/status", s.handleRateStatus)
		r.Post("/rates/update", s.requireAdmin(s.handleRateUpdate))
		r.Post("/rates/update-from-url", s.requireAdmin(s.handleRateUpdateFromURL))
		r.Post("/rates/rollback", s.requireAdmin(s.handleRateRollback))

		r.Get("/flags", s.handleListFlags)
		r.Get("/flags/{name}", s.handleGetFlag)
		r.Get("/flags/{name}/enabled", s.handleFlagEnabled)
		r.Patch("/flags/{name}", s.requireAdmin(s.handlePatchFlag))
		r.Post("/flags/{name}/promote", s.requireAdmin(s.handlePromoteFlag))
		r.Post("/flags/{name}/emergency-disable", s.requireAdmin(s.handleEmergencyDisable))

		r.Get("/breakers", s.handleListBreakers)
		r.Post("/breakers/{name}/reset", s.requireAdmin(s.handleResetBreaker))

		r.Get("/slo", s.handleSLO)
		r.Get("/stream", s.streamEvents)
	})
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	cfg := s.Engine.GetCurrentRates(r.Context())
	if cfg == nil || !cfg.VerifyIntegrity() {
		httpx.Error(w, http.StatusServiceUnavailable, "rate configuration unavailable")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{
		"status":        "ready",
		"rates_version": cfg.Version,
	})
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
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
		if strings.HasPrefix(r.URL.Path, "/v1/calculations/") {
			srv.SLO.RecordRequest(rec.code < 500, elapsed)
		}
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil || s.RateLimitPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := "calc:" + clientKey(r)
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if !decision.Allowed {
			s.Metrics.IncRateLimited()
			s.Metrics.IncCalculationReason("rate_limited")
			retryAfter := int(time.Until(decision.ResetAt).Milliseconds())
			if retryAfter < 0 {
				retryAfter = int(s.RateLimitWindow.Milliseconds())
			}
			w.Header().Set("Retry-After", strconv.Itoa((retryAfter+999)/1000))
			httpx.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":          "rate limit exceeded",
				"retry_after_ms": retryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				httpx.Error(w, http.StatusUnauthorized, "admin token required")
				return
			}
			if strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) != s.AdminToken {
				httpx.Error(w, http.StatusUnauthorized, "admin token required")
				return
			}
		}
		h(w, r)
	}
}

// clientKey scopes rate limits per caller: the user id when supplied,
// otherwise the remote address.
func clientKey(r *http.Request) string {
	if uid := userID(r); uid != "" {
		return uid
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func userID(r *http.Request) string {
	if uid := strings.TrimSpace(r.Header.Get("X-User-ID")); uid != "" {
		return uid
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

// sloLoop periodically re-evaluates the objectives, exports the burn rates as
// gauges and announces breaches on the event stream.
func (s *Server) sloLoop(ctx context.Context) {
	interval := s.SLOCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkSLOs(ctx)
		}
	}
}

// consumeRateUpdates feeds broker-submitted rate documents through the
// same guarded pipeline as the HTTP admin endpoint: breaker, lock,
// integrity check, validation, shadow comparison. Rejected documents
// are logged and skipped, they never stop the loop.
func (s *Server) consumeRateUpdates(ctx context.Context) {
	defer s.Updates.Close()
	for {
		msg, err := s.Updates.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("rate-update consumer: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var result *rates.UpdateResult
		err = s.UpdateBreaker.Do(ctx, func(ctx context.Context) error {
			var opErr error
			result, opErr = s.Updater.UpdateRates(ctx, msg.Value, false)
			return opErr
		})
		if err != nil {
			log.Printf("rate-update from broker rejected: %v", err)
			continue
		}
		log.Printf("rate-update from broker published %s (was %s)", result.NewVersion, result.PreviousVersion)
	}
}

func (s *Server) checkSLOs(ctx context.Context) {
	for _, report := range s.SLO.Check() {
		s.Metrics.SetGauge("slo_"+report.Name+"_burn", report.BurnRate)
		s.Metrics.SetGauge("slo_"+report.Name+"_current", report.Current)
		if report.Status == slo.StatusCritical {
			log.Printf("slo %s critical: current=%.6f target=%.6f burn=%.2f", report.Name, report.Current, report.Target, report.BurnRate)
			s.Events.Publish(stream.NewEvent(stream.EventSLOAlert, report))
			if s.Bus != nil {
				_ = s.Bus.Publish(ctx, "slo:"+report.Name, report)
			}
		}
	}
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

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
