package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"warden/pkg/accesslist"
	"warden/pkg/approval"
	"warden/pkg/audit"
	"warden/pkg/authz"
	"warden/pkg/engine"
	"warden/pkg/events"
	"warden/pkg/hardening"
	"warden/pkg/httpx"
	"warden/pkg/metrics"
	"warden/pkg/policy"
	"warden/pkg/ratelimit"
	"warden/pkg/store"
	"warden/pkg/telemetry"
	"warden/pkg/usage"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Engine   *engine.Engine
	DB       engineDB
	Audit    *audit.Writer
	Events   events.Publisher
	Metrics  *metrics.Registry
	AuthMode string
}

type engineDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (engineDB, func(), error)
	openRedisFn     func(context.Context) (*redis.Client, error)
	newPublisherFn  func() (events.Publisher, error)
	listenFn        func(*http.Server) error
)

func main() {
	log.SetPrefix("warden-engine: ")
	if err := runEngine(initTelemetryFn, openDBFn, openRedisFn, newPublisherFn, listenFn); err != nil {
		logFatalf("engine: %v", err)
	}
}

func runEngine(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (engineDB, func(), error),
	openRedis func(context.Context) (*redis.Client, error),
	newPublisher func() (events.Publisher, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (engineDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if openRedis == nil {
		openRedis = func(ctx context.Context) (*redis.Client, error) {
			if env("REDIS_ADDR", "") == "" {
				return nil, nil
			}
			return store.NewRedis(ctx)
		}
	}
	if newPublisher == nil {
		newPublisher = func() (events.Publisher, error) {
			brokers := env("KAFKA_BROKERS", "")
			if brokers == "" {
				return events.NopPublisher{}, nil
			}
			return events.NewKafkaPublisher(events.KafkaConfig{
				Brokers: strings.Split(brokers, ","),
				Topic:   env("KAFKA_DECISIONS_TOPIC", "warden.decisions"),
			})
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "engine")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	authMode := env("AUTH_MODE", "hs256")
	authSecret := env("AUTH_HS256_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "engine",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		AuthMode:           authMode,
		AuthSecret:         authSecret,
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	registry := policy.NewRegistry()
	tracker := usage.NewTracker()
	lists := accesslist.New()
	workflow := approval.NewWorkflow(registry, tracker)
	eng := engine.New(registry, tracker, lists, workflow)
	if err := loadState(ctx, db, eng); err != nil {
		return err
	}

	publisher, err := newPublisher()
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	s := &Server{
		Engine:   eng,
		DB:       db,
		Audit:    &audit.Writer{DB: db},
		Events:   publisher,
		Metrics:  metrics.NewRegistry(),
		AuthMode: authMode,
	}

	var limiter ratelimit.Limiter
	window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if client, redisErr := openRedis(ctx); redisErr != nil {
		log.Printf("redis unavailable, using in-memory rate limiter: %v", redisErr)
		limiter = ratelimit.NewMemory(window)
	} else if client != nil {
		limiter = ratelimit.NewRedis(client, window)
		defer client.Close()
	} else {
		limiter = ratelimit.NewMemory(window)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("engine"))
	r.Use(httpx.BodyLimitMiddleware(int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))))
	r.Use(s.Metrics.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "engine"})
	})
	r.Get("/metricsz", s.Metrics.Handler())

	authRouter := chi.NewRouter()
	authRouter.Use(authz.Middleware(authMode, authSecret, env("AUTH_ISSUER", "")))
	authRouter.Use(ratelimit.Middleware(limiter, envInt("RATE_LIMIT_PER_WINDOW", 600)))

	authRouter.Post("/v1/validate", s.validate)
	authRouter.Post("/v1/validate/transfer", s.validateTransfer)
	authRouter.Post("/v1/policies", s.withRoles(s.registerPolicy, authz.RolePolicyAdmin))
	authRouter.Post("/v1/policies/approvals", s.withRoles(s.configureApprovals, authz.RolePolicyAdmin))
	authRouter.Get("/v1/policies/{subject}/{kind}", s.getPolicy)
	authRouter.Get("/v1/requests", s.listPendingRequests)
	authRouter.Get("/v1/requests/{id}", s.getRequest)
	authRouter.Post("/v1/requests/{id}/approvals", s.castApproval)
	authRouter.Get("/v1/blocklist", s.listBlocked)
	authRouter.Post("/v1/blocklist", s.withRoles(s.blockIdentity, authz.RoleListAdmin))
	authRouter.Delete("/v1/blocklist/{id}", s.withRoles(s.unblockIdentity, authz.RoleListAdmin))
	authRouter.Get("/v1/allowlist", s.listAllowed)
	authRouter.Post("/v1/allowlist", s.withRoles(s.allowIdentity, authz.RoleListAdmin))
	authRouter.Delete("/v1/allowlist/{id}", s.withRoles(s.disallowIdentity, authz.RoleListAdmin))
	authRouter.Get("/v1/subjects/{subject}/audit", s.recentAudit)
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8080")
	log.Printf("engine listening on %s", addr)
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

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		actor, ok := authz.ActorFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !authz.HasAnyRole(actor, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

// principal returns the authenticated subject, or the supplied fallback when
// authentication is off. A non-empty claimed identity must match the
// principal so callers cannot act as someone else.
func (s *Server) principal(r *http.Request, claimed string) (string, int, string) {
	if strings.EqualFold(s.AuthMode, "off") {
		if claimed == "" {
			return "", 400, "identity required"
		}
		return claimed, 0, ""
	}
	actor, ok := authz.ActorFromContext(r.Context())
	if !ok || strings.TrimSpace(actor.Subject) == "" {
		return "", 401, "unauthenticated"
	}
	if claimed != "" && !strings.EqualFold(claimed, actor.Subject) {
		return "", 403, "identity must match principal"
	}
	return actor.Subject, 0, ""
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

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "development", "dev", "local", "test":
		return true
	default:
		return false
	}
}
