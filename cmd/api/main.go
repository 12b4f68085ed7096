package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"aulagate.org/internal/audit"
	"aulagate.org/internal/auth"
	"aulagate.org/internal/httpapi"
	"aulagate.org/internal/obs"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)
	if err := obs.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("AULAGATE_ENV", "development")); err != nil {
		log.Printf("sentry init: %v", err)
	}
	defer obs.FlushSentry()

	dsn := os.Getenv("AULAGATE_PG_DSN")
	if dsn == "" {
		log.Fatal("missing AULAGATE_PG_DSN")
	}
	keys, err := auth.ParseSigningKeys(os.Getenv("AULAGATE_SIGNING_KEYS"))
	if err != nil {
		log.Fatalf("AULAGATE_SIGNING_KEYS: %v", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	defer db.Close()

	recorder := audit.NewRecorder(audit.NewPGStore(db))
	defer recorder.Close()

	store := auth.NewPGStore(db)
	svc, err := auth.NewService(store, keys,
		auth.WithIssuer(envOrDefault("AULAGATE_ISSUER", "aulagate")),
		auth.WithAccessTTL(envDurationOrDefault("AULAGATE_ACCESS_TTL", 15*time.Minute)),
		auth.WithRefreshTTL(envDurationOrDefault("AULAGATE_REFRESH_TTL", 14*24*time.Hour)),
		auth.WithLockoutPolicy(auth.LockoutPolicy{
			Threshold: envIntOrDefault("AULAGATE_LOCKOUT_THRESHOLD", auth.DefaultLockoutThreshold),
			Window:    envDurationOrDefault("AULAGATE_LOCKOUT_WINDOW", auth.DefaultLockoutWindow),
		}),
		auth.WithReplayGrace(envDurationOrDefault("AULAGATE_REPLAY_GRACE", 10*time.Second)),
		auth.WithChainRevocationOnReuse(envBoolOrDefault("AULAGATE_REVOKE_CHAIN_ON_REUSE", true)),
		auth.WithAuditSink(recorder),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	go runTokenCleanup(cleanupCtx, svc,
		envDurationOrDefault("AULAGATE_TOKEN_RETENTION", 30*24*time.Hour))

	cfg := httpapi.Config{
		Version:              version,
		CookieName:           envOrDefault("AULAGATE_COOKIE_NAME", "aulagate_refresh"),
		CookiePath:           envOrDefault("AULAGATE_COOKIE_PATH", "/"),
		CookieSecure:         envBoolOrDefault("AULAGATE_COOKIE_SECURE", true),
		LoginRatePerMinute:   envIntOrDefault("AULAGATE_LOGIN_RATE", 10),
		RefreshRatePerMinute: envIntOrDefault("AULAGATE_REFRESH_RATE", 30),
		AdminRatePerMinute:   envIntOrDefault("AULAGATE_ADMIN_RATE", 10),
	}
	api := httpapi.New(httpapi.ReadyProbe{DB: db}, svc, cfg)

	handler := api.Handler()
	if upstream := os.Getenv("AULAGATE_UPSTREAM_URL"); upstream != "" {
		target, err := url.Parse(upstream)
		if err != nil {
			log.Fatalf("AULAGATE_UPSTREAM_URL: %v", err)
		}
		relay := &httpapi.Relay{
			Auth:         svc,
			CookieName:   cfg.CookieName,
			CookiePath:   cfg.CookiePath,
			CookieSecure: cfg.CookieSecure,
		}
		mux := http.NewServeMux()
		mux.Handle("/app/", http.StripPrefix("/app", relay.Proxy(target)))
		mux.Handle("/", handler)
		handler = mux
	}

	srv := &http.Server{
		Addr:              envOrDefault("AULAGATE_ADDR", ":8080"),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting aulagate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

// runTokenCleanup deletes long-expired refresh tokens once an hour.
func runTokenCleanup(ctx context.Context, svc *auth.Service, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.CleanupExpired(ctx, retention, 500)
			if err != nil {
				log.Printf("token cleanup: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("token cleanup: deleted %d expired refresh tokens", n)
			}
		}
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return d
}
