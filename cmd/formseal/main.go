// Command formseal runs the submission service: proof-of-work gated
// intake of sealed form payloads and token-gated bulk export.
//
// Secrets come from the environment (optionally via a .env file):
//
//	FS_POW_SECRET               challenge salt derivation secret
//	FS_WRITE_SECRET             internal write channel secret
//	FS_ADMIN_AUTOMATION_SECRET  admin bearer secret (optional)
//	FS_ADMIN_BROWSER_PUBKEY     base64url Ed25519 key for browser-mode
//	                            admin auth (optional)
//
// Store backends are selected with --store. The in-memory backend is
// for development only; replay marks and submissions do not survive a
// restart.
//
// # Usage
//
//	go run ./cmd/formseal --addr=:8080 --store=redis --redis-url=redis://localhost:6379
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/grayguava/formseal/api/httpserver"
	"github.com/grayguava/formseal/common"
	"github.com/grayguava/formseal/kv"
	"github.com/grayguava/formseal/server"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "HTTP listen address")
		metricsAddr = flag.String("metrics-addr", "", "Metrics listen address (empty disables)")
		enablePprof = flag.Bool("pprof", false, "Enable pprof debugging API")
		storeKind   = flag.String("store", "memory", "Store backend: memory, redis, postgres")
		redisURL    = flag.String("redis-url", "", "Redis URL for --store=redis")
		pgHost      = flag.String("postgres-host", "localhost", "Postgres host for --store=postgres")
		pgPort      = flag.Int("postgres-port", 5432, "Postgres port")
		pgUser      = flag.String("postgres-user", "formseal", "Postgres user")
		pgPassword  = flag.String("postgres-password", "", "Postgres password")
		pgDatabase  = flag.String("postgres-db", "formseal", "Postgres database")
		writeURL    = flag.String("write-url", "", "Write endpoint override (empty derives from request)")
		corsOrigins = flag.String("cors-origins", "", "Comma-separated allowed CORS origins")
		rateLimit   = flag.Float64("rate-limit", 5, "Per-IP requests per second on public endpoints (0 disables)")
		rateBurst   = flag.Int("rate-burst", 10, "Per-IP burst on public endpoints")
		envFile     = flag.String("env-file", "", "Load environment from this file")
		logJSON     = flag.Bool("log-json", false, "Log in JSON format")
		logDebug    = flag.Bool("log-debug", false, "Log at debug level")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Printf("Error loading %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	log := newLogger(*logJSON, *logDebug).With("service", common.PackageName, "version", common.Version)

	browserKey, err := loadBrowserKey(os.Getenv("FS_ADMIN_BROWSER_PUBKEY"))
	if err != nil {
		log.Error("Invalid FS_ADMIN_BROWSER_PUBKEY", "err", err)
		os.Exit(1)
	}

	ratelimitStore, submitsStore, tokensStore, err := openStores(*storeKind, *redisURL, &kv.PostgresConfig{
		Host:     *pgHost,
		Port:     *pgPort,
		User:     *pgUser,
		Password: *pgPassword,
		Database: *pgDatabase,
	})
	if err != nil {
		log.Error("Store setup failed", "backend", *storeKind, "err", err)
		os.Exit(1)
	}

	handler := server.New(&server.Config{
		PowSecret:             os.Getenv("FS_POW_SECRET"),
		WriteSecret:           os.Getenv("FS_WRITE_SECRET"),
		AdminAutomationSecret: os.Getenv("FS_ADMIN_AUTOMATION_SECRET"),
		AdminBrowserPubKey:    browserKey,
		WriteURL:              *writeURL,
		Ratelimit:             ratelimitStore,
		Submits:               submitsStore,
		ExportTokens:          tokensStore,
		PublicRateLimit:       rate.Limit(*rateLimit),
		PublicRateBurst:       *rateBurst,
		Log:                   log,
	})

	var origins []string
	if *corsOrigins != "" {
		origins = strings.Split(*corsOrigins, ",")
	}

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               *addr,
		MetricsAddr:              *metricsAddr,
		EnablePprof:              *enablePprof,
		AllowedOrigins:           origins,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              15 * time.Second,
		// Exports stream up to 50k records; give them room.
		WriteTimeout: 5 * time.Minute,
	}, handler)
	if err != nil {
		log.Error("Server setup failed", "err", err)
		os.Exit(1)
	}

	srv.RunInBackground()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down")
	srv.Shutdown()
}

func newLogger(json, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadBrowserKey(encoded string) (ed25519.PublicKey, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// openStores builds the three logical stores on the selected backend.
// Redis namespaces by key prefix, Postgres by table; memory simply
// uses three separate maps.
func openStores(kind, redisURL string, pgCfg *kv.PostgresConfig) (ratelimit, submits, tokens kv.Store, err error) {
	switch kind {
	case "memory":
		return kv.NewMemoryStore(), kv.NewMemoryStore(), kv.NewMemoryStore(), nil

	case "redis":
		if redisURL == "" {
			return nil, nil, nil, fmt.Errorf("--redis-url is required for --store=redis")
		}
		rdb, err := kv.OpenRedis(context.Background(), redisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return kv.NewRedisStore(rdb, "rl:"),
			kv.NewRedisStore(rdb, "sub:"),
			kv.NewRedisStore(rdb, "tok:"), nil

	case "postgres":
		db, err := kv.OpenPostgres(pgCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		ratelimit, err := kv.NewPostgresStore(db, "formseal_ratelimit")
		if err != nil {
			return nil, nil, nil, err
		}
		submits, err := kv.NewPostgresStore(db, "formseal_submissions")
		if err != nil {
			return nil, nil, nil, err
		}
		tokens, err := kv.NewPostgresStore(db, "formseal_export_tokens")
		if err != nil {
			return nil, nil, nil, err
		}
		return ratelimit, submits, tokens, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", kind)
	}
}
