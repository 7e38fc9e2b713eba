// Command warden runs the workflow coordination server and its operator
// tooling.
//
// Subcommands:
//
//	serve    start the coordination API (default)
//	verify   verify a session's audit chain
//	migrate  migrate a legacy single-file session into the directory layout
//	keygen   generate an Ed25519 signing key for capability tokens
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/capability"
	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/engine"
	"github.com/Mindburn-Labs/warden/pkg/limiter"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/Mindburn-Labs/warden/pkg/workflow"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "migrate":
		return runMigrate(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: warden <serve|verify|migrate|keygen> [flags]")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func tokenService(cfg *config.Config) (*capability.Service, error) {
	if cfg.TokenKeyFile != "" {
		raw, err := os.ReadFile(cfg.TokenKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read token key: %w", err)
		}
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, errors.New("token key file is not PEM")
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse token key: %w", err)
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("token key is %T, want ed25519", key)
		}
		return capability.NewEd25519Service(priv, "warden")
	}
	if cfg.TokenSecret == "" {
		return nil, errors.New("WARDEN_TOKEN_SECRET or WARDEN_TOKEN_KEY_FILE must be set")
	}
	return capability.NewHMACService([]byte(cfg.TokenSecret), "warden")
}

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sessionID := fs.String("session", "default", "session id to serve")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "warden",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTelEnabled,
		Insecure:     cfg.Environment == "development",
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	raw, err := os.ReadFile(cfg.WorkflowFile)
	if err != nil {
		logger.Error("read workflow definition", "path", cfg.WorkflowFile, "error", err)
		return 1
	}
	def, err := workflow.Load(raw)
	if err != nil {
		logger.Error("load workflow definition", "error", err)
		return 1
	}

	tokens, err := tokenService(cfg)
	if err != nil {
		logger.Error("token service init failed", "error", err)
		return 1
	}

	var agentLimits limiter.Store
	if cfg.RedisAddr != "" {
		redisStore := limiter.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisStore.Ping(ctx); err != nil {
			logger.Error("redis unavailable", "addr", cfg.RedisAddr, "error", err)
			return 1
		}
		defer func() { _ = redisStore.Close() }()
		agentLimits = redisStore
	} else {
		agentLimits = limiter.NewMemoryStore()
	}

	eng, err := engine.Open(engine.Config{
		SessionID:           *sessionID,
		Store:               session.NewStore(session.NewResolver(cfg.SessionRoot)),
		Definition:          def,
		Tokens:              tokens,
		TokenTTL:            cfg.TokenTTL,
		Logger:              logger,
		Metrics:             obs,
		MirrorAuditToSQLite: cfg.AuditSQLite,
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		return 1
	}
	defer func() { _ = eng.Close() }()

	srv := api.NewServer(eng, agentLimits, limiter.Policy{
		RequestsPerMinute: cfg.RequestsPerMinute,
		Burst:             cfg.Burst,
	}, logger)
	ipLimiter := api.NewGlobalRateLimiter(cfg.RequestsPerMinute/60+1, cfg.Burst)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(ipLimiter, obs),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordination server listening", "port", cfg.Port, "session", *sessionID, "workflow", def.Name)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	}
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", "./data", "session root directory")
	sessionID := fs.String("session", "default", "session id to verify")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	paths := session.NewResolver(*root).Paths(*sessionID)
	records, err := audit.ReadFile(paths.AuditFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read audit log: %v\n", err)
		return 1
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintf(stderr, "no audit records for session %s\n", *sessionID)
		return 1
	}
	ok, detail := audit.VerifyRecords(records)
	if !ok {
		_, _ = fmt.Fprintf(stderr, "FAIL: %s\n", detail)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK: %d records, head %s\n", len(records), records[len(records)-1].Hash)
	return 0
}

func runMigrate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", "./data", "session root directory")
	sessionID := fs.String("session", "", "session id to migrate")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sessionID == "" {
		_, _ = fmt.Fprintln(stderr, "migrate requires -session")
		return 2
	}

	store := session.NewStore(session.NewResolver(*root))
	if err := store.Migrate(*sessionID); err != nil {
		if errors.Is(err, session.ErrDivergentState) {
			_, _ = fmt.Fprintf(stderr, "refusing to migrate %s: legacy and current state diverge; resolve manually\n", *sessionID)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "migrate %s: %v\n", *sessionID, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "migrated session %s\n", *sessionID)
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "warden-token.key", "output path for the private key")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "generate key: %v\n", err)
		return 1
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "encode key: %v\n", err)
		return 1
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(*out, pemBytes, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "write key: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "wrote Ed25519 key to %s\n", *out)
	return 0
}
