package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Strob0t/amplifier-gateway/internal/adapter/approvalbroker"
	"github.com/Strob0t/amplifier-gateway/internal/adapter/bundleclient"
	"github.com/Strob0t/amplifier-gateway/internal/adapter/fsstore"
	cfhttp "github.com/Strob0t/amplifier-gateway/internal/adapter/http"
	gwotel "github.com/Strob0t/amplifier-gateway/internal/adapter/otel"
	"github.com/Strob0t/amplifier-gateway/internal/adapter/prefsstore"
	"github.com/Strob0t/amplifier-gateway/internal/adapter/ristretto"
	"github.com/Strob0t/amplifier-gateway/internal/adapter/runtimeclient"
	"github.com/Strob0t/amplifier-gateway/internal/adapter/sqliteartifacts"
	"github.com/Strob0t/amplifier-gateway/internal/adapter/tlscert"
	"github.com/Strob0t/amplifier-gateway/internal/adapter/webtoken"
	"github.com/Strob0t/amplifier-gateway/internal/adapter/wsgateway"
	"github.com/Strob0t/amplifier-gateway/internal/config"
	"github.com/Strob0t/amplifier-gateway/internal/domain/approval"
	"github.com/Strob0t/amplifier-gateway/internal/logger"
	"github.com/Strob0t/amplifier-gateway/internal/middleware"
	"github.com/Strob0t/amplifier-gateway/internal/resilience"
	"github.com/Strob0t/amplifier-gateway/internal/service/sessionmanager"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	stateDir, err := expandHome(cfg.Server.StateDir)
	if err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = stateDir
	}

	slog.Info("config loaded", "port", cfg.Server.Port, "state_dir", stateDir, "log_level", cfg.Logging.Level)

	tokens := webtoken.New(stateDir)
	if err := printLocalTokenIfInteractive(tokens); err != nil {
		return fmt.Errorf("resolve local token: %w", err)
	}

	prefs, err := prefsstore.New(filepath.Join(stateDir, "web-preferences.json"), home)
	if err != nil {
		return fmt.Errorf("preferences store: %w", err)
	}
	defer prefs.Close()

	sessionsDir := filepath.Join(stateDir, "web-sessions")
	store, err := fsstore.New(sessionsDir)
	if err != nil {
		return fmt.Errorf("transcript store: %w", err)
	}
	defer store.Close()

	ledger, err := sqliteartifacts.New(filepath.Join(stateDir, "web-artifacts-index.sqlite"), sessionsDir)
	if err != nil {
		return fmt.Errorf("artifact ledger: %w", err)
	}

	auditPath := filepath.Join(stateDir, "approval-audit.jsonl")
	approvals := approvalbroker.New(fileAuditSink(auditPath))

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	prepareCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer prepareCache.Close()

	bundles, err := bundleclient.Dial(context.Background(), cfg.Bundles.Endpoint, breaker, prepareCache)
	if err != nil {
		return fmt.Errorf("bundle client: %w", err)
	}

	runtime := runtimeclient.New(cfg.Runtime.Endpoint, breaker)

	hub := wsgateway.NewHub(middleware.VerifyWebSocketToken(tokens.Token), nil)

	metrics, err := gwotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	manager := sessionmanager.New(store, ledger, approvals, bundles, runtime, hub, metrics, sessionmanager.Config{
		ApprovalTimeout: cfg.Approval.DefaultTimeout,
		CancelDrainWait: cfg.Approval.CancelDrainWait,
	})
	hub.SetDispatcher(manager)

	handlers := cfhttp.NewHandlers(manager, prefs, tokens, home)

	certPath, keyPath, err := tlscert.EnsureCertificate(stateDir, cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("tls certificate: %w", err)
	}

	router := cfhttp.NewRouter(handlers, hub, tokens.Token, cfg.Server.CORSOrigin)

	addr := cfg.Server.BindAddress + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr, "tls_cert", certPath)
		if err := srv.ListenAndServeTLS(certPath, keyPath); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// printLocalTokenIfInteractive surfaces the bearer token on startup when
// stderr is a real terminal, sparing an operator a trip to web-auth.json;
// piped or redirected output (systemd, docker logs) stays silent since the
// token belongs in /api/auth/local-token, not a log stream.
func printLocalTokenIfInteractive(tokens *webtoken.Provider) error {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	token, err := tokens.Token()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\n  local access token: %s\n\n", token)
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// fileAuditSink appends each resolved approval decision to a JSONL file,
// matching approvalbroker.MarshalAudit's intended sidecar use.
func fileAuditSink(path string) approvalbroker.AuditSink {
	var mu sync.Mutex
	return func(entry approval.AuditEntry) {
		line, err := approvalbroker.MarshalAudit(entry)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			slog.Error("approval audit: open failed", "error", err)
			return
		}
		defer f.Close()
		if _, err := f.Write(line); err != nil {
			slog.Error("approval audit: write failed", "error", err)
		}
	}
}
