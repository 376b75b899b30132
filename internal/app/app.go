// Package app assembles every component into a runnable server and owns
// the process's top-level lifecycle: logging setup, component wiring, and
// graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bradax/broker/internal/api"
	"github.com/bradax/broker/internal/config"
	"github.com/bradax/broker/internal/guardrail"
	"github.com/bradax/broker/internal/metrics"
	"github.com/bradax/broker/internal/orchestrator"
	"github.com/bradax/broker/internal/provider"
	"github.com/bradax/broker/internal/ratelimit"
	"github.com/bradax/broker/internal/security"
	"github.com/bradax/broker/internal/store"
	"github.com/bradax/broker/internal/telemetry"
)

// configureLogging wires logrus to stdout or, when LOG_FILE is set, to a
// lumberjack-rotated file, and applies the configured level.
func configureLogging(cfg config.Config) error {
	log.SetFormatter(&log.JSONFormatter{})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}
	return nil
}

// dataPaths resolves the filesystem layout under cfg.DataDir.
func dataPaths(cfg config.Config) telemetry.Paths {
	return telemetry.Paths{
		TelemetryFile:      filepath.Join(cfg.DataDir, "telemetry.json"),
		GuardrailEventFile: filepath.Join(cfg.DataDir, "guardrail_events.json"),
		InteractionFile:    filepath.Join(cfg.DataDir, "interactions.json"),
		RawResponseDir:     filepath.Join(cfg.DataDir, "raw", "responses"),
	}
}

// components holds every long-lived object RunServer builds. The CLI
// helpers below (ReloadRules, IssueAdminToken, CreateOperator) do not use
// it; each opens only the store it needs.
type components struct {
	cfg       config.Config
	projects  *store.ProjectStore
	rules     *store.RuleStore
	operators *store.OperatorStore
	telemetry *telemetry.Writer
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	orch      *orchestrator.Orchestrator
}

func build(cfg config.Config) (*components, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: create data dir: %w", err)
	}
	paths := dataPaths(cfg)
	if err := os.MkdirAll(paths.RawResponseDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: create raw response dir: %w", err)
	}

	projects, err := store.NewProjectStore(filepath.Join(cfg.DataDir, "projects.json"))
	if err != nil {
		return nil, fmt.Errorf("app: load project store: %w", err)
	}
	rules, err := store.NewRuleStore(filepath.Join(cfg.DataDir, "guardrails.json"))
	if err != nil {
		return nil, fmt.Errorf("app: load rule store: %w", err)
	}
	operators, err := store.NewOperatorStore(filepath.Join(cfg.DataDir, "operators.json"))
	if err != nil {
		return nil, fmt.Errorf("app: load operator store: %w", err)
	}

	writer := telemetry.New(paths, cfg.InteractionCap)
	limiter := ratelimit.New(ratelimit.Config{
		RPM:           cfg.RateLimitRPM,
		RPH:           cfg.RateLimitRPH,
		MaxConcurrent: cfg.MaxConcurrent,
	})
	engine := guardrail.New()
	adapter := provider.NewMockAdapter()
	m := metrics.New()
	orch := orchestrator.New(projects, rules, engine, adapter, writer, m, cfg.ProviderTimeout)

	return &components{
		cfg:       cfg,
		projects:  projects,
		rules:     rules,
		operators: operators,
		telemetry: writer,
		limiter:   limiter,
		metrics:   m,
		orch:      orch,
	}, nil
}

// RunServer boots the HTTP listener and blocks until ctx is canceled, then
// drains in-flight requests before returning.
func RunServer(ctx context.Context, cfg config.Config) error {
	if err := configureLogging(cfg); err != nil {
		return err
	}
	c, err := build(cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg, c.projects, c.rules, c.operators, c.orch, c.telemetry, c.limiter, c.metrics)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("broker listening")
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("broker shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

// ReloadRules loads, validates and compiles the rule file into a fresh rule
// store, for the CLI's reload-rules subcommand. It runs in the CLI process
// only: the rule set of a running server is not changed.
func ReloadRules(cfg config.Config) error {
	rules, err := store.NewRuleStore(filepath.Join(cfg.DataDir, "guardrails.json"))
	if err != nil {
		return err
	}
	return rules.Reload()
}

// IssueAdminToken authenticates an operator account against the on-disk
// store and returns a fresh admin session token, for scripting the admin
// surface from the CLI instead of curling the login endpoint.
func IssueAdminToken(cfg config.Config, username, password string) (string, error) {
	operators, err := store.NewOperatorStore(filepath.Join(cfg.DataDir, "operators.json"))
	if err != nil {
		return "", err
	}
	operator, ok := operators.Get(username)
	if !ok || !security.CheckPassword(operator.PasswordHash, password) {
		return "", fmt.Errorf("app: invalid operator credentials")
	}
	return security.GenerateAdminToken(cfg.AdminSessionSecret, username, time.Hour)
}

// CreateOperator bootstraps a new operator account with a bcrypt-hashed
// password, for the CLI's create-operator subcommand.
func CreateOperator(cfg config.Config, username, password string) error {
	operators, err := store.NewOperatorStore(filepath.Join(cfg.DataDir, "operators.json"))
	if err != nil {
		return err
	}
	hash, err := security.HashPassword(password)
	if err != nil {
		return err
	}
	return operators.Upsert(store.Operator{Username: username, PasswordHash: hash})
}
