package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Mindburn-Labs/tiller/pkg/approval"
	"github.com/Mindburn-Labs/tiller/pkg/capability"
	"github.com/Mindburn-Labs/tiller/pkg/chain"
	"github.com/Mindburn-Labs/tiller/pkg/checkpoint"
	"github.com/Mindburn-Labs/tiller/pkg/config"
	"github.com/Mindburn-Labs/tiller/pkg/constitution"
	"github.com/Mindburn-Labs/tiller/pkg/kernel"
	"github.com/Mindburn-Labs/tiller/pkg/observability"
	"github.com/Mindburn-Labs/tiller/pkg/orchestrator"
	"github.com/Mindburn-Labs/tiller/pkg/quota"

	_ "github.com/lib/pq"         // Postgres driver
	_ "modernc.org/sqlite"        // SQLite driver
)

// engine bundles every wired component behind the CLI commands.
type engine struct {
	orch        *orchestrator.Orchestrator
	chain       chain.Chain
	ruleset     *constitution.Ruleset
	registry    *capability.Memory
	approvals   *approval.Gateway
	checkpoints checkpoint.Store
	telemetry   *observability.Provider
	logger      *slog.Logger

	closers []func() error
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close failed", "error", err)
		}
	}
}

// buildEngine wires a full engine from environment config plus an optional
// execution profile. manifestsDir may be empty; the registry starts bare.
func buildEngine(cfg *config.Config, profile *config.ExecutionProfile, manifestsDir string) (*engine, error) {
	logger := newLogger(cfg.LogLevel)

	ruleset, err := constitution.Load(cfg.ConstitutionPath)
	if err != nil {
		return nil, fmt.Errorf("load constitution: %w", err)
	}

	e := &engine{ruleset: ruleset, logger: logger}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	e.telemetry, err = observability.New(context.Background(), obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	e.closers = append(e.closers, func() error {
		return e.telemetry.Shutdown(context.Background())
	})

	e.chain, err = openChain(cfg.ChainDSN, e)
	if err != nil {
		return nil, err
	}

	ckDB, err := sql.Open("sqlite", cfg.CheckpointDSN)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	e.closers = append(e.closers, ckDB.Close)
	e.checkpoints, err = checkpoint.NewSQLite(ckDB)
	if err != nil {
		return nil, fmt.Errorf("init checkpoint store: %w", err)
	}

	e.registry = capability.NewMemory()
	if manifestsDir != "" {
		n, err := loadManifests(e.registry, manifestsDir)
		if err != nil {
			return nil, fmt.Errorf("load manifests: %w", err)
		}
		logger.Info("capability manifests loaded", "dir", manifestsDir, "count", n)
	}

	e.approvals = approval.NewGateway()

	var quotaStore quota.Store
	if cfg.RedisAddr != "" {
		quotaStore = quota.NewRedisStore(cfg.RedisAddr, "", 0, 0)
		logger.Info("quota store: redis", "addr", cfg.RedisAddr)
	} else {
		quotaStore = quota.NewMemoryStore()
	}

	kcfg := kernel.Config{
		Ruleset:  ruleset,
		Registry: e.registry,
		Chain:    e.chain,
		Logger:   logger,
	}
	ocfg := orchestrator.Config{
		Registry:    e.registry,
		Chain:       e.chain,
		Ruleset:     ruleset,
		Approvals:   e.approvals,
		Checkpoints: e.checkpoints,
		QuotaStore:  quotaStore,
		Logger:      logger,
	}
	if profile != nil {
		kcfg.DefaultQuota = profile.Quota.Limits()
		kcfg.Hints = profile.Hints.Policy()
		ocfg.ParallelLimit = profile.ParallelLimit
		ocfg.BaseTimeout = profile.BaseTimeout()
		ocfg.RetryBackoff = profile.RetryBackoff()
		ocfg.ApprovalTimeout = profile.ApprovalTimeout()
	}

	k, err := kernel.New(kcfg)
	if err != nil {
		return nil, fmt.Errorf("init kernel: %w", err)
	}
	ocfg.Kernel = k

	e.orch, err = orchestrator.New(ocfg)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	return e, nil
}

func openChain(dsn string, e *engine) (chain.Chain, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open chain store: %w", err)
		}
		e.closers = append(e.closers, db.Close)
		c, err := chain.NewPostgres(db)
		if err != nil {
			return nil, fmt.Errorf("init chain store: %w", err)
		}
		return c, nil
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chain store: %w", err)
	}
	e.closers = append(e.closers, db.Close)
	c, err := chain.NewSQLite(db)
	if err != nil {
		return nil, fmt.Errorf("init chain store: %w", err)
	}
	return c, nil
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadProfileFlag(profilesDir, code string) (*config.ExecutionProfile, error) {
	if code == "" {
		return nil, nil
	}
	if profilesDir == "" {
		profilesDir = "profiles"
	}
	return config.LoadProfile(profilesDir, code)
}
