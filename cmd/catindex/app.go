package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/catindex/pkg/audit"
	"github.com/orneryd/catindex/pkg/category"
	"github.com/orneryd/catindex/pkg/config"
	"github.com/orneryd/catindex/pkg/kv"
	"github.com/orneryd/catindex/pkg/reconcile"
)

// app is everything one command needs, opened from config and flags.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   kv.Store
	journal *audit.Logger
	engine  *reconcile.Engine
	jsonOut bool
	out     *printer
}

// openApp loads configuration, opens the store and, when withEngine is set,
// builds the engine with its alias table and journal.
func openApp(cmd *cobra.Command, withEngine bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.ApplyRuntimeMemory()

	logger, err := config.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	jsonOut, _ := cmd.Flags().GetBool("json")
	a := &app{cfg: cfg, log: logger, jsonOut: jsonOut, out: &printer{w: cmd.OutOrStdout()}}

	a.store, err = openStore(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Debug("store opened", zap.String("config", cfg.String()))

	if !withEngine {
		return a, nil
	}

	canon, err := loadCanonicalizer(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.journal, err = audit.NewLogger(audit.Config{
		Enabled:       cfg.Audit.Enabled,
		LogPath:       cfg.Audit.LogPath,
		SyncWrites:    cfg.Audit.SyncWrites,
		IncludeDryRun: cfg.Audit.IncludeDryRun,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = reconcile.New(a.store, canon, reconcile.Config{
		Concurrency: cfg.Engine.ScanConcurrency,
		Logger:      logger,
		Journal:     a.journal,
	})
	logger.Debug("engine ready",
		zap.String("alias_version", canon.Table().Version()),
		zap.String("alias_fingerprint", canon.Table().Fingerprint()))
	return a, nil
}

// Close releases the journal and the store and flushes the logger.
func (a *app) Close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
	return errors.Join(errs...)
}

// context bounds a command by the operation timeout and by SIGINT/SIGTERM.
func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Engine.OperationTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// print writes v as JSON with --json, otherwise renders it with human.
func (a *app) print(v any, human func(p *printer)) error {
	if a.jsonOut {
		return a.out.json(v)
	}
	human(a.out)
	return a.out.err
}

// loadConfig reads the .env file, the environment, then flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	cfg := config.LoadFromEnv()
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Store.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("data-dir") {
		cfg.Store.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("alias-file") {
		cfg.Engine.AliasFile, _ = flags.GetString("alias-file")
	}
	if flags.Changed("concurrency") {
		cfg.Engine.ScanConcurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("timeout") {
		cfg.Engine.OperationTimeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if noAudit, _ := flags.GetBool("no-audit"); noAudit {
		cfg.Audit.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (kv.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("using the in-memory store; nothing will be persisted")
		return kv.NewMemoryStore(), nil
	default:
		if err := os.MkdirAll(cfg.Store.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		store, err := kv.NewBadgerStoreWithOptions(kv.BadgerOptions{
			DataDir:    cfg.Store.DataDir,
			SyncWrites: cfg.Store.SyncWrites,
			Logger:     kv.NewZapBadgerLogger(logger),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func loadCanonicalizer(cfg *config.Config) (*category.Canonicalizer, error) {
	if cfg.Engine.AliasFile == "" {
		return category.NewCanonicalizer(category.DefaultAliases()), nil
	}
	table, err := category.LoadAliasFile(cfg.Engine.AliasFile)
	if err != nil {
		return nil, err
	}
	return category.NewCanonicalizer(table), nil
}

// keyInfo is one line of `catindex keys`.
type keyInfo struct {
	Key     string `json:"key"`
	Kind    string `json:"kind"`
	Members int    `json:"members,omitempty"`
	Bytes   int    `json:"bytes,omitempty"`
}

func listKeys(ctx context.Context, store kv.Store, prefix string) ([]keyInfo, error) {
	keys, err := store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]keyInfo, 0, len(keys))
	for _, key := range keys {
		v := store.Get(ctx, key)
		info := keyInfo{Key: key, Kind: v.Kind.String()}
		switch v.Kind {
		case kv.KindSet:
			info.Members = len(v.Members)
		case kv.KindString:
			info.Bytes = len(v.Str)
		}
		out = append(out, info)
	}
	return out, nil
}

func journalQuery(cmd *cobra.Command) (audit.Query, error) {
	flags := cmd.Flags()
	var q audit.Query
	q.RunID, _ = flags.GetString("run")
	q.Key, _ = flags.GetString("key")
	q.EntityID, _ = flags.GetString("entity")
	q.Limit, _ = flags.GetInt("limit")
	if since, _ := flags.GetDuration("since"); since > 0 {
		q.StartTime = time.Now().Add(-since)
	}
	if failed, _ := flags.GetBool("failed"); failed {
		success := false
		q.Success = &success
	}
	if q.Limit < 0 {
		return q, fmt.Errorf("invalid limit: %d", q.Limit)
	}
	return q, nil
}

// queryJournal runs q and, when it names a run, summarizes that run.
func queryJournal(path string, q audit.Query) (*audit.QueryResult, *audit.RunSummary, error) {
	reader := audit.NewReader(path)
	result, err := reader.Query(q)
	if err != nil {
		return nil, nil, err
	}
	if q.RunID == "" {
		return result, nil, nil
	}
	summary, err := reader.SummarizeRun(q.RunID)
	if err != nil {
		return nil, nil, err
	}
	return result, summary, nil
}
