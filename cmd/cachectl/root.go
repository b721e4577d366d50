package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	appparam "github.com/paramcache/backend/internal/application/parameter"
	"github.com/paramcache/backend/internal/infrastructure/cache"
	"github.com/paramcache/backend/internal/infrastructure/config"
	"github.com/paramcache/backend/internal/infrastructure/logger"
	"github.com/paramcache/backend/internal/infrastructure/paramclient"
	"github.com/paramcache/backend/internal/infrastructure/persistence"
	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

// runtime is what a command needs to reach the cache
type runtime struct {
	svc   *appparam.CacheService
	close func() error
}

// deps builds the runtime; tests swap both functions
type deps struct {
	loadConfig func(file string) (*config.Config, error)
	open       func(cfg *config.Config) (*runtime, error)
}

func defaultDeps() deps {
	return deps{loadConfig: config.LoadFrom, open: openRuntime}
}

// openRuntime connects to Redis without the in-memory fallback: a CLI working
// on a private store would report and invalidate nothing.
func openRuntime(cfg *config.Config) (*runtime, error) {
	logCfg := logger.FromConfig(cfg.App, cfg.Log)
	logCfg.Output = "stderr"
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	stores, err := cache.NewStoreFactory(cfg.Redis, cfg.Cache,
		cache.WithLogger(log), cache.WithInMemoryFallback(false)).CreateStores()
	if err != nil {
		return nil, err
	}

	repoOpts, err := persistence.OptionsFromConfig(cfg.Cache)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	repos, err := persistence.NewRepositories(stores.Hash, append(repoOpts, persistence.WithLogger(log))...)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	upstream, err := paramclient.New(cfg.Upstream, paramclient.WithLogger(log))
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	svc := appparam.NewCacheService(repos.DocumentTypes, repos.SystemRates, repos.SystemDates, upstream,
		appparam.WithLogger(log),
		appparam.WithBroadcaster(stores.Broadcaster),
		appparam.WithLocalTTL(cfg.Cache.LocalTTL),
	)
	return &runtime{
		svc: svc,
		close: func() error {
			svc.Close()
			_ = log.Sync()
			return stores.Close()
		},
	}, nil
}

type rootOptions struct {
	configFile string
	jsonOutput bool
	deps       deps
}

func newRootCmd(d deps) *cobra.Command {
	opts := &rootOptions{deps: d}

	cmd := &cobra.Command{
		Use:          "cachectl",
		Short:        "Inspect and invalidate the parameter cache",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default: ./config.toml)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print JSON")

	cmd.AddCommand(
		getInvalidateCmd(opts),
		getStatsCmd(opts),
		getPopulateCmd(opts),
		getGetCmd(opts),
		getTokenCmd(opts),
	)
	return cmd
}

// withRuntime loads config, opens the runtime and runs fn under a timeout
func (o *rootOptions) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := o.deps.loadConfig(o.configFile)
	if err != nil {
		return err
	}
	rt, err := o.deps.open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	return fn(ctx, rt)
}

// print writes v as indented JSON, or calls text when --json is off
func (o *rootOptions) print(w io.Writer, v any, text func(io.Writer) error) error {
	if o.jsonOutput || text == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}
