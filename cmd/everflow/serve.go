package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/redis/rueidis"
	"github.com/urfave/cli/v3"

	"github.com/everflow-crm/everflow/pkg/api"
	"github.com/everflow-crm/everflow/pkg/config"
	"github.com/everflow-crm/everflow/pkg/execution/driver"
	"github.com/everflow-crm/everflow/pkg/execution/driver/logdriver"
	"github.com/everflow-crm/everflow/pkg/execution/executor"
	"github.com/everflow-crm/everflow/pkg/execution/gate"
	"github.com/everflow-crm/everflow/pkg/execution/goals"
	"github.com/everflow-crm/everflow/pkg/execution/limiter"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
	"github.com/everflow-crm/everflow/pkg/execution/queue/inmemoryqueue"
	"github.com/everflow-crm/everflow/pkg/execution/queue/redisqueue"
	"github.com/everflow-crm/everflow/pkg/execution/runner"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/execution/state/inmemory"
	"github.com/everflow-crm/everflow/pkg/execution/state/redis_state"
	"github.com/everflow-crm/everflow/pkg/execution/sweeper"
	"github.com/everflow-crm/everflow/pkg/history"
	"github.com/everflow-crm/everflow/pkg/history/memory_history"
	"github.com/everflow-crm/everflow/pkg/history/sqlite_history"
	"github.com/everflow-crm/everflow/pkg/logger"
	"github.com/everflow-crm/everflow/pkg/service"
	"github.com/everflow-crm/everflow/pkg/telemetry"
	"github.com/everflow-crm/everflow/pkg/workflow"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the workflow execution engine.",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a JSON or YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "API listen address",
			},
			&cli.StringFlag{
				Name:  "redis-addr",
				Usage: "Redis address for state and queue; empty runs in-memory",
			},
			&cli.StringFlag{
				Name:  "workflows",
				Usage: "Directory of workflow definition JSON files to load at boot",
			},
			&cli.IntFlag{
				Name:  "queue-workers",
				Usage: "Number of step workers",
			},
		},
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("addr") {
		cfg.Addr = cmd.String("addr")
	}
	if cmd.IsSet("redis-addr") {
		cfg.RedisAddr = cmd.String("redis-addr")
	}
	if cmd.IsSet("queue-workers") {
		cfg.QueueWorkers = int(cmd.Int("queue-workers"))
	}

	log := logger.New(logger.WithLevel(logger.Level(cfg.LogLevel)))
	ctx = logger.With(ctx, log)
	clock := clockwork.NewRealClock()

	var (
		store state.Store
		q     queue.Queue
	)
	if cfg.RedisAddr != "" {
		rc, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress:  []string{cfg.RedisAddr},
			DisableCache: true,
		})
		if err != nil {
			return errors.Wrap(err, "error connecting to redis")
		}
		defer rc.Close()
		store = redis_state.New(rc, clock)
		q = redisqueue.New(rc, clock)
		log.Info("using redis state and queue", "addr", cfg.RedisAddr)
	} else {
		store = inmemory.New(clock)
		q = inmemoryqueue.New(clock)
		log.Warn("using in-memory state and queue; executions do not survive restarts")
	}

	var hist history.Driver
	if cfg.SQLiteHistory || cfg.SQLitePath != "" {
		hist, err = sqlite_history.Open(cfg.SQLitePath)
		if err != nil {
			return errors.Wrap(err, "error opening history database")
		}
	} else {
		hist = memory_history.New()
	}
	defer func() { _ = hist.Close() }()

	loader := workflow.NewInMemoryLoader()
	if dir := cmd.String("workflows"); dir != "" {
		n, err := loadWorkflows(ctx, loader, dir)
		if err != nil {
			return err
		}
		log.Info("loaded workflow definitions", "dir", dir, "count", n)
	}

	metrics := telemetry.NewMetrics()
	registry := driver.NewRegistry(logdriver.Handlers(log)...)
	lim := limiter.New(store, q, clock,
		limiter.WithCapResolver(limiter.StaticCap(cfg.TenantConcurrency)),
		limiter.WithLogger(log),
	)
	exec := executor.New(loader, store, q, hist, registry, lim, clock,
		executor.WithLogger(log),
		executor.WithMetrics(metrics),
	)
	g := gate.New(loader, store, q, lim, hist, clock,
		gate.WithLogger(log),
		gate.WithMetrics(metrics),
	)
	ev := goals.New(loader, store, exec, goals.WithLogger(log))
	sw := sweeper.New(store, q, clock,
		sweeper.WithInterval(cfg.SweepInterval()),
		sweeper.WithLogger(log),
	)
	run := runner.New(loader, store, q, g, exec, ev, sw,
		runner.WithWorkers(cfg.QueueWorkers),
		runner.WithLogger(log),
	)
	a := api.New(api.Options{
		Addr:    cfg.Addr,
		Store:   store,
		History: hist,
		Loader:  loader,
		Engine:  exec,
		Events:  run.HandleEvent,
		Metrics: metrics,
		Logger:  log,
	})

	return service.StartAll(ctx, run, a)
}

// loadWorkflows reads every .json file in dir as a workflow definition and
// registers it with the loader.
func loadWorkflows(ctx context.Context, loader *workflow.InMemoryLoader, dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}
	for _, path := range paths {
		byt, err := os.ReadFile(path)
		if err != nil {
			return 0, errors.Wrapf(err, "error reading workflow file %s", path)
		}
		def := &workflow.Definition{}
		if err := json.Unmarshal(byt, def); err != nil {
			return 0, errors.Wrapf(err, "error parsing workflow file %s", path)
		}
		def.Slugify()
		if err := def.Validate(ctx); err != nil {
			return 0, errors.Wrapf(err, "invalid workflow in %s", path)
		}
		loader.Upsert(def)
	}
	return len(paths), nil
}
