// Package processor wires the reward processing service: ClickHouse event
// log in, PostgreSQL reward rows out, driven by a cron tick.
package processor

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/driftmark/rewards/pkg/db/clickhouse"
	"github.com/driftmark/rewards/pkg/db/events"
	"github.com/driftmark/rewards/pkg/db/postgres"
	rewardsdb "github.com/driftmark/rewards/pkg/db/rewards"
	"github.com/driftmark/rewards/pkg/logging"
	"github.com/driftmark/rewards/pkg/partition"
	enginepkg "github.com/driftmark/rewards/pkg/processor"
	"github.com/driftmark/rewards/pkg/reward"
	"github.com/driftmark/rewards/pkg/snapshot"
	"github.com/driftmark/rewards/pkg/utils"
)

// App holds the processing service's wiring for one deployment.
type App struct {
	Events  *events.DB
	Rewards *rewardsdb.DB

	Processor  *enginepkg.Processor
	Deployment string

	Cron     *cron.Cron
	CronSpec string

	Logger *zap.Logger
	Server *http.Server
}

// Initialize connects both databases and builds the processor from the
// environment. SEED_SALT is required unless SEED_OVERRIDE pins the epoch seed
// for replay runs.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	chClient, err := clickhouse.New(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to ClickHouse", zap.Error(err))
	}
	eventsDB := events.NewDB(chClient)

	pgClient, err := postgres.New(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to PostgreSQL", zap.Error(err))
	}
	rewardsDB, err := rewardsdb.New(ctx, pgClient)
	if err != nil {
		logger.Fatal("Unable to initialize rewards database", zap.Error(err))
	}

	seeder, err := buildSeeder()
	if err != nil {
		logger.Fatal("Seed configuration invalid", zap.Error(err))
	}

	weights := reward.WeightTable{}
	if raw := utils.Env("TOKEN_WEIGHTS", ""); raw != "" {
		weights, err = reward.ParseWeightTable(raw)
		if err != nil {
			logger.Fatal("TOKEN_WEIGHTS invalid", zap.Error(err))
		}
	}

	deployment := utils.Env("DEPLOYMENT", "ethereum")
	proc := enginepkg.New(logger, eventsDB, rewardsDB, snapshot.NewGenerator(seeder), weights, enginepkg.Options{
		Deployment:     deployment,
		BlockBatchSize: utils.EnvUint64("BLOCK_BATCH_SIZE", 1000),
		Workers:        utils.EnvInt("PROCESSOR_WORKERS", 8),
	})

	app := &App{
		Events:     eventsDB,
		Rewards:    rewardsDB,
		Processor:  proc,
		Deployment: deployment,
		CronSpec:   utils.Env("PROCESS_CRON", "0 */2 * * * *"),
		Logger:     logger,
	}

	if err := app.SetupScheduler(ctx, cron.DefaultLogger); err != nil {
		return nil, err
	}
	return app, nil
}

func buildSeeder() (partition.Seeder, error) {
	if _, ok := os.LookupEnv("SEED_OVERRIDE"); ok {
		return partition.NewFixedSeeder(utils.EnvUint64("SEED_OVERRIDE", 0)), nil
	}
	return partition.NewSeeder(utils.Env("SEED_SALT", ""))
}

// ProcessOnce runs a single pass up to the newest ingested block.
func (a *App) ProcessOnce(ctx context.Context) {
	endBlock, err := a.Events.LatestBlock(ctx)
	if err != nil {
		a.Logger.Error("Unable to resolve latest block", zap.Error(err))
		return
	}
	if endBlock == 0 {
		a.Logger.Info("No blocks ingested yet, skipping pass")
		return
	}

	start := time.Now()
	if err := a.Processor.Run(ctx, endBlock); err != nil {
		a.Logger.Error("Processing pass failed",
			zap.Uint64("end_block", endBlock),
			zap.Error(err))
		return
	}
	a.Logger.Info("Processing pass complete",
		zap.String("deployment", a.Deployment),
		zap.Uint64("end_block", endBlock),
		zap.Duration("duration", time.Since(start)))
}

// SetupScheduler registers the processing tick. SkipIfStillRunning keeps a
// long pass from stacking on top of itself.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger) error {
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	_, err := a.Cron.AddFunc(a.CronSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
		defer cancel()
		a.ProcessOnce(rctx)
	})
	return err
}

// StartCron starts the scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec))
}

// StopCron stops the scheduler and waits for a running pass to let go.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// SetupServer exposes liveness and readiness probes.
func (a *App) SetupServer() {
	addr := utils.Env("ADDR", ":3004")

	r := mux.NewRouter()
	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")

	a.Server = &http.Server{Addr: addr, Handler: r}
}

// Start serves probes until the context is cancelled, then shuts everything
// down.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()
	_ = a.Server.Close()
	a.Logger.Info("Shutting down")
	a.StopCron()
	a.Processor.Close()
	_ = a.Events.Close()
	a.Rewards.Close()
}
