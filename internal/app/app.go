// Package app wires every component into a runnable process, grounded
// on the teacher's internal/app.App (logger -> config -> postgres ->
// repos -> services -> handlers -> router construction order, Start/
// Run/Close lifecycle).
package app

import (
	"context"
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/relioncluster/pipeline-orchestrator/internal/cluster"
	"github.com/relioncluster/pipeline-orchestrator/internal/cluster/clustertest"
	"github.com/relioncluster/pipeline-orchestrator/internal/cluster/slurmctl"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/db"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/jobs"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/sessions"
	httpapi "github.com/relioncluster/pipeline-orchestrator/internal/http"
	"github.com/relioncluster/pipeline-orchestrator/internal/http/handlers"
	"github.com/relioncluster/pipeline-orchestrator/internal/notifier"
	"github.com/relioncluster/pipeline-orchestrator/internal/orchestrator"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
	"github.com/relioncluster/pipeline-orchestrator/internal/realtime/bus"
	"github.com/relioncluster/pipeline-orchestrator/internal/watcher"

	"github.com/gin-gonic/gin"
)

type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Router *gin.Engine
	Cfg    Config

	Sessions sessions.SessionRepo
	Jobs     jobs.JobRunRepo
	Engine   *orchestrator.Engine
	Watcher  *watcher.Manager
	Bus      bus.Bus

	cancel context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading environment variables")
	cfg := LoadConfig(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	sessionRepo := sessions.NewSessionRepo(theDB, log)
	jobRepo := jobs.NewJobRunRepo(theDB, log)

	driver := wireClusterDriver(cfg, log)
	watcherMgr := watcher.NewManager(log)

	msgBus, err := wireBus(cfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init bus: %w", err)
	}
	notify := notifier.New(sessionRepo, msgBus, log)

	paths := orchestrator.Paths{BaseDir: cfg.BaseDir}
	engine := orchestrator.NewEngine(sessionRepo, jobRepo, driver, watcherMgr, notify, paths, log)

	sessionHandler := handlers.NewSessionHandler(sessionRepo, jobRepo, engine, watcherMgr, cfg.PartitionDefaults)
	healthHandler := handlers.NewHealthHandler()
	router := httpapi.NewRouter(httpapi.RouterConfig{
		SessionHandler: sessionHandler,
		HealthHandler:  healthHandler,
		Log:            log,
	})

	return &App{
		Log:      log,
		DB:       theDB,
		Router:   router,
		Cfg:      cfg,
		Sessions: sessionRepo,
		Jobs:     jobRepo,
		Engine:   engine,
		Watcher:  watcherMgr,
		Bus:      msgBus,
	}, nil
}

// wireClusterDriver picks the scheduler backend. "fake" runs against an
// in-process simulated driver for local development without a live
// Slurm cluster; any other value (default "slurm") shells out for real.
func wireClusterDriver(cfg Config, log *logger.Logger) cluster.Driver {
	if cfg.ClusterDriver == "fake" {
		log.Warn("using in-process fake cluster driver, no jobs will actually run on a scheduler")
		return clustertest.New()
	}
	return slurmctl.New(log)
}

// wireBus picks the realtime broadcast backend. An empty REDIS_ADDR
// falls back to an in-process bus so a single-node deployment never
// needs a live Redis just to boot.
func wireBus(cfg Config, log *logger.Logger) (bus.Bus, error) {
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set, using in-process bus (no cross-process broadcast)")
		return bus.NewMemoryBus(), nil
	}
	return bus.NewRedisBus(cfg.RedisAddr, cfg.RedisChannel, log)
}

// Start launches the engine's background event loop and resumes any
// session left running across a process restart (spec.md §4.1
// resume_running_after_restart).
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.Engine.Run(ctx)
	if err := a.Engine.ResumeRunningAfterRestart(ctx); err != nil {
		a.Log.Error("resume_running_after_restart failed", "error", err)
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
