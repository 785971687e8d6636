package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lessonreel/lessonreel-backend/internal/broker"
	"github.com/lessonreel/lessonreel-backend/internal/db"
	httpx "github.com/lessonreel/lessonreel-backend/internal/http"
	httpH "github.com/lessonreel/lessonreel-backend/internal/http/handlers"
	"github.com/lessonreel/lessonreel-backend/internal/logger"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Queue    broker.Broker
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Services Services
	cancel   context.CancelFunc
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

	log.Info("Loading environment variables...")
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

	queue, err := wireQueue(log, cfg)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init queue: %w", err)
	}

	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(theDB, log, cfg, reposet, queue)
	if err != nil {
		log.Sync()
		return nil, err
	}

	router := httpx.NewRouter(httpx.RouterConfig{
		Log:             log,
		ContentHandler:  httpH.NewContentHandler(log, serviceset.Requests),
		PipelineHandler: httpH.NewPipelineHandler(log, queue),
		HealthHandler:   httpH.NewHealthHandler(),
	})

	return &App{
		Log:      log,
		DB:       theDB,
		Queue:    queue,
		Router:   router,
		Cfg:      cfg,
		Repos:    reposet,
		Services: serviceset,
	}, nil
}

// Start launches the pipeline worker pool and the requeue sweep.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Services.Worker != nil {
		a.Services.Worker.Start(ctx)
	}
	go a.runRequeueSweep(ctx)
}

// runRequeueSweep periodically republishes requests whose intake-time
// publish failed. Harmless when it races a late publish: delivery is
// at-least-once and the worker tolerates duplicates.
func (a *App) runRequeueSweep(ctx context.Context) {
	if a.Cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Services.Requests.RequeueStale(ctx, a.Cfg.SweepOlderThan, 100)
			if err != nil {
				a.Log.Error("Requeue sweep failed", "error", err)
			} else if n > 0 {
				a.Log.Info("Requeue sweep republished requests", "count", n)
			}
		}
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
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
