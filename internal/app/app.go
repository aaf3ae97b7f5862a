package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/recollect-ai/recollect-backend/internal/data/db"
	"github.com/recollect-ai/recollect-backend/internal/observability"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/rpc"
	"github.com/recollect-ai/recollect-backend/internal/server"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Clients  Clients
	Repos    Repos
	Services Services
	Handlers Handlers
	Router   *gin.Engine

	httpServer   *server.Server
	ingest       *rpc.IngestServer
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
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

	log.Info("Loading configuration...")
	cfg := LoadConfig(log)

	observability.Init(log)
	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "recollect",
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	theDB, err := openDatabase(log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}

	clientset, err := wireClients(log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}

	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(theDB, log, cfg, reposet, clientset)
	if err != nil {
		clientset.Close()
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(theDB, log, serviceset)
	authMiddleware := wireMiddleware(log, serviceset)
	router := wireRouter(log, cfg, handlerset, authMiddleware)

	return &App{
		Log:          log,
		DB:           theDB,
		Cfg:          cfg,
		Clients:      clientset,
		Repos:        reposet,
		Services:     serviceset,
		Handlers:     handlerset,
		Router:       router,
		otelShutdown: otelShutdown,
	}, nil
}

func openDatabase(log *logger.Logger, cfg Config) (*gorm.DB, error) {
	switch cfg.StoreType {
	case "sqlite":
		svc, err := db.NewSQLiteService(log)
		if err != nil {
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
		if err := svc.AutoMigrateAll(); err != nil {
			return nil, fmt.Errorf("sqlite automigrate: %w", err)
		}
		return svc.DB(), nil
	case "postgres", "":
		svc, err := db.NewPostgresService(log)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		if err := svc.AutoMigrateAll(); err != nil {
			return nil, fmt.Errorf("postgres automigrate: %w", err)
		}
		return svc.DB(), nil
	default:
		return nil, configErrf("unknown STORE_TYPE %q", cfg.StoreType)
	}
}

// Start launches the background loops. Safe to call once; the loops stop
// when Close cancels their context.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.Services.Indexer.Start(ctx)
	a.Services.Resumer.Start(ctx)
	a.Services.Attachment.StartSweeper(ctx)
	a.Services.Episodic.StartTTL(ctx)
	a.Services.Eviction.Start(ctx)
	a.Services.JobWorker.Start(ctx)

	if m := observability.Current(); m != nil {
		m.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
		m.StartPostgresCollector(ctx, a.Log, a.DB)
		m.StartTaskQueueCollector(ctx, a.Log, a.DB)
		if a.Cfg.CacheType == "redis" {
			m.StartRedisCollector(ctx, a.Log, os.Getenv("REDIS_ADDR"))
		}
	}

	if a.Cfg.IngestAddr != "" {
		a.ingest = rpc.NewIngestServer(a.Log, a.Services.Identity, a.Services.Resumer)
		go func() {
			if err := a.ingest.Serve(a.Cfg.IngestAddr); err != nil {
				a.Log.Error("Ingest server failed", "error", err)
			}
		}()
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	a.httpServer = server.New(a.Router)
	return a.httpServer.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.ingest != nil {
		a.ingest.Stop()
	}
	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.httpServer.Shutdown(ctx)
		cancel()
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
	}
	a.Clients.Close()
	if a.Log != nil {
		a.Log.Sync()
	}
}
