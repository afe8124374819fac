package app

import (
	"context"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"ranker/internal/blocklist"
	"ranker/internal/cache"
	"ranker/internal/classifier"
	"ranker/internal/common/logging"
	"ranker/internal/common/utils"
	"ranker/internal/config"
	"ranker/internal/handlers"
	"ranker/internal/orchestrator"
	"ranker/internal/records"
	"ranker/internal/redis"
	"ranker/internal/server"
	"ranker/internal/storage"
	"ranker/internal/storage/postgres"
	"ranker/internal/storage/sqlite"
	"ranker/internal/tasks"
)

// App holds every wired component of the service.
type App struct {
	Config     *config.Config
	Storage    storage.Storage
	Cache      cache.Cache
	Redis      *redis.Client
	Queue      *tasks.Queue
	Orch       *orchestrator.Orchestrator
	Blocklist  *blocklist.Handler
	Handlers   *handlers.Handlers
	Logger     logging.Logger
	cron       *cron.Cron
}

// New wires the application from configuration.
func New(cfg *config.Config) (*App, error) {
	logger := logging.GetGlobalLogger()

	store, err := buildStorage(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:  cfg,
		Storage: store,
		Logger:  logger,
	}

	if err := app.buildCache(); err != nil {
		store.Close()
		return nil, err
	}

	retry := utils.DefaultRetryConfig()
	if cfg.Testing {
		retry.InitialDelay = 0
	}

	factory := orchestrator.NewClientFactory(app.Cache, orchestrator.ClientConfig{
		RankingBatchSize:    cfg.RankingBatchSize,
		RankingBatchWorkers: cfg.RankingWorkers,
		MessagingWorkers:    cfg.MessagingWorkers,
		MessagingPerPage:    cfg.MessagingPerPage,
		MessagingBulkSize:   cfg.MessagingBulkSize,
		NoteWaitRange:       cfg.NoteWaitRangeDuration(),
		CacheTTL:            cfg.CacheTTLDuration(),
		Retry:               retry,
	})

	app.Queue = tasks.NewQueue(cfg.QueueWorkers, logger)

	rec := records.New(store, classifier.New(store), logger)
	app.Orch = orchestrator.New(store, rec, factory, app.Queue, orchestrator.Config{
		ChunkSize:       cfg.SyncChunkSize,
		MaxUsersPerSync: cfg.MaxUsersPerSync,
		UnitMaxRetries:  cfg.UnitMaxRetries,
		UnitRetryDelay:  cfg.UnitRetryDelayDuration(),
	}, logger)
	app.Orch.RegisterUnits()

	app.Blocklist = blocklist.New(store, rec, app.Orch, logger)
	app.Handlers = handlers.New(store, app.Orch, app.Blocklist, factory, cfg, logger)

	return app, nil
}

func buildStorage(cfg *config.Config) (storage.Storage, error) {
	factory := storage.NewFactory()
	factory.Register(storage.TypeSQLite, func() (storage.Storage, error) {
		return sqlite.New(cfg.DatabasePath)
	})
	factory.Register(storage.TypePostgres, func() (storage.Storage, error) {
		port, _ := strconv.Atoi(cfg.PostgresPort)
		return postgres.New(&postgres.Config{
			Host:     cfg.PostgresHost,
			Port:     port,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			Database: cfg.PostgresDB,
			SSLMode:  cfg.PostgresSSLMode,
		})
	})

	storageType := storage.Type(cfg.DatabaseType)
	if cfg.DatabaseType == "postgresql" {
		storageType = storage.TypePostgres
	}
	return factory.Build(storageType)
}

func (a *App) buildCache() error {
	cacheConfig := cache.Config{
		Type: cache.Type(a.Config.CacheBackend),
		TTL:  a.Config.CacheTTLDuration(),
	}

	if cacheConfig.Type == cache.TypeRedis {
		db, _ := strconv.Atoi(a.Config.RedisDB)
		poolSize, _ := strconv.Atoi(a.Config.RedisPoolSize)

		client, err := redis.NewClient(&redis.Config{
			Address:  a.Config.RedisAddress,
			Password: a.Config.RedisPassword,
			DB:       db,
			PoolSize: poolSize,
		})
		if err != nil {
			return err
		}
		a.Redis = client
		cacheConfig.RedisClient = client.Raw()
	}

	c, err := cache.New(cacheConfig)
	if err != nil {
		return err
	}
	a.Cache = c
	return nil
}

// RunServer builds the router and returns a started-ready server.
func (a *App) RunServer() *server.Server {
	router := mux.NewRouter()
	handlers.SetupRoutes(router, a.Handlers)
	return server.New(router, a.Config.Port)
}

// StartScheduler begins periodic full syncs for every project. An empty
// schedule disables it.
func (a *App) StartScheduler() error {
	if a.Config.SyncSchedule == "" {
		return nil
	}

	a.cron = cron.New()
	_, err := a.cron.AddFunc(a.Config.SyncSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		projects, err := a.Storage.ListProjects(ctx)
		if err != nil {
			a.Logger.Error("scheduled sync failed to list projects", err)
			return
		}
		for _, project := range projects {
			if err := a.Orch.SubmitSync(ctx, project.ID); err != nil {
				a.Logger.Error("scheduled sync submit failed", err,
					logging.Int64("project_id", project.ID))
			}
		}
		a.Logger.Info("scheduled sync submitted", logging.Int("projects", len(projects)))
	})
	if err != nil {
		return err
	}

	a.cron.Start()
	return nil
}

// Shutdown drains the queue and releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	if a.Queue != nil {
		if err := a.Queue.Flush(ctx); err != nil {
			a.Logger.Warn("queue did not drain before shutdown")
		}
		a.Queue.Close()
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("failed to close redis client")
		}
	}

	if a.Storage != nil {
		return a.Storage.Close()
	}
	return nil
}
