package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yoockh/threadline/config"
	"github.com/yoockh/threadline/internal/api/handlers"
	"github.com/yoockh/threadline/internal/api/middleware"
	"github.com/yoockh/threadline/internal/api/routes"
	"github.com/yoockh/threadline/internal/cache"
	"github.com/yoockh/threadline/internal/client"
	"github.com/yoockh/threadline/internal/logger"
	"github.com/yoockh/threadline/internal/providers/llm"
	mongorepo "github.com/yoockh/threadline/internal/repositories/mongo"
	pgrepo "github.com/yoockh/threadline/internal/repositories/postgres"
	"github.com/yoockh/threadline/internal/services"
	"github.com/yoockh/threadline/internal/storage"
	"github.com/yoockh/threadline/internal/utils"
	"github.com/yoockh/threadline/internal/workers"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config load failed")
	}
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(cfg *config.AppConfig, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := config.InitPostgres(cfg)
	if err != nil {
		return err
	}
	log.Info("PostgreSQL connected")

	mongoClient, err := config.InitMongo(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	mdb := mongoClient.Database(cfg.MongoDB)
	if err := config.EnsureMongoIndexes(ctx, mdb); err != nil {
		return err
	}
	log.Info("MongoDB connected")

	rdb, err := config.InitRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()
	log.Info("Redis connected")

	box, err := utils.NewSecretBox(cfg.CredentialSecret)
	if err != nil {
		return err
	}

	var uploader storage.Uploader = storage.Discard{}
	if cfg.ExportBucket != "" {
		gcs, err := storage.NewGCSUploader(ctx, cfg.ExportBucket)
		if err != nil {
			return err
		}
		defer gcs.Close()
		uploader = gcs
	} else {
		log.Warn("EXPORT_BUCKET not set; exports are discarded")
	}

	var counter services.TokenCounter = services.HeuristicCounter{}
	if strings.EqualFold(cfg.Tokenizer, "tiktoken") {
		tc, err := services.NewTiktokenCounter()
		if err != nil {
			return err
		}
		counter = tc
	}

	providers := llm.NewRegistry(
		llm.GeminiProvider(),
		llm.OpenAIProvider(cfg.OpenAIBaseURL, &http.Client{}),
		llm.MockProvider(30*time.Millisecond),
	)
	if cfg.VertexProject != "" {
		providers.Register(llm.VertexProvider(cfg.VertexProject, cfg.VertexLocation))
	}

	threadRepo := pgrepo.NewThreadRepo(db)
	journal := mongorepo.NewChunkRepo(mdb)
	guard := services.NewRedisGuard(rdb, cfg.GenerationLockTTL, log)

	threads := services.NewThreadService(threadRepo, cache.NewRedisCache(rdb, "threadline:"), cfg.ThreadCacheTTL, log)
	creds := services.NewCredentialService(pgrepo.NewCredentialRepo(db), box)
	completions := services.NewCompletionService(services.CompletionDeps{
		Threads:         threads,
		Creds:           creds,
		Providers:       providers,
		Fitter:          services.NewContextFitter(counter, cfg.ContextTokenBudget, cfg.SystemPrompt),
		Guard:           guard,
		Events:          services.NewRedisEventPublisher(rdb),
		Journal:         journal,
		Logger:          log,
		ProviderTimeout: cfg.ProviderTimeout,
		JournalTTL:      cfg.ChunkJournalTTL,
		TokenBudget:     cfg.ContextTokenBudget,
	})
	exports := services.NewExportService(threads, rdb, uploader)

	direct := client.NewDirect(threads, completions)
	var remote client.DomainClient
	if cfg.RemoteBaseURL != "" {
		remote = client.NewRemote(client.RemoteConfig{
			BaseURL:       cfg.RemoteBaseURL,
			Token:         cfg.InternalAPIToken,
			Timeout:       cfg.RemoteTimeout,
			StreamTimeout: max(cfg.RemoteStreamTimeout, cfg.ProviderTimeout+cfg.RemoteTimeout),
		})
	}
	mode, err := client.ParseMode(cfg.ClientMode)
	if err != nil {
		return err
	}
	if mode == client.ModeRemote && remote == nil {
		return errors.New("CLIENT_MODE=remote requires REMOTE_BASE_URL")
	}
	selector := client.NewSelector(direct, remote, mode, cfg.Production())

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	routes.RegisterRoutes(r, routes.Deps{
		Threads:     handlers.NewThreadHandler(),
		Completions: handlers.NewCompletionHandler(),
		Credentials: handlers.NewCredentialHandler(creds, providers),
		Exports:     handlers.NewExportHandler(exports),
		WS:          handlers.NewWSHandler(rdb, journal, log, nil),
		Selector:    selector,
		Direct:      direct,
		JWT: middleware.JWTConfig{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		},
		InternalToken: cfg.InternalAPIToken,
		Limiter:       limiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pool := &workers.ExportWorkerPool{
		Redis:      rdb,
		Exports:    exports,
		NumWorkers: cfg.ExportWorkers,
		Logger:     log,
	}
	sweeper := &workers.StaleSweeper{
		Repo:    threadRepo,
		Threads: threads,
		Guard:   guard,
		Logger:  log,
		After:   cfg.StaleGenerationAfter,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"port":        cfg.Port,
			"client_mode": selector.Default(),
			"providers":   providers.Names(),
		}).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := pool.Start(gctx); err != nil {
			return err
		}
		pool.Wait()
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				limiter.Prune(30 * time.Minute)
			}
		}
	})

	return g.Wait()
}
