package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/guideforge-backend/internal/clients/converter"
	redisbus "github.com/yungbote/guideforge-backend/internal/clients/redis"
	"github.com/yungbote/guideforge-backend/internal/clients/search"
	"github.com/yungbote/guideforge-backend/internal/clients/writer"
	"github.com/yungbote/guideforge-backend/internal/data/db"
	"github.com/yungbote/guideforge-backend/internal/data/repos"
	httpserver "github.com/yungbote/guideforge-backend/internal/http"
	httpH "github.com/yungbote/guideforge-backend/internal/http/handlers"
	"github.com/yungbote/guideforge-backend/internal/observability"
	"github.com/yungbote/guideforge-backend/internal/pipeline/planner"
	"github.com/yungbote/guideforge-backend/internal/pipeline/steps"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
	"github.com/yungbote/guideforge-backend/internal/services"
	"github.com/yungbote/guideforge-backend/internal/temporalx"
	"github.com/yungbote/guideforge-backend/internal/temporalx/guiderun"
	"github.com/yungbote/guideforge-backend/internal/temporalx/temporalworker"
	"github.com/yungbote/guideforge-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "guideforge-backend",
		Environment: utils.GetEnv("APP_ENV", "development", log),
		Version:     utils.GetEnv("APP_VERSION", "dev", log),
	})
	if otelShutdown != nil {
		defer func() { _ = otelShutdown(context.Background()) }()
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	defer postgresService.Close()
	if err := db.AutoMigrateAll(postgresService.DB()); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	runRepo := repos.NewGuideRunRepo(thePG, log)
	fileRepo := repos.NewSourceFileRepo(thePG, log)
	guideRepo := repos.NewGuideRepo(thePG, log)

	// Event bus (optional)
	var notify services.RunNotifier = services.NopRunNotifier()
	if os.Getenv("REDIS_ADDR") != "" {
		bus, err := redisbus.NewEventBus(log)
		if err != nil {
			log.Warn("Redis event bus init failed; run events disabled", "error", err)
		} else {
			defer bus.Close()
			notify = services.NewRunNotifier(bus, log)
		}
	}

	// Pipeline clients and steps
	cfg := planner.Default()
	convClient := converter.NewSimulated(converter.ConfigFromEnv(log), log)
	searchClient := search.NewSimulated(search.ConfigFromEnv(log), log)
	writerClient := writer.NewSimulated(writer.ConfigFromEnv(log), log)

	convertStep := steps.NewConvertFileStep(steps.ConvertFileDeps{
		Log:         log,
		Files:       fileRepo,
		Converter:   convClient,
		LeaseExpiry: cfg.LeaseExpiry,
	})
	generateStep := steps.NewGenerateGuideStep(steps.GenerateGuideDeps{
		Log:         log,
		Files:       fileRepo,
		Guides:      guideRepo,
		Search:      searchClient,
		Writer:      writerClient,
		LeaseExpiry: cfg.LeaseExpiry,
	})
	reconciler := steps.NewReconciler(runRepo, fileRepo, guideRepo, log)

	// Temporal
	tc, err := temporalx.NewClient(log)
	if err != nil {
		log.Error("Temporal client init failed", "error", err)
		os.Exit(1)
	}
	if tc != nil {
		defer tc.Close()
		acts := &guiderun.Activities{
			Log:        log,
			Cfg:        cfg,
			Runs:       runRepo,
			Files:      fileRepo,
			Guides:     guideRepo,
			Convert:    convertStep,
			Generate:   generateStep,
			Reconciler: reconciler,
			Notify:     notify,
		}
		runner, err := temporalworker.NewRunner(log, tc, acts)
		if err != nil {
			log.Error("Temporal worker init failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Start(ctx); err != nil {
			log.Error("Temporal worker start failed", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("Running without Temporal; runs cannot be processed")
	}

	// Services
	log.Info("Setting up Services from main...")
	runService := services.NewRunService(log, runRepo, fileRepo, guideRepo, tc, temporalx.LoadConfig().TaskQueue, notify)

	// Handlers + router
	log.Info("Setting up handlers from main...")
	runHandler := httpH.NewRunHandler(runService)
	healthHandler := httpH.NewHealthHandler()

	srv := httpserver.NewServer(httpserver.RouterConfig{
		RunHandler:    runHandler,
		HealthHandler: healthHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	log.Info("Server listening", "port", port)
	if err := srv.Run(":" + port); err != nil {
		log.Error("Server exited", "error", err)
		os.Exit(1)
	}
}
