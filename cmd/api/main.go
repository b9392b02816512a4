package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-eval/internal/app"
	"github.com/noah-isme/gema-exam-eval/internal/config"
	"github.com/noah-isme/gema-exam-eval/internal/database"
	"github.com/noah-isme/gema-exam-eval/internal/handler"
	"github.com/noah-isme/gema-exam-eval/internal/middleware"
	"github.com/noah-isme/gema-exam-eval/internal/router"
	"github.com/noah-isme/gema-exam-eval/internal/service"
	cloud "github.com/noah-isme/gema-exam-eval/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := app.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis not configured, review queue and job lease disabled")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	} else {
		logger.Warn().Msg("nats not configured, continuations run in this process")
	}

	var reports service.ReportUploader
	if cfg.CloudinaryEnabled() {
		store, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		reports = store
	}

	generators, err := app.BuildGenerators(ctx, cfg.AI, logger)
	if err != nil {
		log.Fatalf("failed to configure generators: %v", err)
	}
	scorer, err := app.BuildScorer(cfg.AI, logger)
	if err != nil {
		log.Fatalf("failed to configure scorer: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	evaluation, err := app.NewEvaluation(app.Dependencies{
		Config:    cfg,
		DB:        db,
		Redis:     redisClient,
		NATS:      natsConn,
		Generator: generators,
		Scorer:    scorer,
		Reports:   reports,
		Validator: validate,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to wire evaluation runner: %v", err)
	}
	evaluation.LiveLog.Start(ctx)

	// Without a broker the API process drains its own continuations.
	if natsConn == nil {
		go func() {
			if err := evaluation.Continuations.Consume(ctx, evaluation.Controller); err != nil {
				logger.Error().Err(err).Msg("continuation consumer stopped")
			}
		}()
	}

	deps := router.Dependencies{
		EvaluationHandler: handler.NewEvaluationHandler(evaluation.Service, validate, logger),
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	}
	if evaluation.Reviews != nil {
		deps.ReviewQueueHandler = handler.NewReviewQueueHandler(evaluation.Reviews, logger)
	}

	server := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(server, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(server, cfg, deps)

	go func() {
		if err := server.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(ctx, server)
}

func waitForShutdown(ctx context.Context, server *fiber.App) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
