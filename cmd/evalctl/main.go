// Command evalctl drives evaluation jobs from the command line and runs the continuation worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-eval/internal/app"
	"github.com/noah-isme/gema-exam-eval/internal/config"
	"github.com/noah-isme/gema-exam-eval/internal/database"
	"github.com/noah-isme/gema-exam-eval/internal/service"
	cloud "github.com/noah-isme/gema-exam-eval/pkg/cloudinary"
)

// runtime is the evaluation stack a command operates on.
type runtime struct {
	config     config.Config
	evaluation *app.Evaluation
	natsConn   *nats.Conn
	logger     zerolog.Logger
	close      func()
}

type runtimeFactory func(ctx context.Context) (*runtime, error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(connectRuntime).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func connectRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("app", "evalctl").Logger()
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	db, err := database.ConnectPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, err
	}
	if err := app.Migrate(db); err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = redisClient.Close() })
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, "evalctl")
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, natsConn.Close)
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
			closeAll()
			return nil, err
		}
		reports = store
	}

	generators, err := app.BuildGenerators(ctx, cfg.AI, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	scorer, err := app.BuildScorer(cfg.AI, logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	evaluation, err := app.NewEvaluation(app.Dependencies{
		Config:    cfg,
		DB:        db,
		Redis:     redisClient,
		NATS:      natsConn,
		Generator: generators,
		Scorer:    scorer,
		Reports:   reports,
		Validator: validator.New(validator.WithRequiredStructEnabled()),
		Logger:    logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	return &runtime{
		config:     cfg,
		evaluation: evaluation,
		natsConn:   natsConn,
		logger:     logger,
		close:      closeAll,
	}, nil
}
