package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/menta2k/retina-grader/internal/auth"
	"github.com/menta2k/retina-grader/internal/repository"
	"github.com/menta2k/retina-grader/internal/service"
	"github.com/menta2k/retina-grader/pkg/pipeline"
	"github.com/menta2k/retina-grader/pkg/processing"
	"github.com/menta2k/retina-grader/pkg/types"
)

var (
	serveModel modelFlags
	servePort  int
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve the grading HTTP API",
	Description: `Serve exposes GET /health, POST /predict (multipart field "image") and GET /result/:id.
Results are cached in Redis when server.redis_addr (REDIS_ADDR) is set and in memory otherwise.
Predictions are logged to Postgres when server.database_dsn (DATABASE_DSN) is set.
/predict and /result require a bearer token when server.jwt_secret (JWT_SECRET) is set.`,
	Flags: append([]cli.Flag{
		&cli.IntFlag{
			Name:        "port",
			Usage:       "Listen port (default from config)",
			Aliases:     []string{"p"},
			Destination: &servePort,
		},
	}, modelFlagSet(&serveModel)...),
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		serveModel.apply(cfg)
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		opts, err := pipelineOptions(cfg, logger)
		if err != nil {
			return err
		}

		initCtx, cancel := context.WithTimeout(ctx.Context, 15*time.Second)
		defer cancel()

		// The API stays up without a model so /health can report it
		model, err := loadModel(initCtx, cfg, logger)
		if err != nil {
			logger.Error(types.StatusModelInitError, zap.Error(err))
			model = &loadedModel{}
		}
		defer func() {
			if err := model.Close(); err != nil {
				logger.Warn("failed to release model", zap.Error(err))
			}
		}()
		p := pipeline.New(model.classifier, opts...)

		var repo service.PredictionRepository
		if cfg.Server.DatabaseDSN != "" {
			db, err := initDatabase(initCtx, cfg.Server.DatabaseDSN, logger)
			if err != nil {
				return err
			}
			predictionRepo := repository.NewPredictionRepository(db, logger)
			if err := predictionRepo.AutoMigrate(initCtx); err != nil {
				return fmt.Errorf("auto migrate failed: %w", err)
			}
			repo = predictionRepo
		}

		var cache service.Cache = service.NewMemoryCache()
		if cfg.Server.RedisAddr != "" {
			redisCtx, redisCancel := context.WithTimeout(initCtx, 5*time.Second)
			redisClient, err := initRedis(redisCtx, cfg.Server.RedisAddr)
			redisCancel()
			if err != nil {
				return err
			}
			defer redisClient.Close()
			cache = service.NewRedisCache(redisClient)
		}

		uc := service.NewPredictionUseCase(p, processing.NewProcessor(), repo, cache, cfg.CacheTTL(), logger)

		if !debug {
			gin.SetMode(gin.ReleaseMode)
		}
		maxUpload := int64(cfg.Server.MaxUploadMB) << 20
		r := gin.Default()
		r.MaxMultipartMemory = maxUpload

		var authMiddleware gin.HandlerFunc
		if cfg.Server.JWTSecret != "" {
			authMiddleware = auth.JWTMiddleware(cfg.Server.JWTSecret, cfg.Server.JWTAudience)
		} else {
			logger.Warn("JWT secret not set, /predict and /result are unauthenticated")
		}
		service.RegisterRoutes(r, uc, authMiddleware, service.WithMaxUploadSize(maxUpload))

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		server := &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		logger.Info("retina grader listening",
			zap.String("addr", addr),
			zap.String("backend", cfg.Model.Backend),
			zap.Bool("model_ready", p.Ready()),
		)
		return serveHTTPServer(server, cfg.ShutdownGrace(), logger)
	},
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	zapLogger.Info("database connected")
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
