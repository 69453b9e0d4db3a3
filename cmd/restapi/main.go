package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anypay/prices/cmd/restapi/internal/api"
	"github.com/anypay/prices/pkg/config"
	"github.com/anypay/prices/pkg/repository"
	"github.com/anypay/prices/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	if cfg.App.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("Failed to open Postgres", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(db, logger); err != nil {
		logger.Fatal("Failed to migrate Postgres", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	cache := repository.NewRedisStore(rdb, cfg.Redis.TTL)
	defer cache.Close()

	handler := api.NewHandler(postgres.New(db), cache, logger)
	srv := &http.Server{
		Addr:              cfg.App.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("REST API Started", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("REST API stopped", zap.Error(err))
	}
	logger.Info("Shutdown Complete")
}
