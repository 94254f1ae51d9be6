// mediaforge/cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"mediaforge/api"
	"mediaforge/config"
	"mediaforge/queue"
	"mediaforge/storage"
	"mediaforge/task"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize the external collaborators
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := task.NewRedisStore(rdb, cfg.KeyPrefix, cfg.RecordTTL)

	broker := queue.NewAsynqBroker(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, cfg.JobTimeout, cfg.JobMaxRetry)
	defer broker.Close()

	objects, err := storage.NewS3Store(ctx, storage.S3Options{
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		Endpoint:     cfg.S3Endpoint,
		PublicBase:   cfg.S3PublicBase,
		FetchTimeout: cfg.FetchTimeout,
		MaxFetchSize: cfg.MaxInputSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}

	// 3. Wire the task service and the router
	svc := task.NewService(store, broker, objects, cfg.MaxInputSize)
	health := func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
	router := api.SetupRouter(svc, cfg, health)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 4. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the requests it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	log.Println("Server exiting")
}
