// mediaforge/cmd/worker/main.go
package main

import (
	"context"
	"log"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"mediaforge/config"
	"mediaforge/storage"
	"mediaforge/task"
	"mediaforge/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := task.NewRedisStore(rdb, cfg.KeyPrefix, cfg.RecordTTL)

	objects, err := storage.NewS3Store(context.Background(), storage.S3Options{
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

	executor := worker.NewExecutor(store, objects, worker.Throttle{
		CPU:     cfg.ThrottleCPU,
		FreeMem: cfg.ThrottleFreeMem,
	})
	executor.Register(worker.ImageCompressor{})
	executor.Register(worker.ImageResizer{})
	executor.Register(worker.ImageConverter{})
	executor.Register(worker.PDFCompressor{})
	executor.Register(worker.PDFMerger{})
	executor.Register(worker.PDFExtractor{})

	srv := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.MaxConcurrency,
	})

	log.Printf("Worker started. Concurrency limit: %d", cfg.MaxConcurrency)
	if err := srv.Run(executor.Mux()); err != nil {
		log.Fatalf("Worker stopped: %v", err)
	}
}
