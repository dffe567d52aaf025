package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ml-workbench/cmd"
	"ml-workbench/internal/config"
	"ml-workbench/internal/core"
	"ml-workbench/internal/database"
	"ml-workbench/internal/dataset"
	"ml-workbench/internal/messaging"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
	WorkDir     string `env:"WORK_DIR" envDefault:"/tmp/workbench"`

	Storage  config.StorageConfig
	Platform config.PlatformConfig
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}
	if cfg.Platform.RoleARN == "" {
		log.Fatalf("SAGEMAKER_ROLE_ARN must be set")
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()

	store, err := cfg.Storage.NewObjectStore(ctx)
	if err != nil {
		log.Fatalf("Worker: Failed to create storage client: %v", err)
	}

	session, err := cfg.Platform.NewSession(ctx)
	if err != nil {
		log.Fatalf("Worker: Failed to create platform session: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	worker := core.NewTaskProcessor(db, store, dataset.NewFetcher(true), session, publisher, reciever, cfg.Platform.RoleARN, filepath.Join(cfg.WorkDir, "worker"))

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutdown signal received, stopping worker...")
		worker.Stop()
	}()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")
	worker.Start()
	log.Println("Worker process stopped.")
}
