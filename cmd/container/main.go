// Command container is the entry point of the training and serving image.
// The platform runs it as "container train" for training jobs and
// "container serve" for endpoints.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ml-workbench/internal/config"
	"ml-workbench/internal/server"
	"ml-workbench/internal/storage"
	"ml-workbench/internal/trainer"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s train|serve [flags]", os.Args[0])
	}

	switch os.Args[1] {
	case "train":
		if err := train(os.Args[2:]); err != nil {
			log.Fatalf("training failed: %v", err)
		}
	case "serve":
		if err := serve(); err != nil {
			log.Fatalf("serving failed: %v", err)
		}
	default:
		log.Fatalf("unknown command '%s', expected train or serve", os.Args[1])
	}
}

func train(args []string) error {
	var trainEnv trainer.Env
	if err := env.Parse(&trainEnv); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}

	var hp trainer.Hyperparameters
	fs := pflag.NewFlagSet("train", pflag.ContinueOnError)
	trainer.BindFlags(fs, &hp)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NFlag() == 0 {
		if err := trainer.ApplyHyperparametersFile(fs, trainEnv.HyperparametersFile); err != nil {
			return recordFailure(trainEnv, err)
		}
	}

	if _, err := trainer.Run(trainEnv, hp, os.Stdout); err != nil {
		return recordFailure(trainEnv, err)
	}
	return nil
}

func recordFailure(trainEnv trainer.Env, cause error) error {
	if err := trainer.WriteFailure(trainEnv.FailureFile, cause); err != nil {
		log.Printf("error writing failure file: %v", err)
	}
	return cause
}

func serve() error {
	var cfg server.Config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}

	ctx := context.Background()

	var store storage.ObjectStore
	if strings.HasPrefix(cfg.SubmitDirectory, "s3://") {
		var storageCfg config.StorageConfig
		if err := env.Parse(&storageCfg); err != nil {
			return fmt.Errorf("error parsing storage config: %w", err)
		}
		s, err := storageCfg.NewObjectStore(ctx)
		if err != nil {
			return fmt.Errorf("error creating storage client: %w", err)
		}
		store = s
	}

	srv := server.NewServer(cfg)

	// /ping reports 503 until the pipeline is loaded.
	release := make(chan func(), 1)
	go func() {
		transformer, closeFn, err := server.LoadTransformer(ctx, cfg, store)
		if err != nil {
			log.Fatalf("error loading pipeline: %v", err)
		}
		release <- closeFn
		srv.SetTransformer(transformer)
	}()
	defer func() {
		select {
		case closeFn := <-release:
			closeFn()
		default:
		}
	}()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Routes(),
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down model server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("Model server forced to shutdown: %v", err)
		}
	}()

	log.Printf("model server listening on port %d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("could not listen on %d: %w", cfg.Port, err)
	}

	log.Println("Model server stopped.")
	return nil
}
