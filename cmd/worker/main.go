package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/geniusrise/geniusrise-text/cmd"
	"github.com/geniusrise/geniusrise-text/internal/config"
	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/internal/database"
	"github.com/geniusrise/geniusrise-text/internal/messaging"
)

func main() {
	cmd.LoadEnvFile()

	cfg, err := config.Parse[config.WorkerConfig]()
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open run database: %v", err)
	}

	// workers always stage through the object store
	stager, err := cmd.NewStager(ctx, cfg.S3, cfg.WorkDir)
	if err != nil {
		log.Fatalf("failed to create stager: %v", err)
	}

	runners := cmd.NewRunners(cfg.Hub, cfg.Runtime, stager, database.NewRunStore(db))

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("failed to start rabbitmq receiver: %v", err)
	}

	processor := core.NewTaskProcessor(runners.FineTuner, runners.Bulk, publisher, receiver)

	done := make(chan struct{})
	go func() {
		processor.Start()
		close(done)
	}()
	slog.Info("worker waiting for tasks", "queues", messaging.Queues, "work_dir", cfg.WorkDir)

	<-ctx.Done()
	slog.Info("shutdown signal received, waiting for the running task")
	processor.Stop()
	<-done

	slog.Info("worker stopped")
}
