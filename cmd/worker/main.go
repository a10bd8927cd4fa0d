package main

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"aide-backend/cmd"
	"aide-backend/internal/config"
	"aide-backend/internal/core"
	"aide-backend/internal/database"
	"aide-backend/internal/messaging"
	"aide-backend/internal/modelstate"
	"aide-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg config.Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	provider, err := storage.NewS3Provider(&storage.S3ProviderConfig{
		S3EndpointURL:     cfg.S3EndpointURL,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3Region:          cfg.S3Region,
	})
	if err != nil {
		log.Fatalf("Failed to create S3 provider: %v", err)
	}

	core.RegisterBuiltins()

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	runner := core.NewTaskRunner(db, modelstate.NewStore(db), core.CombineReporters(
		core.SlogReporter{},
		core.RecordReporter{DB: db},
	))
	processor := core.NewTaskProcessor(db, provider, cfg.DataBucketName, reciever, runner)

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			processor.Start()
		}()
	}

	log.Printf("Worker started with concurrency %d. Waiting for tasks. Press Ctrl+C to exit.", concurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, stopping task processor...")
	processor.Stop()
	wg.Wait()

	log.Println("Worker process stopped.")
}
