package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"aide-backend/internal/api"
	"aide-backend/internal/core"
	"aide-backend/internal/database"
	"aide-backend/internal/messaging"
	"aide-backend/internal/modelstate"
	"aide-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"
)

// Local mode runs the dispatch API and a single worker in one process,
// backed by sqlite, local disk storage, and the in-memory queue.
type Config struct {
	Root string `env:"ROOT" envDefault:"./aide-local"`
	Port int    `env:"PORT" envDefault:"3001"`
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "aide.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := database.NewDatabase(path)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	return db
}

// requeueTasks republishes tasks that were queued when the process last
// stopped; the in-memory queue does not survive restarts.
func requeueTasks(db *gorm.DB, queue *messaging.InMemoryQueue) {
	var records []database.TaskRecord
	if err := db.Where("status = ?", database.TaskQueued).Order("creation_time ASC").Find(&records).Error; err != nil {
		log.Fatalf("Failed to fetch queued tasks from database: %v", err)
	}

	ctx := context.Background()
	for _, record := range records {
		header := messaging.TaskHeader{
			TaskId:  record.Id,
			Project: record.Project,
			Epoch:   record.Epoch,
			Epochs:  record.Epochs,
		}

		var err error
		switch record.Type {
		case database.TaskTypeUpdate:
			err = queue.PublishUpdateTask(ctx, messaging.UpdateTaskPayload{TaskHeader: header})
		case database.TaskTypeAverage:
			err = queue.PublishAverageTask(ctx, messaging.AverageTaskPayload{TaskHeader: header})
		default:
			// Train and inference payloads carry image id sets that are not
			// persisted with the record, so they cannot be replayed.
			log.Printf("cannot requeue %s task %s, marking failed", record.Type, record.Id)
			if err := database.UpdateTaskStatus(ctx, db, record.Id, database.TaskFailed); err != nil {
				log.Printf("failed to mark task %s as failed: %v", record.Id, err)
			}
			continue
		}
		if err != nil {
			log.Fatalf("Failed to requeue task %s: %v", record.Id, err)
		}
	}
}

func createServer(db *gorm.DB, queue messaging.Publisher, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, queue)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	const dataBucket = "aide-data"

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	db := createDatabase(cfg.Root)

	provider, err := storage.NewLocalProvider(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create local storage provider: %v", err)
	}
	if err := provider.CreateBucket(context.Background(), dataBucket); err != nil {
		log.Fatalf("Failed to create data bucket: %v", err)
	}

	core.RegisterBuiltins()

	queue := messaging.NewInMemoryQueue()
	requeueTasks(db, queue)

	runner := core.NewTaskRunner(db, modelstate.NewStore(db), core.CombineReporters(
		core.SlogReporter{},
		core.RecordReporter{DB: db},
	))
	processor := core.NewTaskProcessor(db, provider, dataBucket, queue, runner)
	go processor.Start()

	server := createServer(db, queue, cfg.Port)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		processor.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("Local server listening on port %d", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	log.Println("Server stopped.")
}
