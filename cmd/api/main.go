package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"aluda-backend/cmd"
	"aluda-backend/internal/api"
	"aluda-backend/internal/chatstore"
	"aluda-backend/internal/composer"
	"aluda-backend/internal/config"
	"aluda-backend/internal/database"
	"aluda-backend/internal/flowise"
	"aluda-backend/internal/imagegen"
	"aluda-backend/internal/messaging"
	"aluda-backend/internal/objstore"
	"aluda-backend/internal/usage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	log.Println("Starting API server...")

	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	var attachments composer.AttachmentStore
	if cfg.AttachmentsEnabled() {
		objCfg := objstore.Config{
			S3EndpointURL:        cfg.S3EndpointURL,
			S3AccessKeyID:        cfg.S3AccessKeyID,
			S3SecretAccessKey:    cfg.S3SecretAccessKey,
			S3Region:             cfg.S3Region,
			AttachmentBucketName: cfg.AttachmentBucketName,
			PublicURL:            cfg.AttachmentPublicURL,
		}
		objClient, err := objstore.NewClient(&objCfg)
		if err != nil {
			log.Fatalf("Failed to create object store client: %v", err)
		}
		if err := objClient.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("Failed to ensure attachment bucket: %v", err)
		}
		attachments = objClient
	}

	upstream := flowise.NewClient(flowise.Config{
		BaseURL:      cfg.FlowiseURL,
		TitleTimeout: cfg.FlowiseTitleTimeout,
	})

	store := chatstore.NewStore(db)
	ledger := usage.NewLedger(db, usage.DefaultPolicy())
	images := imagegen.NewService(db, ledger)

	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	var wg sync.WaitGroup
	worker := messaging.Worker{
		Receiver:  queue,
		Store:     store,
		Ledger:    ledger,
		Suggester: upstream,
		WaitGroup: &wg,
	}
	worker.Start(workerCtx)

	comp := composer.New(store, ledger, upstream, queue, attachments)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300, // Cache preflight response for 5 minutes
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)    // Log requests
	r.Use(middleware.Recoverer) // Recover from panics

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) // nolint:errcheck
	})

	chatHandler := api.NewChatService(store, comp, upstream)
	usageHandler := api.NewUsageService(ledger)
	imageHandler := api.NewImageService(images)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(api.ActorMiddleware)
		chatHandler.AddRoutes(r)
		usageHandler.AddRoutes(r)
		imageHandler.AddRoutes(r)
	})

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		stopWorker()
		wg.Wait()
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
