package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/robfig/cron"

	config "featherpost/configs"
	"featherpost/internal/api/handlers"
	"featherpost/internal/api/middleware"
	"featherpost/internal/dispatch"
	job "featherpost/internal/jobs"
	"featherpost/internal/queue"
	"featherpost/internal/repository"
	"featherpost/internal/service"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	cfg := config.LoadConfig()

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer closeDB(db)

	if err := db.Ping(); err != nil {
		log.Fatalf("Database is unreachable: %v", err)
	}

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
	client := asynq.NewClient(redisConn)
	defer client.Close()

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		BodyLimit:    20 * 1024 * 1024, // 20 MB
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Printf("Error: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOriginsFunc: func(origin string) bool {
			return true
		},
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	postRepo := repository.NewPostRepository(db)
	accountRepo := repository.NewTwitterAccountRepository(db)
	recordRepo := repository.NewDispatchRecordRepository(db)

	quota := dispatch.NewQuotaLedger(postRepo, cfg.Limits.DailyMax, cfg.Limits.MonthlyMax)
	pacer := dispatch.NewPacer(cfg.Limits.InterItemDelay, cfg.Limits.RateLimitHints)

	credentialService := service.NewCredentialService(*cfg, accountRepo)
	twitterService := service.NewTwitterService()
	mediaService := service.NewMediaService(*cfg)
	postService := service.NewPostService(db, postRepo, quota, cfg.Limits)

	dispatcher := dispatch.NewDispatcher(postRepo, recordRepo, credentialService, twitterService, quota, pacer, cfg.Limits.BatchCap)

	authMiddleware := middleware.NewAuthMiddleware(*cfg)

	dispatchHandler := handlers.NewDispatchHandler(*cfg, recordRepo, client)
	app.Get("/cron/dispatch", dispatchHandler.TriggerDispatch)

	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	post := handlers.NewPostHandler(postService)
	api.Post("/posts/create", post.CreatePost)
	api.Get("/posts", post.ListPosts)
	api.Post("/posts/retry", post.RetryPost)
	api.Post("/posts/remove", post.RemovePost)
	api.Get("/limits", post.GetLimits)

	upload := handlers.NewUploadHandler(mediaService)
	api.Post("/upload/image", upload.UploadImage)

	api.Get("/dispatch/records", dispatchHandler.ListRecords)

	// cron jobs
	refreshTokenJob := job.NewTokenRefreshJob(accountRepo, credentialService)

	// queue worker
	queueW := queue.NewQueue(dispatcher)

	c := cron.New()
	c.AddFunc("@every 00h10m00s", refreshTokenJob.RefreshTokens)
	c.AddFunc("@every 00h01m00s", func() {
		if err := queue.EnqueueDispatchPass(client); err != nil {
			log.Printf("Error enqueueing dispatch pass: %v", err)
		}
	})
	c.Start()

	go func() {
		// A single worker: two dispatch passes must never overlap, the
		// per-pass quota accounting depends on it.
		server := asynq.NewServer(redisConn, asynq.Config{
			Concurrency: 1,
		})

		mux := asynq.NewServeMux()
		mux.HandleFunc(queue.TaskTypeDispatchPass, queueW.HandleDispatchPassTask)

		log.Println("Starting the Asynq server...")
		if err := server.Run(mux); err != nil {
			log.Fatalf("Could not start Asynq server: %v", err)
		}
	}()

	go func() {
		if err := app.Listen(":3000"); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Println("Server is running on http://localhost:3000")

	gracefulShutdown(app, db)
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func gracefulShutdown(app *fiber.App, db *sql.DB) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Println("Shutting down server...")

	if err := app.Shutdown(); err != nil {
		log.Fatalf("Failed to shut down server: %v", err)
	}

	closeDB(db)
	log.Println("Server shutdown complete.")
}
