package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberSwagger "github.com/swaggo/fiber-swagger"

	"hempdb/imagegen/config"
	"hempdb/imagegen/docs"
	"hempdb/imagegen/handlers"
	"hempdb/imagegen/internal/app"
	"hempdb/imagegen/middleware"
	"hempdb/imagegen/utils"
)

// @title Hemp catalog image queue API
// @version 1.0
// @description Queue, dispatch and monitor catalog image generation.
// @BasePath /api/v1/image-queue
func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		config.InitLogger("info").Fatalf("Failed to load configuration: %v", err)
	}
	log := config.InitLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer application.Close()

	h := handlers.NewApplicationHandler(application.Monitor, log)
	h.DefaultBatchSize = cfg.Dispatcher.BatchSize

	fiberApp := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return utils.RespondWithError(c, code, err.Error())
		},
	})

	// Middleware
	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept",
	}))
	fiberApp.Use(middleware.RequestLogger())

	// Health check route
	fiberApp.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":  "ok",
			"message": "Image queue API is healthy",
		})
	})

	docs.SwaggerInfo.BasePath = "/api/v1/image-queue"
	fiberApp.Get("/swagger/*", fiberSwagger.WrapHandler)

	if cfg.Images.Backend == "local" {
		fiberApp.Static("/images", cfg.Images.LocalDir)
	}

	h.RegisterRoutes(fiberApp.Group("/api/v1"))

	go func() {
		<-ctx.Done()
		log.Info("Shutting down API server...")
		if err := fiberApp.Shutdown(); err != nil {
			log.WithError(err).Error("Server shutdown failed")
		}
	}()

	log.Infof("Starting image queue API on port %s...", cfg.Server.Port)
	if err := fiberApp.Listen(":" + cfg.Server.Port); err != nil {
		log.WithError(err).Error("Server stopped")
	}
}
