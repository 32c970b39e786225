package router

import (
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/medrevise/correction-api/config"
	"github.com/medrevise/correction-api/database"
	"github.com/medrevise/correction-api/handlers"
	auth_handlers "github.com/medrevise/correction-api/handlers/auth"
	document_handlers "github.com/medrevise/correction-api/handlers/document"
	validation_handlers "github.com/medrevise/correction-api/handlers/validation"
	"github.com/medrevise/correction-api/services"
	"github.com/medrevise/correction-api/services/azure"
	"github.com/medrevise/correction-api/services/storage"
	"github.com/medrevise/correction-api/utils/auth"
	"github.com/medrevise/correction-api/utils/cache"
	"github.com/medrevise/correction-api/utils/middleware"
)

// SetupRoutes wires all handlers and services onto the fiber app
func SetupRoutes(app *fiber.App, store database.Storage, redisCache *cache.RedisCache, env *config.EnviornmentVariable) {
	if env.JWT_SECRET == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	jwtIssuer := env.JWT_ISSUER
	if jwtIssuer == "" {
		jwtIssuer = "correction-api"
	}

	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		Secret: env.JWT_SECRET,
		Expiry: 24 * time.Hour,
		Issuer: jwtIssuer,
	})
	authMiddleware := middleware.NewAuthMiddleware(jwtManager)

	db := store.GetDB()

	// Azure OpenAI transport client for the validation pipeline
	azureClient, err := azure.NewClient(azure.Config{
		Endpoint:   env.AZURE_OPENAI_ENDPOINT,
		APIKey:     env.AZURE_OPENAI_API_KEY,
		Deployment: env.AZURE_OPENAI_DEPLOYMENT,
		APIVersion: env.AZURE_OPENAI_API_VERSION,
	})
	if err != nil {
		log.Fatalf("Failed to initialize Azure OpenAI client: %v", err)
	}

	// Optional S3-compatible object storage for result archiving and PDFs
	var spacesClient *storage.SpacesClient
	if env.SPACES_ACCESS_KEY != "" && env.SPACES_BUCKET != "" {
		spacesClient, err = storage.NewSpacesClient(storage.SpacesConfig{
			AccessKey: env.SPACES_ACCESS_KEY,
			SecretKey: env.SPACES_SECRET_KEY,
			Bucket:    env.SPACES_BUCKET,
			Region:    env.SPACES_REGION,
			Endpoint:  env.SPACES_ENDPOINT,
		})
		if err != nil {
			log.Printf("Warning: Spaces storage disabled: %v", err)
			spacesClient = nil
		}
	}

	tracker := services.NewProgressTracker(db, redisCache)
	scheduler := services.NewChunkScheduler(services.NewBatchAnalyzer(azureClient))

	var resultStore services.ResultStore
	if spacesClient != nil {
		resultStore = spacesClient
	}
	pipeline := services.NewWorkbookPipeline(scheduler, tracker, resultStore, services.PipelineConfig{
		BatchSize:     env.AI_BATCH_SIZE,
		Concurrency:   env.AI_CONCURRENCY,
		WaveCooldown:  env.AI_WAVE_COOLDOWN,
		QROCMatchMode: env.QROC_MATCH_MODE,
	})

	authHandler := auth_handlers.NewAuthHandler(jwtManager, env.ADMIN_PASSWORD_HASH)
	validationHandler := validation_handlers.NewValidationHandler(tracker, pipeline, spacesClient)
	documentHandler := document_handlers.NewDocumentHandler(db, spacesClient)
	healthHandler := handlers.NewHealthHandler(store, redisCache)

	// Security middleware for the whole app
	middleware.SetupSecurity(app, middleware.SecurityConfig{
		AllowedOrigins:    allowedOrigins(),
		RateLimitRequests: 120,
		RateLimitWindow:   1 * time.Minute,
	})

	v1 := app.Group("/api/v1")

	v1.Get("/health", healthHandler.Check)
	v1.Post("/auth/token", authHandler.IssueToken)

	jobs := v1.Group("/validation-jobs", authMiddleware.Required())
	jobs.Post("/", validationHandler.CreateJob)
	jobs.Get("/:job_id", validationHandler.GetJob)
	jobs.Get("/:job_id/stream", validationHandler.StreamJob)
	jobs.Get("/:job_id/result", validationHandler.DownloadResult)
	jobs.Post("/:job_id/cancel", validationHandler.CancelJob)

	docs := v1.Group("/documents", authMiddleware.Required())
	docs.Post("/", documentHandler.Upload)
	docs.Get("/", documentHandler.List)
	docs.Get("/:id/download", documentHandler.Download)
}

func allowedOrigins() string {
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		return origins
	}
	return "http://localhost:3000"
}
