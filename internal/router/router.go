package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/config"
	"github.com/stemsi/exstem-runtime/internal/handler"
	"github.com/stemsi/exstem-runtime/internal/middleware"
	"github.com/stemsi/exstem-runtime/internal/response"
	"github.com/stemsi/exstem-runtime/internal/service"
	"github.com/stemsi/exstem-runtime/internal/validator"
	"k8s.io/utils/clock"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Exam  *handler.ExamHandler
	Media *handler.MediaHandler
	WS    *handler.WSHandler
}

// SetupRouter configures the stub exam API routes.
func SetupRouter(
	tokens *service.TokenService,
	autosaveLimiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
	clk clock.PassiveClock,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	validator.Setup()

	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", "Idempotency-Key", "Cache-Control"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware(log, clk))
	router.Use(middleware.Brotli())

	// Uploaded answer images.
	uploadsGroup := router.Group("/uploads")
	uploadsGroup.Use(middleware.CacheControl(31536000))
	{
		uploadsGroup.Static("/", cfg.UploadDir)
	}

	router.GET("/healthz", handler.Healthz)

	// ─── Exam API (Bearer JWT) ─────────────────────────────────────────
	api := router.Group("/api/v1")
	api.GET("/healthz", handler.Healthz)

	exams := api.Group("/exams/:exam_id")
	exams.Use(middleware.RequireBearer(tokens), middleware.NoStore())
	{
		exams.GET("", handlers.Exam.GetExam)
		exams.GET("/practice", handlers.Exam.GetPractice)
		exams.PATCH("/responses", autosaveLimiter.Middleware(), handlers.Exam.SaveResponses)
		exams.POST("/submit", handlers.Exam.Submit)
		exams.POST("/practice/submit", handlers.Exam.SubmitPractice)
		exams.POST("/upload-image", handlers.Media.UploadImage)
	}

	// ─── Monitor stream (token query param) ────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireWSToken(tokens))
	{
		ws.GET("/exams/:exam_id/stream", handlers.WS.ExamMonitorStream)
	}

	return router
}
