// Package server assembles the stub exam API.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/config"
	"github.com/stemsi/exstem-runtime/internal/handler"
	"github.com/stemsi/exstem-runtime/internal/middleware"
	"github.com/stemsi/exstem-runtime/internal/router"
	"github.com/stemsi/exstem-runtime/internal/service"
	"github.com/stemsi/exstem-runtime/internal/worker"
	"k8s.io/utils/clock"
)

const (
	autosaveRate      = 30
	violationQueueLen = 256
)

// Clock is what the stub needs from a clock.
type Clock interface {
	clock.PassiveClock
	clock.WithTicker
}

// Server is a running stub exam API.
type Server struct {
	Router   *gin.Engine
	Attempts *service.AttemptService
	Tokens   *service.TokenService
	Media    *service.MediaService

	violations *worker.ViolationWorker
	limiter    *middleware.RateLimiter
	cancel     context.CancelFunc
	stop       chan struct{}
	closeOnce  sync.Once
}

// New wires services, handlers and the violation worker. Call Close to stop
// the background goroutines.
func New(cfg *config.Config, defs []service.ExamDefinition, clk Clock, log zerolog.Logger) *Server {
	attempts := service.NewAttemptService(defs, clk, log)
	tokens := service.NewTokenService(cfg)
	media := service.NewMediaService(cfg)
	violations := worker.NewViolationWorker(attempts, violationQueueLen, clk, log)
	limiter := middleware.NewRateLimiter(autosaveRate, time.Minute, clk)

	handlers := &router.Handlers{
		Exam:  handler.NewExamHandler(attempts),
		Media: handler.NewMediaHandler(media, log),
		WS:    handler.NewWSHandler(violations, clk, log, cfg.AllowedOrigins),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Router:     router.SetupRouter(tokens, limiter, handlers, cfg, clk, log),
		Attempts:   attempts,
		Tokens:     tokens,
		Media:      media,
		violations: violations,
		limiter:    limiter,
		cancel:     cancel,
		stop:       make(chan struct{}),
	}
	go violations.Start(ctx)
	go limiter.RunCleanup(s.stop)
	return s
}

// Close stops the worker after flushing buffered violations.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.stop)
	})
	<-s.violations.Done()
}
