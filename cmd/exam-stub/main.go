package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/config"
	"github.com/stemsi/exstem-runtime/internal/logger"
	"github.com/stemsi/exstem-runtime/internal/server"
	"github.com/stemsi/exstem-runtime/internal/service"
	"k8s.io/utils/clock"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting exam stub")

	// ─── Load Exams ────────────────────────────────────────────────────
	defs, err := service.LoadExamDefinitions(cfg.StubExamsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load exams")
	}

	stub := server.New(cfg, defs, clock.RealClock{}, log)
	log.Info().Strs("exams", stub.Attempts.ExamIDs()).Msg("Exams loaded")

	// Print a token so the runtime can be pointed at the stub right away.
	token, err := stub.Tokens.Issue(cfg.StubStudentID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}
	log.Info().Str("student_id", cfg.StubStudentID).Str("token", token).Msg("Issued candidate token")

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           stub.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Flush buffered violations.
	stub.Close()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
