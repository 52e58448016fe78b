package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/turismo/server/internal/auth"
	"github.com/turismo/server/internal/config"
	"github.com/turismo/server/internal/db"
	httphandler "github.com/turismo/server/internal/http"
	"github.com/turismo/server/internal/http/handlers"
	"github.com/turismo/server/internal/middleware"
	"github.com/turismo/server/internal/notify"
	"github.com/turismo/server/internal/repo"
	"github.com/turismo/server/internal/visit"

	_ "github.com/lib/pq"
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Repositories
	userRepo := repo.NewUserRepo(database)
	placeRepo := repo.NewPlaceRepo(database)
	visitRepo := repo.NewVisitRepo(database)

	// Verification code delivery
	var sender auth.CodeSender = notify.LogSender{}
	if cfg.SMTPServer != "" {
		sender = notify.NewSMTPSender(cfg.SMTPServer, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom)
	} else {
		log.Println("SMTP not configured; verification codes will not be emailed")
	}

	// Auth services
	codeStore := auth.NewCodeStore()
	sessionStore := auth.NewSessionStore(cfg.SessionTTL)
	tokenService := auth.NewTokenService(cfg.JWTSecret, cfg.SessionTTL)
	authService := auth.NewService(userRepo, sender, codeStore, sessionStore, tokenService)

	// Visit workflow
	visitService := visit.NewService(placeRepo, visitRepo)

	// Handlers
	authHandler := handlers.NewAuthHandler(authService, cfg.DevMode)
	visitHandler := handlers.NewVisitHandler(visitService, userRepo)

	// Rate limiting: tight buckets on auth endpoints, a wide default
	// elsewhere; health checks are never limited.
	limiter := middleware.NewRateLimiter(
		middleware.RateRule{Capacity: 60, Window: time.Minute, Refill: 60},
		[]middleware.RateRule{
			{Prefix: "/api/auth", Capacity: 10, Window: time.Minute, Refill: 10},
		},
		[]string{"/health"},
	)

	router := httphandler.NewRouter(authHandler, visitHandler, authService, limiter)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the module root)")
	}

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
