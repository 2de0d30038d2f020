package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/drive-learning/internal/api"
	"github.com/dukex/drive-learning/internal/auth"
	"github.com/dukex/drive-learning/internal/course"
	"github.com/dukex/drive-learning/internal/db"
	"github.com/dukex/drive-learning/internal/drive"
	"github.com/dukex/drive-learning/internal/middleware"
	"github.com/dukex/drive-learning/internal/observability"
	"github.com/dukex/drive-learning/internal/token"
)

const googleTokenURL = "https://oauth2.googleapis.com/token"

func main() {
	// Initialize observability (Loki)
	observability.Init()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "local"
	}

	// OAuth client credentials are non-negotiable: without them no token
	// can ever be refreshed, so fail at startup, not at first refresh.
	clientID := os.Getenv("GOOGLE_CLIENT_ID")
	clientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		log.Fatal("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required")
	}

	// Initialize database
	database, err := db.Open(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	log.Printf("Database connected")

	// Initialize refresh-token encryption (panics if TOKEN_ENCRYPTION_KEY not set)
	db.InitEncryptionKey()
	log.Printf("Token encryption initialized")

	sessions, err := auth.NewSessions(envDuration("SESSION_TTL", 24*time.Hour))
	if err != nil {
		log.Fatalf("Failed to initialize sessions: %v", err)
	}

	// Repositories
	accounts := db.NewAccountRepo(database)
	users := db.NewUserRepo(database)
	progress := db.NewProgressRepo(database)
	subscriptions := db.NewSubscriptionRepo(database)

	// Token lifecycle: refresher → manager → interceptor
	refresher, err := token.NewRefresher(token.RefresherConfig{
		Provider:            "google",
		TokenURL:            googleTokenURL,
		ClientID:            clientID,
		ClientSecret:        clientSecret,
		RotatesRefreshToken: os.Getenv("GOOGLE_ROTATES_REFRESH_TOKEN") == "true",
	}, accounts)
	if err != nil {
		log.Fatalf("Failed to create token refresher: %v", err)
	}

	manager := token.NewManager(token.ManagerConfig{
		Provider:     "google",
		CacheEnabled: os.Getenv("TOKEN_CACHE_DISABLED") != "true",
	}, accounts, refresher)
	defer manager.Close()

	interceptor := token.NewInterceptor(manager)

	// Drive-backed course browsing with Redis response cache
	responseCache := course.NewCache(
		os.Getenv("REDIS_ADDR"),
		os.Getenv("REDIS_PASSWORD"),
		envDuration("COURSE_CACHE_TTL", 5*time.Minute),
	)
	defer responseCache.Close()

	courses := course.NewService(drive.New(), interceptor, responseCache)

	// HTTP surface
	authorizer := middleware.NewAuthorizer(sessions, users)
	rateLimiter := middleware.NewRateLimiter(envInt("RATE_LIMIT_MAX", 60), envDuration("RATE_LIMIT_WINDOW", time.Minute))

	apiMux := http.NewServeMux()
	handler := api.NewHandler(courses, accounts, progress, subscriptions, manager)
	handler.Routes(apiMux)

	mux := http.NewServeMux()
	mux.Handle("/v1/", middleware.Recovery(authorizer.Authorize(rateLimiter.Middleware(apiMux))))

	// Health check (public)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Instance-ID", instanceID)

		if err := db.HealthCheck(database); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"degraded","instance":"%s","db":"unavailable"}`, instanceID)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","instance":"%s","db":"ok"}`, instanceID)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: mux,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down gracefully...", sig)

	// Give in-flight requests up to 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Printf("Server stopped")
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Invalid %s %q, using %s", name, raw, fallback)
		return fallback
	}
	return d
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Invalid %s %q, using %d", name, raw, fallback)
		return fallback
	}
	return n
}
