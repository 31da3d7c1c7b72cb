package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/tallyhq/backend/docs"
	"github.com/tallyhq/backend/internal/config"
	"github.com/tallyhq/backend/internal/database"
	mW "github.com/tallyhq/backend/internal/middleware"
	"github.com/tallyhq/backend/internal/provider"
	"github.com/tallyhq/backend/internal/services"
)

// @title Tally Ledger Sync API
// @version 1.0
// @description Payment-provider ledger synchronization and summary service
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("provider.base_url", "PROVIDER_BASE_URL")
	viper.BindEnv("provider.timeout", "PROVIDER_TIMEOUT")
	viper.BindEnv("provider.connect_url", "PROVIDER_CONNECT_URL")
	viper.BindEnv("provider.client_id", "PROVIDER_CLIENT_ID")
	viper.BindEnv("credentials.seal_secret", "CREDENTIALS_SEAL_SECRET")
	viper.BindEnv("export.institution_bic", "EXPORT_INSTITUTION_BIC")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	docs.SwaggerInfo.Title = "Tally Ledger Sync API"
	docs.SwaggerInfo.Description = "Payment-provider ledger synchronization and summary service"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db := database.MustOpenPostgres()
	defer db.Close()

	redisClient := database.OpenRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	providerClient := provider.NewClient()
	syncConfig := config.LoadSyncConfig()

	store := services.NewLedgerStore(db)
	connectionService := services.NewConnectionService(db, redisClient, providerClient)
	syncService := services.NewSyncService(store, connectionService, providerClient, redisClient, syncConfig)
	summaryService := services.NewSummaryService(store)
	exportService := services.NewExportService(store)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/connection", connectionService.GetConnection)
			r.Post("/connection/manual-key", connectionService.PostManualKey)
			r.Post("/connection/delegated", connectionService.PostDelegated)
			r.Delete("/connection", connectionService.DeleteConnection)
			r.Get("/connection/qr", connectionService.GetConnectQR)

			r.Post("/sync", syncService.PostSync)

			r.Get("/summary", summaryService.GetSummary)
			r.Get("/transactions", summaryService.GetTransactions)
			r.Get("/payouts", summaryService.GetPayouts)
			r.Post("/payouts/export", exportService.PostExportPayouts)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
