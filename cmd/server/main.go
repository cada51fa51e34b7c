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

	"github.com/cafepay/backend/internal/config"
	"github.com/cafepay/backend/internal/database"
	"github.com/cafepay/backend/internal/handlers"
	mW "github.com/cafepay/backend/internal/middleware"
	"github.com/cafepay/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title QR Payment Reconciliation API
// @version 1.0
// @description Incremental payment reconciliation behind the QR checkout flow
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

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("merchant.name", "MERCHANT_NAME")
	viper.BindEnv("merchant.account", "MERCHANT_ACCOUNT")
	viper.BindEnv("orders.base_url", "ORDERS_BASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	defer redisClient.Close()

	// Initialize services
	reconcileCfg := config.LoadReconcileConfig()

	ledgerService := services.NewLedgerService(redisClient, reconcileCfg)
	receiptService := services.NewReceiptService(db)
	orderClient := services.NewOrderAPIClient()
	finalizeService := services.NewFinalizeService(redisClient, orderClient, receiptService, ledgerService, reconcileCfg)
	listenerFactory := services.NewRedisListenerFactory(redisClient, reconcileCfg)
	reconcileService := services.NewReconcileService(ledgerService, finalizeService, listenerFactory, reconcileCfg)
	defer reconcileService.CloseAll()

	intentService := services.NewIntentService()
	eventPublisher := services.NewEventPublisher(redisClient, reconcileCfg)

	paymentHandler := handlers.NewPaymentHandler(intentService, reconcileService, eventPublisher)
	receiptHandler := handlers.NewReceiptHandler(receiptService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
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
		// The payment channel's webhook authenticates out of band
		r.Post("/payments/notify", paymentHandler.Notify)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/payments/intents", paymentHandler.CreateIntent)
			r.Get("/payments/{reference}", paymentHandler.GetStatus)
			r.Post("/payments/{reference}/confirm", paymentHandler.Confirm)
			r.Post("/payments/{reference}/cancel", paymentHandler.Cancel)
			r.Post("/payments/{reference}/retry", paymentHandler.Retry)

			r.Get("/receipts/recent", receiptHandler.ListRecent)
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
