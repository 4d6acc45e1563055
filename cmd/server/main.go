// Command main is the entry point for the Courier backend server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier/internal/config"
	"courier/internal/observability"
	"courier/internal/server"
)

// @title Courier API
// @version 1.0
// @description Real-time messenger backend with chats, delivery receipts and presence

// @contact.name API Support

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8470
// @BasePath /api
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the access token.

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Tracing (no-op unless OTEL_TRACING_ENABLED is set)
	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "courier-api",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		Enabled:        os.Getenv("OTEL_TRACING_ENABLED") == "true",
		Exporter:       "otlp",
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SamplerRatio:   1,
	})
	if err != nil {
		log.Printf("Tracing disabled: %v", err)
	}

	// Create server with dependency injection
	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		if shutdownTracing != nil {
			if err := shutdownTracing(ctx); err != nil {
				log.Printf("Tracing shutdown error: %v", err)
			}
		}
	}()

	// Start blocks until shutdown; it owns the Fiber app, the bus wiring and
	// the delivery engine.
	if err := srv.Start(); err != nil {
		log.Printf("Server stopped: %v", err)
	}
}
