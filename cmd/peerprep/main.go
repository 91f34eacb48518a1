package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"peerprep/internal/app"
	"peerprep/internal/config"
	"peerprep/internal/logging"
)

// configFileEnv names the optional JSON config file
const configFileEnv = config.EnvPrefix + "CONFIG_FILE"

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// loadConfig layers .env, the environment and the optional config file
func loadConfig(envFiles ...string) (*config.Config, bool, error) {
	// a missing .env is normal outside local development
	dotenv := godotenv.Load(envFiles...) == nil

	cfg, err := config.LoadConfigWithPrecedence(os.Getenv(configFileEnv))
	if err != nil {
		return nil, dotenv, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, dotenv, nil
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// Signal handling ensures graceful shutdown in production environments
func run() error {
	// STEP 1: Load configuration with precedence (file > env > defaults)
	cfg, dotenv, err := loadConfig()
	if err != nil {
		return err
	}

	logger, sync, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sync()
	if !dotenv {
		logger.V(logging.VERBOSE).Info("No .env file found, using environment variables")
	}

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// STEP 4: Start application
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 5: Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Received shutdown signal, shutting down gracefully")

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
