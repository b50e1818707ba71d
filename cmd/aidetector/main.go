// Package main implements the aidetector binary: an HTTP and gRPC service
// that classifies AI crawler traffic and aggregates it per tenant.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/joho/godotenv"

	"github.com/scopeai/aidetector/internal/app"
	"github.com/scopeai/aidetector/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		httpAddr    string
		grpcAddr    string
		storageType string
		rulesFile   string
		logLevel    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for data files")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	flag.StringVar(&storageType, "storage", "", "Storage backend: memory, local, sqlite, mysql, s3")
	flag.StringVar(&rulesFile, "rules", "", "Additional detection rules file (YAML or JSON)")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "aidetector - AI crawler traffic detector\n\n")
		fmt.Fprintf(os.Stderr, "Usage: aidetector [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  aidetector --storage sqlite --data-dir /var/lib/aidetector\n")
		fmt.Fprintf(os.Stderr, "  aidetector --config /etc/aidetector/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables (a .env file is loaded when present):\n")
		fmt.Fprintf(os.Stderr, "  AIDETECTOR_ADMIN_KEY                 Admin secret for /api/config\n")
		fmt.Fprintf(os.Stderr, "  AIDETECTOR_MIGRATION_DASHBOARD_KEY   Dashboard key accepted for every tenant\n")
		fmt.Fprintf(os.Stderr, "  AIDETECTOR_MIGRATION_INGEST_KEY      Ingest key accepted for every tenant\n")
		fmt.Fprintf(os.Stderr, "  AIDETECTOR_STORAGE_TYPE              Storage backend\n")
		fmt.Fprintf(os.Stderr, "  AIDETECTOR_STORAGE_DSN               MySQL DSN\n")
		fmt.Fprintf(os.Stderr, "  AIDETECTOR_S3_BUCKET                 S3 bucket\n")
		fmt.Fprintf(os.Stderr, "  AIDETECTOR_HTTP_ADDR                 HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  AIDETECTOR_GRPC_ADDR                 gRPC listen address\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("aidetector version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Optional; a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, httpAddr, grpcAddr, storageType, rulesFile, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(app.ParseLevel(cfg.Log.Level))
	ctx := context.Background()

	logger.Info(ctx, "starting aidetector",
		slog.F("version", version),
		slog.F("commit", commit),
		slog.F("data_dir", cfg.DataDir),
		slog.F("storage", cfg.Storage.Type),
		slog.F("http_addr", cfg.HTTP.Addr),
		slog.F("grpc_addr", cfg.GRPC.Addr),
		slog.F("grpc_enabled", cfg.GRPC.Enabled),
	)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal(ctx, "failed to create application", slog.Error(err))
	}

	if err := application.Start(ctx); err != nil {
		logger.Fatal(ctx, "failed to start application", slog.Error(err))
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		logger.Error(ctx, "shutdown error", slog.Error(err))
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, httpAddr, grpcAddr, storageType, rulesFile, logLevel string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags have the highest priority.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	if storageType != "" {
		cfg.Storage.Type = storageType
	}
	if rulesFile != "" {
		cfg.Detect.RulesFile = rulesFile
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	return cfg, nil
}
