// Package main wires the document-conversion orchestrator's components —
// task store, workspace manager, object-store gateway, conversion
// dispatcher, scheduler, and API facade — and runs them until an interrupt
// or terminate signal triggers a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gurre/docflow/internal/api"
	"github.com/gurre/docflow/internal/applog"
	"github.com/gurre/docflow/internal/config"
	"github.com/gurre/docflow/internal/dispatcher"
	"github.com/gurre/docflow/internal/objectstore"
	"github.com/gurre/docflow/internal/queue"
	"github.com/gurre/docflow/internal/scheduler"
	"github.com/gurre/docflow/internal/taskstore"
	"github.com/gurre/docflow/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := applog.Init(cfg.LogLevel, cfg.LogFormat, cfg.LogDir); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log := applog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}

	workspaces, err := workspace.NewManager(cfg.WorkspaceBaseDir, cfg.TempDir)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace manager: %w", err)
	}

	gateway, err := newGateway(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize object-store gateway: %w", err)
	}

	engine := dispatcher.NewSubprocessEngine(cfg.OfficeRendererPath, cfg.PDFAnalyzerPath, cfg.OCRPath, cfg.CacheClearPath)
	dispatch := dispatcher.New(engine)

	sched := scheduler.New(cfg, store, workspaces, gateway, dispatch, queue.DefaultCapacity)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	server := api.New(cfg.ListenAddr, store, sched, gateway)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	log.Info().Str("listen_addr", cfg.ListenAddr).Msg("main: docflow orchestrator started")

	select {
	case <-ctx.Done():
		log.Info().Msg("main: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("main: api server exited unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("main: api server shutdown error")
	}
	if err := sched.Stop(); err != nil {
		log.Warn().Err(err).Msg("main: scheduler shutdown error")
	}

	log.Info().Msg("main: docflow orchestrator stopped")
	return nil
}

// openStore opens the configured Task Store backend. sqlite is the only
// durable backend implemented; "mysql" is accepted by Config.Validate for
// forward compatibility but not yet wired to a driver.
func openStore(cfg *config.Config) (taskstore.Store, error) {
	switch cfg.DatabaseKind {
	case "sqlite":
		return taskstore.Open(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported database_kind %q", cfg.DatabaseKind)
	}
}

// newGateway builds the Object-Store Gateway from a single underlying S3
// client. The upload credential chain wins when both chains resolve to
// values, since every Gateway call — including Download's post-fetch and
// UploadFile's post-upload HEAD verification — shares one client session;
// operators whose download and upload buckets live under different
// principals must grant that principal read access to both.
func newGateway(ctx context.Context, cfg *config.Config) (*objectstore.Gateway, error) {
	accessKey := cfg.UploadAccessKey
	secretKey := cfg.UploadSecretKey
	endpoint := cfg.UploadEndpoint
	region := cfg.UploadRegion
	if accessKey == "" {
		accessKey, secretKey, endpoint, region = cfg.DownloadAccessKey, cfg.DownloadSecretKey, cfg.DownloadEndpoint, cfg.DownloadRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client)
	presigner := s3.NewPresignClient(client)

	return objectstore.New(client, uploader, presigner, endpoint), nil
}
