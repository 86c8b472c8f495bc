// Package app assembles the upload and caption components from configuration.
package app

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stefando/imageCaptionAWS/internal/caption"
	"github.com/stefando/imageCaptionAWS/internal/config"
	"github.com/stefando/imageCaptionAWS/internal/httpclient"
	"github.com/stefando/imageCaptionAWS/internal/server"
	"github.com/stefando/imageCaptionAWS/internal/upload"
)

// App holds the wired components shared by every request
type App struct {
	Resolver *caption.Resolver
	Uploads  *upload.UploadService
	Router   http.Handler
}

// Options overrides collaborators, mainly for tests
type Options struct {
	// Clients replaces the lazily built AWS S3 client
	Clients upload.ClientSource
	// HTTPClient replaces the inference HTTP client
	HTTPClient *http.Client
}

// New builds the application from cfg. Missing bucket or token are logged, not fatal: each
// request reports them through its own outcome.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Storage.BucketName == "" {
		logger.Warn("S3_BUCKET_NAME not set, uploads will be rejected")
	}
	if cfg.Inference.Token == "" {
		logger.Warn("HF_TOKEN not set, captioning will fail")
	}

	clients := opts.Clients
	if clients == nil {
		clients = upload.NewLazyClient(upload.NewS3ClientBuilder(cfg.Storage.Region, cfg.Storage.RoleARN))
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = httpclient.NewHTTPClient(httpclient.DefaultConfig(cfg.Inference.Timeout))
	}

	resolver := caption.NewResolver(caption.Config{
		Token:   cfg.Inference.Token,
		BaseURL: cfg.Inference.BaseURL,
		Models:  cfg.Inference.Models,
		Timeout: cfg.Inference.Timeout,
	}, httpClient, logger.With("component", "caption"))

	uploads := upload.NewUploadService(clients, cfg.Storage.BucketName, cfg.Storage.Region, cfg.Storage.Timeout)
	handler := upload.NewHandler(uploads, resolver, cfg.Server.MaxUploadBytes, logger.With("component", "upload"))

	logger.Info("services initialized",
		"bucket", cfg.Storage.BucketName,
		"region", cfg.Storage.Region,
		"models", cfg.Inference.Models,
	)

	return &App{
		Resolver: resolver,
		Uploads:  uploads,
		Router:   server.NewRouter(handler, server.Options{MetricsEnabled: cfg.Server.MetricsEnabled}),
	}, nil
}
