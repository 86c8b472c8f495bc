package main

import (
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/stefando/imageCaptionAWS/internal/app"
	"github.com/stefando/imageCaptionAWS/internal/config"
	"github.com/stefando/imageCaptionAWS/internal/logging"
	"github.com/stefando/imageCaptionAWS/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Format, cfg.Logging.Level, os.Stdout)
	slog.SetDefault(logger)

	application, err := app.New(cfg, logger, app.Options{})
	if err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	// API Gateway events are replayed through the same router the HTTP server uses
	lambda.Start(server.NewLambdaHandler(application.Router, logger).Handle)
}
