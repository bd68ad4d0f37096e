package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/quietwave/autoguard/internal/app"
	"github.com/quietwave/autoguard/internal/config"
	"github.com/quietwave/autoguard/pkg/session"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)
	logrus.Info("starting autoguard...")

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}

	// The standalone binary has no browser-side automation surface; the
	// pool runs against the mock engine so the rest of the core is fully
	// exercised. Deployments embed internal/app with their own engine.
	logrus.Warn("no automation engine wired, using mock engine")
	application, err := app.New(ctx, cfg, session.NewMockEngine())
	if err != nil {
		logrus.Fatalf("failed to initialize application: %v", err)
	}

	if err := application.Run(ctx); err != nil {
		logrus.Fatalf("application error: %v", err)
	}
}
