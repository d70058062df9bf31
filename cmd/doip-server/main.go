// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mardi4nfdi/doip-server/pkg/blobstore"
	"github.com/mardi4nfdi/doip-server/pkg/config"
	"github.com/mardi4nfdi/doip-server/pkg/handlers"
	"github.com/mardi4nfdi/doip-server/pkg/logging"
	"github.com/mardi4nfdi/doip-server/pkg/manifest"
	"github.com/mardi4nfdi/doip-server/pkg/mediawiki"
	"github.com/mardi4nfdi/doip-server/pkg/server"
	"github.com/mardi4nfdi/doip-server/pkg/workflow"
	"github.com/mardi4nfdi/doip-server/pkg/workflow/equationextraction"

	// Blank imports register blob-store backend implementations via
	// init(). Remove either to exclude that backend from the binary.
	_ "github.com/mardi4nfdi/doip-server/pkg/blobstore/memory"
	_ "github.com/mardi4nfdi/doip-server/pkg/blobstore/s3"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "Strict-listener port to bind (overrides config; compat binds port+1)")
	fdoAPI := flag.String("fdo-api", "", "FDO manifest API base URL (overrides config)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("DOIP Server\nVersion: %s\n", Version)
		os.Exit(0)
	}

	logger := logging.New(logging.Config{Level: "info", Format: "json"})
	logger.Info("starting doip-server", "version", Version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config, using defaults", "error", err)
		cfg = config.Default()
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *fdoAPI != "" {
		cfg.FDOAPI = *fdoAPI
	}

	initCtx := context.Background()

	blobType := "s3"
	if cfg.LakeFS.URL == "" {
		blobType = "memory"
	}
	blob, err := blobstore.Providers.New(initCtx, blobType, map[string]string{
		"endpoint":   cfg.LakeFS.URL,
		"region":     "us-east-1",
		"bucket":     cfg.LakeFS.Repo,
		"access_key": cfg.LakeFS.User,
		"secret_key": cfg.LakeFS.Password,
		"verify_tls": boolString(cfg.VerifyTLS),
	})
	if err != nil {
		logger.Error("failed to initialize blob store", "error", err)
		os.Exit(1)
	}
	logger.Info("initialized blob store", "type", blobType, "branch", cfg.LakeFS.Branch)

	manifestRegistry := manifest.New(cfg.FDOAPI, blob, cfg.LakeFS.Branch)
	logger.Info("initialized manifest registry", "fdo_api", cfg.FDOAPI)

	var mwClient *mediawiki.Client
	if cfg.MediaWikiAPI != "" {
		mwClient = mediawiki.New(cfg.MediaWikiAPI, logger.Logger)
		logger.Info("initialized mediawiki client", "api", cfg.MediaWikiAPI)
	}

	var llmOpts []equationextraction.Option
	if cfg.Ollama.BaseURL != "" {
		llmOpts = append(llmOpts, equationextraction.WithLLM(cfg.Ollama.BaseURL, cfg.Ollama.APIKey, cfg.Ollama.Model))
		logger.Info("equation_extraction: LLM enrichment enabled", "base_url", cfg.Ollama.BaseURL)
	}
	workflow.Runners.Register("equation_extraction", func(_ context.Context, _ map[string]string) (workflow.Runner, error) {
		return equationextraction.New(blob, cfg.LakeFS.Branch, mwClient, logger.Logger, llmOpts...), nil
	})

	deps := &handlers.Deps{
		Manifest:   manifestRegistry,
		Blob:       blob,
		ServerName: "doip-server",
	}

	// TLS is enabled when both certs/server.crt and certs/server.key exist
	// on disk; server.New probes for them itself (spec §6).
	srv, err := server.New(server.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		CertFile: "certs/server.crt",
		KeyFile:  "certs/server.key",
	}, deps, logger.Logger)
	if err != nil {
		logger.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped gracefully")
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
