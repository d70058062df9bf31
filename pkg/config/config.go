// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the server's configuration: an optional
// config.yaml provides defaults, and environment variables override it,
// per spec §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LakeFSConfig configures the blob-store (C4) backend.
type LakeFSConfig struct {
	URL              string `yaml:"url"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	Repo             string `yaml:"repo"`
	Branch           string `yaml:"branch"`
	SignatureVersion string `yaml:"signature_version"`
}

// OllamaConfig is a passthrough for the equation-extraction workflow's
// optional LLM enrichment; the core never reads it. BaseURL left empty
// disables enrichment entirely.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// Config is the full recognized configuration surface. Fields tagged
// yaml:"-" are environment-only, per spec §6.
type Config struct {
	LakeFS LakeFSConfig `yaml:"lakefs"`
	Ollama OllamaConfig `yaml:"ollama"`

	FDOAPI       string `yaml:"-"`
	MediaWikiAPI string `yaml:"-"`
	Host         string `yaml:"-"`
	Port         int    `yaml:"-"`
	UseTLS       bool   `yaml:"-"`
	VerifyTLS    bool   `yaml:"-"`
}

// Default returns the configuration used when config.yaml is absent and
// no environment overrides apply.
func Default() *Config {
	return &Config{
		LakeFS: LakeFSConfig{
			Branch:           "main",
			SignatureVersion: "s3v4",
		},
		Host:      "0.0.0.0",
		Port:      3567,
		VerifyTLS: true,
	}
}

// Load reads path (if it exists — config.yaml is optional), applies
// environment overrides, then fills in defaults left unset by either.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LAKEFS_URL"); v != "" {
		cfg.LakeFS.URL = v
	}
	if v := os.Getenv("LAKEFS_USER"); v != "" {
		cfg.LakeFS.User = v
	}
	if v := os.Getenv("LAKEFS_PASSWORD"); v != "" {
		cfg.LakeFS.Password = v
	}
	if v := os.Getenv("LAKEFS_REPO"); v != "" {
		cfg.LakeFS.Repo = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.Ollama.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_API_KEY"); v != "" {
		cfg.Ollama.APIKey = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		cfg.Ollama.Model = v
	}
	if v := os.Getenv("FDO_API"); v != "" {
		cfg.FDOAPI = v
	}
	if v := os.Getenv("MEDIAWIKI_API"); v != "" {
		cfg.MediaWikiAPI = v
	}
	if v := os.Getenv("DOIP_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("DOIP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DOIP_USE_TLS"); v != "" {
		cfg.UseTLS = parseBool(v)
	}
	if v := os.Getenv("DOIP_VERIFY_TLS"); v != "" {
		cfg.VerifyTLS = parseBool(v)
	}
}

// applyDefaults fills in fields config.yaml or the environment left
// empty, and normalizes lakefs.url to carry an explicit scheme.
func applyDefaults(cfg *Config) {
	if cfg.LakeFS.Branch == "" {
		cfg.LakeFS.Branch = "main"
	}
	if cfg.LakeFS.SignatureVersion == "" {
		cfg.LakeFS.SignatureVersion = "s3v4"
	}
	if cfg.LakeFS.URL != "" && !strings.Contains(cfg.LakeFS.URL, "://") {
		cfg.LakeFS.URL = "https://" + cfg.LakeFS.URL
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
