// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 3567 || cfg.LakeFS.Branch != "main" || cfg.LakeFS.SignatureVersion != "s3v4" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if !cfg.VerifyTLS {
		t.Error("expected VerifyTLS to default true")
	}
}

func TestLoad_FileValuesAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("lakefs:\n  url: storage.example.com\n  repo: objects\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LAKEFS_REPO", "override-repo")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LakeFS.URL != "https://storage.example.com" {
		t.Errorf("got url %q, want scheme-prepended", cfg.LakeFS.URL)
	}
	if cfg.LakeFS.Repo != "override-repo" {
		t.Errorf("got repo %q, want env override to win", cfg.LakeFS.Repo)
	}
}

func TestLoad_DOIPPortAndTLSEnv(t *testing.T) {
	t.Setenv("DOIP_PORT", "4000")
	t.Setenv("DOIP_USE_TLS", "true")
	t.Setenv("DOIP_VERIFY_TLS", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 4000 {
		t.Errorf("got port %d, want 4000", cfg.Port)
	}
	if !cfg.UseTLS {
		t.Error("expected UseTLS true")
	}
	if cfg.VerifyTLS {
		t.Error("expected VerifyTLS false")
	}
}

func TestLoad_OllamaEnvOverride(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://localhost:11434/v1")
	t.Setenv("OLLAMA_API_KEY", "dummy-key")
	t.Setenv("OLLAMA_MODEL", "llama3")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("got base url %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.APIKey != "dummy-key" {
		t.Errorf("got api key %q", cfg.Ollama.APIKey)
	}
	if cfg.Ollama.Model != "llama3" {
		t.Errorf("got model %q", cfg.Ollama.Model)
	}
}
