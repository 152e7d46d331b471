package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ServiceName != "penrose" {
		t.Errorf("unexpected service name: %s", cfg.ServiceName)
	}
	if cfg.EmbedDim != 384 {
		t.Errorf("embedding dim default should be 384, got %d", cfg.EmbedDim)
	}
	if cfg.ContextTopK != 5 {
		t.Errorf("context top-k default should be 5, got %d", cfg.ContextTopK)
	}
	if cfg.StreamEnabled {
		t.Error("durable ingress must be opt-in")
	}
	if !cfg.NATSEnabled {
		t.Error("ephemeral ingress should default on")
	}
	if cfg.ContentTracing {
		t.Error("content tracing must default off")
	}
	if cfg.DevMode {
		t.Error("dev mode must default off")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PENROSE_QDRANT_HOST", "vector-db")
	t.Setenv("PENROSE_QDRANT_PORT", "7443")
	t.Setenv("PENROSE_STREAM_ENABLED", "true")
	t.Setenv("PENROSE_CONTENT_TRACING", "1")
	t.Setenv("PENROSE_CONTEXT_TOP_K", "9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.QdrantAddr() != "vector-db:7443" {
		t.Errorf("unexpected qdrant addr: %s", cfg.QdrantAddr())
	}
	if !cfg.StreamEnabled || !cfg.ContentTracing {
		t.Error("boolean overrides not applied")
	}
	if cfg.ContextTopK != 9 {
		t.Errorf("unexpected top-k: %d", cfg.ContextTopK)
	}
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	t.Setenv("PENROSE_QDRANT_PORT", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for port 0")
	}
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	t.Setenv("PENROSE_CONTEXT_TOP_K", "many")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ContextTopK != 5 {
		t.Errorf("malformed int should fall back to default, got %d", cfg.ContextTopK)
	}
}
