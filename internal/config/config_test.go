package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/kg")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.EmbedDimensions != 1024 {
		t.Errorf("EmbedDimensions = %d, want 1024", cfg.EmbedDimensions)
	}
	if cfg.EmbedTimeout != 10*time.Second {
		t.Errorf("EmbedTimeout = %v, want 10s", cfg.EmbedTimeout)
	}
	if cfg.ResolverFuzzyThreshold != 0.92 {
		t.Errorf("ResolverFuzzyThreshold = %v, want 0.92", cfg.ResolverFuzzyThreshold)
	}
	if cfg.SupportSimilarity != 0.97 {
		t.Errorf("SupportSimilarity = %v, want 0.97", cfg.SupportSimilarity)
	}
	if cfg.ResultCount != 10 {
		t.Errorf("ResultCount = %d, want 10", cfg.ResultCount)
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "placeholder")
	os.Unsetenv("DATABASE_URL")

	if _, err := Load(); err == nil {
		t.Error("Load() without DATABASE_URL expected error, got nil")
	}
}

func TestLoad_RejectsInvertedThresholds(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/kg")
	t.Setenv("RESOLVER_AUTO_MERGE_THRESHOLD", "0.5")
	t.Setenv("RESOLVER_VECTOR_THRESHOLD", "0.85")

	if _, err := Load(); err == nil {
		t.Error("Load() with auto-merge below vector threshold expected error, got nil")
	}
}
