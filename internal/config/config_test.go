package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("MRN_SYSTEM")
	os.Unsetenv("ABHA_SYSTEM")
	os.Unsetenv("VLM_TIMEOUT_SECONDS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MRNSystem != "urn:oid:2.16.840.1.113883.2.1.4.1" {
		t.Errorf("expected default MRN system, got %s", cfg.MRNSystem)
	}

	if cfg.ABHASystem != "https://healthid.ndhm.gov.in" {
		t.Errorf("expected default ABHA system, got %s", cfg.ABHASystem)
	}

	if cfg.VLMTimeoutSeconds != 30 {
		t.Errorf("expected default VLM timeout 30s, got %d", cfg.VLMTimeoutSeconds)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("MRN_SYSTEM", "urn:oid:1.2.3.4")
	os.Setenv("VLM_MODEL", "gpt-4o-mini")
	defer os.Unsetenv("MRN_SYSTEM")
	defer os.Unsetenv("VLM_MODEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MRNSystem != "urn:oid:1.2.3.4" {
		t.Errorf("expected MRN_SYSTEM override, got %s", cfg.MRNSystem)
	}

	if cfg.VLMModel != "gpt-4o-mini" {
		t.Errorf("expected VLM_MODEL override, got %s", cfg.VLMModel)
	}
}

func TestLoad_RejectsNonPositiveTimeout(t *testing.T) {
	os.Setenv("VLM_TIMEOUT_SECONDS", "0")
	defer os.Unsetenv("VLM_TIMEOUT_SECONDS")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for VLM_TIMEOUT_SECONDS=0")
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
