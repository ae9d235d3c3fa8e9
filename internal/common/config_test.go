package common

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	if cfg.Server.Addr != ":8090" {
		t.Errorf("Addr = %q, want :8090", cfg.Server.Addr)
	}
	if cfg.Intake.DPI != 300 {
		t.Errorf("DPI = %d, want 300", cfg.Intake.DPI)
	}
	if cfg.OCR.EscalationThreshold != 0.70 {
		t.Errorf("EscalationThreshold = %v, want 0.70", cfg.OCR.EscalationThreshold)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration must validate: %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("RASTER_DPI", "350")
	t.Setenv("EXTRACT_TIMEOUT", "45s")
	t.Setenv("REVIEW_THRESHOLD", "0.6")

	cfg := LoadConfig()
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Addr = %q, want :9999", cfg.Server.Addr)
	}
	if cfg.Intake.DPI != 350 {
		t.Errorf("DPI = %d, want 350", cfg.Intake.DPI)
	}
	if cfg.Server.ExtractTimeout != 45*time.Second {
		t.Errorf("ExtractTimeout = %v, want 45s", cfg.Server.ExtractTimeout)
	}
	if cfg.Review.Threshold != 0.6 {
		t.Errorf("Threshold = %v, want 0.6", cfg.Review.Threshold)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := LoadConfig()
	cfg.OCR.EscalationThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("an escalation threshold above 1 must fail validation")
	}

	cfg = LoadConfig()
	cfg.Store.Driver = "mongodb"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown store drivers must fail validation")
	}
}

func TestIsKind(t *testing.T) {
	err := NewAppError(KindEncryptedDocument, "locked", nil)
	if !IsKind(err, KindEncryptedDocument) {
		t.Error("IsKind must match the error's own kind")
	}
	if IsKind(err, KindCorruptedFile) {
		t.Error("IsKind must not match a different kind")
	}
	wrapped := WrapError(err, "intake")
	if !IsKind(wrapped, KindEncryptedDocument) {
		t.Error("IsKind must see through wrapping")
	}
	if IsKind(nil, KindCorruptedFile) {
		t.Error("nil carries no kind")
	}
}
