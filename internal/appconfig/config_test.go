package appconfig

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Runtime.SerializeCreate {
		t.Fatalf("expected serialize_create to default false")
	}
	if cfg.Store.KeyPrefix != "moorage:session:" {
		t.Fatalf("unexpected key prefix %q", cfg.Store.KeyPrefix)
	}
	if cfg.Runtime.Image != "sandbox" {
		t.Fatalf("unexpected image %q", cfg.Runtime.Image)
	}
}

func TestSweepDurations(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if got := cfg.Sweep.Threshold().Minutes(); got != 30 {
		t.Fatalf("threshold = %v minutes", got)
	}
	if got := cfg.Sweep.MaxAge().Hours(); got != 24 {
		t.Fatalf("max age = %v hours", got)
	}
}
