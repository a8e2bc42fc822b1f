package config

import (
	"testing"
	"time"
)

func TestLoadDaemonConfigReadsOverrides(t *testing.T) {
	t.Setenv("GIT_SHALLOW_CLONE", "false")
	t.Setenv("SHUTDOWN_GRACE_SECONDS", "3")

	cfg := LoadDaemonConfig()
	if cfg.ShallowClone {
		t.Fatalf("expected full clones with GIT_SHALLOW_CLONE=false")
	}
	if cfg.ShutdownGrace != 3*time.Second {
		t.Fatalf("expected 3s shutdown grace, got %s", cfg.ShutdownGrace)
	}
}

func TestLoadDaemonConfigFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("GIT_SHALLOW_CLONE", "definitely")
	t.Setenv("SHUTDOWN_GRACE_SECONDS", "soon")

	cfg := LoadDaemonConfig()
	if !cfg.ShallowClone {
		t.Fatalf("unparsable GIT_SHALLOW_CLONE must keep the default")
	}
	if cfg.ShutdownGrace != 10*time.Second {
		t.Fatalf("unparsable SHUTDOWN_GRACE_SECONDS must keep the default, got %s", cfg.ShutdownGrace)
	}
}
