package venv

import (
	"context"
	"testing"

	"github.com/cortexnode/worker/internal/domain"
)

func TestEnsureEnvDisabledGlobally(t *testing.T) {
	mgr, err := EnsureEnv(context.Background(), false, domain.VenvConfig{}, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mgr != nil {
		t.Fatal("expected nil manager when globally disabled")
	}
}

func TestEnsureEnvExplicitOptOut(t *testing.T) {
	disabled := false
	mgr, err := EnsureEnv(context.Background(), true, domain.VenvConfig{Enable: &disabled}, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mgr != nil {
		t.Fatal("expected nil manager when launch opts out")
	}
}

func TestInstallPackagesNilManagerNoop(t *testing.T) {
	var mgr *Manager
	if err := mgr.InstallPackages(context.Background(), domain.VenvConfig{Packages: []string{"foo"}}, nil); err != nil {
		t.Fatalf("nil manager InstallPackages should be a no-op, got %v", err)
	}
}

func TestCancelNilManagerNoop(t *testing.T) {
	var mgr *Manager
	mgr.Cancel() // must not panic
}
