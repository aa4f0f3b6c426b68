// Package venv implements the VirtualEnv Preparer (spec §4.C): it creates
// and populates an isolated Python package environment per model family,
// and can interrupt an install in progress when a launch is cancelled.
package venv

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/logging"
	"github.com/cortexnode/worker/internal/metrics"
)

// Manager owns one virtualenv rooted at Path. A Manager is held by the
// Launching Guard for the duration of one launch (spec §3).
type Manager struct {
	Name string
	Path string

	mu      sync.Mutex
	install *exec.Cmd // the currently running pip-style install, if any
}

// EnsureEnv creates a named virtualenv rooted at root/name, or returns nil
// if venv support is globally disabled or this launch opted out. Mirrors
// the reference executor's preference for exec.CommandContext over a
// bundled interpreter shim.
func EnsureEnv(ctx context.Context, globallyEnabled bool, cfg domain.VenvConfig, root string) (*Manager, error) {
	enabled := globallyEnabled
	if cfg.Enable != nil {
		enabled = *cfg.Enable
	}
	if !enabled {
		return nil, nil
	}

	name := cfg.Name
	if name == "" {
		name = "default"
	}
	path := filepath.Join(root, name)

	if cfg.SkipIfInstalled {
		if info, err := os.Stat(filepath.Join(path, "pyvenv.cfg")); err == nil && !info.IsDir() {
			logging.Op().Info("reusing existing virtualenv", "path", path)
			return &Manager{Name: name, Path: path}, nil
		}
	}

	python := parentInterpreter()
	cmd := exec.CommandContext(ctx, python, "-m", "venv", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, domain.Downstream("create virtualenv", fmt.Errorf("%w: %s", err, out))
	}

	return &Manager{Name: name, Path: path}, nil
}

// parentInterpreter returns the interpreter the current process was run
// with, unless it looks like a bundled single-file binary (no site-packages
// alongside it), in which case it falls back to the "python3" on PATH.
func parentInterpreter() string {
	exe, err := os.Executable()
	if err == nil {
		if _, statErr := os.Stat(filepath.Join(filepath.Dir(exe), "site-packages")); statErr == nil {
			return exe
		}
	}
	return "python3"
}

// InstallPackages merges settings.Packages with extraPackages (and the
// parent process's pip index configuration when InheritPipConfig is set),
// then runs the install. The running *exec.Cmd is retained so Cancel can
// interrupt it.
func (m *Manager) InstallPackages(ctx context.Context, settings domain.VenvConfig, extraPackages []string) error {
	if m == nil {
		return nil
	}

	pkgs := append(append([]string(nil), settings.Packages...), extraPackages...)
	if len(pkgs) == 0 {
		return nil
	}

	args := []string{"-m", "pip", "install"}
	if settings.InheritPipConfig {
		if idx := os.Getenv("PIP_INDEX_URL"); idx != "" {
			args = append(args, "--index-url", idx)
		}
		if extra := os.Getenv("PIP_EXTRA_INDEX_URL"); extra != "" {
			args = append(args, "--extra-index-url", extra)
		}
	}
	args = append(args, pkgs...)

	cmd := exec.CommandContext(ctx, filepath.Join(m.Path, "bin", "python"), args...)

	m.mu.Lock()
	m.install = cmd
	m.mu.Unlock()

	start := time.Now()
	out, err := cmd.CombinedOutput()
	metrics.ObserveVenvInstallDuration(time.Since(start))

	m.mu.Lock()
	m.install = nil
	m.mu.Unlock()

	if err != nil {
		return domain.Downstream("install packages", fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

// Cancel interrupts an install in progress, if any.
func (m *Manager) Cancel() {
	if m == nil {
		return
	}
	m.mu.Lock()
	cmd := m.install
	m.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
