package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.MaxConcurrentJobs != 1 {
		t.Fatalf("max_concurrent_jobs: %d", cfg.MaxConcurrentJobs)
	}
	if cfg.MaxConcurrentDownloads != 2 {
		t.Fatalf("max_concurrent_downloads: %d", cfg.MaxConcurrentDownloads)
	}
	if cfg.StopGracePeriodSeconds != 10 || cfg.ShutdownDrainSeconds != 30 {
		t.Fatalf("grace/drain: %d/%d", cfg.StopGracePeriodSeconds, cfg.ShutdownDrainSeconds)
	}
	if cfg.DefaultThreads != 8 {
		t.Fatalf("default_threads: %d", cfg.DefaultThreads)
	}
	if len(cfg.Assets) == 0 {
		t.Fatal("default asset catalog is empty")
	}
	for _, a := range cfg.Assets {
		if a.Key == "" || a.InstallPath == "" || a.URL == "" || a.ProbeFile == "" {
			t.Fatalf("incomplete asset: %+v", a)
		}
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MEGAMD_HOME", "/srv/megam")
	t.Setenv("MEGAMD_OUTPUTS_ROOT", "")
	t.Setenv("MEGAMD_SCRIPT", "")
	cfg := Default()
	if cfg.OutputsRoot != "/srv/megam/outputs" {
		t.Fatalf("outputs_root: %s", cfg.OutputsRoot)
	}
	if cfg.ScriptPath != "/srv/megam/megam_arg_pipeline.sh" {
		t.Fatalf("script_path: %s", cfg.ScriptPath)
	}
}

func TestLoadFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "megamd.yaml")
	if err := os.WriteFile(fn, []byte(`
api_host: 0.0.0.0
api_port: 9000
max_concurrent_jobs: 3
phase_markers:
  - pattern: "(?i)spades"
    phase: assembly
    percent: 30
`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fn)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIHost != "0.0.0.0" || cfg.APIPort != 9000 {
		t.Fatalf("bind: %s:%d", cfg.APIHost, cfg.APIPort)
	}
	if cfg.MaxConcurrentJobs != 3 {
		t.Fatalf("max_concurrent_jobs: %d", cfg.MaxConcurrentJobs)
	}
	// Unset keys keep their defaults.
	if cfg.MaxConcurrentDownloads != 2 {
		t.Fatalf("max_concurrent_downloads: %d", cfg.MaxConcurrentDownloads)
	}
	if len(cfg.PhaseMarkers) != 1 || cfg.PhaseMarkers[0].Phase != "assembly" {
		t.Fatalf("phase_markers: %+v", cfg.PhaseMarkers)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "megamd.yaml")
	if err := os.WriteFile(fn, []byte("api_prot: 9000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(fn); err == nil {
		t.Fatal("typo in config key must be an error")
	}
}
