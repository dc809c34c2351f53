// Package config loads the megamd service configuration: an optional YAML
// file, environment fallbacks, and built-in defaults. Flags in cmd/megamd
// override whatever this package returns.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Asset describes one reference data bundle the asset manager tracks.
type Asset struct {
	Key         string `yaml:"key"`
	DisplayName string `yaml:"display_name"`
	// InstallPath is where the extracted bundle lives.
	InstallPath string `yaml:"install_path"`
	// URL is the bundle download location (a .tar.gz).
	URL string `yaml:"url"`
	// ProbeFile, relative to InstallPath, decides installed-ness. Partial
	// downloads that lack it are treated as absent.
	ProbeFile string `yaml:"probe_file"`
	Required  bool   `yaml:"required"`
}

// Marker is one phase marker for the progress tracker: when a log line
// matches Pattern, the job enters Phase at Percent.
type Marker struct {
	Pattern string `yaml:"pattern"`
	Phase   string `yaml:"phase"`
	Percent int    `yaml:"percent"`
}

type Config struct {
	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	// OutputsRoot contains one <sample>_<N> directory per run.
	OutputsRoot string `yaml:"outputs_root"`
	// ScriptPath is the pipeline shell script the supervisor spawns.
	ScriptPath string `yaml:"script_path"`
	// StateDir holds jobs.db.
	StateDir string `yaml:"state_dir"`

	MaxConcurrentJobs      int `yaml:"max_concurrent_jobs"`
	MaxConcurrentDownloads int `yaml:"max_concurrent_downloads"`
	StopGracePeriodSeconds int `yaml:"stop_grace_period_seconds"`
	ShutdownDrainSeconds   int `yaml:"shutdown_drain_seconds"`
	DefaultThreads         int `yaml:"default_threads"`
	// JobWallClockLimitSeconds, when > 0, stops any job running longer
	// than this using the regular stop protocol. Off by default: the
	// analyses legitimately run for tens of minutes.
	JobWallClockLimitSeconds int `yaml:"job_wall_clock_limit_seconds"`

	Assets       []Asset  `yaml:"assets"`
	PhaseMarkers []Marker `yaml:"phase_markers"`
}

func home() string {
	if env := os.Getenv("MEGAMD_HOME"); env != "" {
		return env
	}
	return os.ExpandEnv("$HOME/megam-arg")
}

// Default returns the built-in configuration, honoring the MEGAMD_HOME,
// MEGAMD_OUTPUTS_ROOT and MEGAMD_SCRIPT environment variables.
func Default() Config {
	h := home()
	outputs := os.Getenv("MEGAMD_OUTPUTS_ROOT")
	if outputs == "" {
		outputs = filepath.Join(h, "outputs")
	}
	script := os.Getenv("MEGAMD_SCRIPT")
	if script == "" {
		script = filepath.Join(h, "megam_arg_pipeline.sh")
	}
	return Config{
		APIHost:                "127.0.0.1",
		APIPort:                8490,
		OutputsRoot:            outputs,
		ScriptPath:             script,
		StateDir:               filepath.Join(h, "state"),
		MaxConcurrentJobs:      1,
		MaxConcurrentDownloads: 2,
		StopGracePeriodSeconds: 10,
		ShutdownDrainSeconds:   30,
		DefaultThreads:         8,
		Assets:                 defaultAssets(h),
	}
}

func defaultAssets(h string) []Asset {
	dbdir := filepath.Join(h, "databases")
	asset := func(key, name string, required bool) Asset {
		return Asset{
			Key:         key,
			DisplayName: name,
			InstallPath: filepath.Join(dbdir, key),
			URL:         "https://data.megam-arg.org/databases/" + key + ".tar.gz",
			ProbeFile:   "sequences.fa",
			Required:    required,
		}
	}
	return []Asset{
		asset("card", "CARD (Comprehensive Antibiotic Resistance Database)", true),
		asset("resfinder", "ResFinder", true),
		asset("ncbi", "NCBI AMRFinderPlus reference genes", true),
		asset("vfdb", "VFDB (Virulence Factor Database)", false),
		asset("plasmidfinder", "PlasmidFinder", false),
		asset("rgi", "RGI model data", false),
	}
}

// Load reads path (if non-empty) on top of Default. Unknown keys are an
// error so typos in deployment files surface immediately.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, xerrors.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}
