// megamd is the MEGAM ARG analysis service: an HTTP API over the pipeline
// shell script, supervising one child process per job and tracking results
// and reference databases.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/xerrors"

	"github.com/megamlab/megamd"
	"github.com/megamlab/megamd/internal/api"
	"github.com/megamlab/megamd/internal/assets"
	"github.com/megamlab/megamd/internal/config"
	"github.com/megamlab/megamd/internal/jobstore"
	"github.com/megamlab/megamd/internal/progress"
	"github.com/megamlab/megamd/internal/supervisor"
)

// version is set via ldflags during release builds.
var version = "dev"

var (
	configPath  = flag.String("config", "", "path to a YAML config file")
	listen      = flag.String("listen", "", "host:port to listen on (overrides the config file)")
	outputsRoot = flag.String("outputs_root", "", "run directory root (overrides the config file)")
	scriptPath  = flag.String("script", "", "pipeline script path (overrides the config file)")
	maxJobs     = flag.Int("max_jobs", 0, "maximum concurrently running jobs (overrides the config file)")
	showVersion = flag.Bool("version", false, "print the version and exit")
)

func newLogger() (*zap.Logger, error) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

func markers(cfg config.Config, log *zap.SugaredLogger) []progress.Marker {
	if len(cfg.PhaseMarkers) == 0 {
		return progress.DefaultMarkers()
	}
	var out []progress.Marker
	for _, m := range cfg.PhaseMarkers {
		marker, err := progress.NewMarker(m.Pattern, m.Phase, m.Percent)
		if err != nil {
			log.Warnw("skipping invalid phase marker", "pattern", m.Pattern, "err", err)
			continue
		}
		out = append(out, marker)
	}
	if len(out) == 0 {
		return progress.DefaultMarkers()
	}
	return out
}

func funcmain() error {
	flag.Parse()

	if *showVersion {
		fmt.Println("megamd " + version)
		return nil
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *outputsRoot != "" {
		cfg.OutputsRoot = *outputsRoot
	}
	if *scriptPath != "" {
		cfg.ScriptPath = *scriptPath
	}
	if *maxJobs > 0 {
		cfg.MaxConcurrentJobs = *maxJobs
	}
	addr := net.JoinHostPort(cfg.APIHost, strconv.Itoa(cfg.APIPort))
	if *listen != "" {
		addr = *listen
	}

	if _, err := os.Stat(cfg.ScriptPath); err != nil {
		log.Warnw("pipeline script not found; launches will fail until it exists",
			"script", cfg.ScriptPath)
	}
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputsRoot, 0755); err != nil {
		return err
	}

	store, err := jobstore.Open(filepath.Join(cfg.StateDir, "jobs.db"))
	if err != nil {
		return xerrors.Errorf("opening job store: %w", err)
	}
	defer store.Close()

	// Jobs that were RUNNING when a previous incarnation died are failed
	// now; their children belong to the OS, not to us.
	if n, err := store.ReconcileOnStartup(); err != nil {
		return xerrors.Errorf("reconciling: %w", err)
	} else if n > 0 {
		log.Infow("reconciled orphaned jobs", "count", n)
	}

	sup := supervisor.New(supervisor.Config{
		ScriptPath:            cfg.ScriptPath,
		OutputsRoot:           cfg.OutputsRoot,
		MaxConcurrentJobs:     cfg.MaxConcurrentJobs,
		StopGracePeriod:       time.Duration(cfg.StopGracePeriodSeconds) * time.Second,
		DefaultWallClockLimit: time.Duration(cfg.JobWallClockLimitSeconds) * time.Second,
		Markers:               markers(cfg, log),
	}, store, log.Named("supervisor"))

	am := assets.New(cfg.Assets, cfg.MaxConcurrentDownloads, log.Named("assets"))

	server := api.New(store, sup, am, cfg.DefaultThreads, version, log.Named("api"))
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	ctx, canc := megamd.InterruptibleContext()
	defer canc()

	errc := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", addr, "outputs", cfg.OutputsRoot, "script", cfg.ScriptPath)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Infow("shutting down", "drain", cfg.ShutdownDrainSeconds)
	shutdownCtx, cancShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancShutdown()
	httpServer.Shutdown(shutdownCtx)
	sup.Drain(time.Duration(cfg.ShutdownDrainSeconds) * time.Second)
	return nil
}

func main() {
	if err := funcmain(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
