// Package supervisor owns the pipeline child processes: admission,
// spawning, lifecycle transitions, stop requests and the shutdown drain.
// Each child runs in its own process group so that a stop reaches its
// descendants (the pipeline script forks aggressively). The watcher
// goroutine per job blocks on Wait without holding any lock.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/megamlab/megamd"
	"github.com/megamlab/megamd/internal/classify"
	"github.com/megamlab/megamd/internal/metrics"
	"github.com/megamlab/megamd/internal/progress"
	"github.com/megamlab/megamd/internal/runnumber"
)

// errTailLines is how much of the log tail ends up in error_message.
const errTailLines = 10

// Store is the slice of the job store the supervisor writes through.
type Store interface {
	Create(sampleID string, inputType megamd.InputType, opts megamd.Options) (*megamd.Job, error)
	MarkRunning(id string, runNumber int, outputDir string, pid int, startedAt time.Time) error
	MarkTerminal(id string, to megamd.Status, exitCode *int, errorMessage string, completedAt time.Time) error
	UpdateProgress(id string, percent int, step string, preview []string) error
	Get(id string) (*megamd.Job, error)
}

type Config struct {
	ScriptPath  string
	OutputsRoot string
	// MaxConcurrentJobs bounds RUNNING jobs; submissions beyond it are
	// rejected, not queued.
	MaxConcurrentJobs int
	// StopGracePeriod is the SIGTERM to SIGKILL delay. Zero or negative
	// disables the force-kill.
	StopGracePeriod time.Duration
	// DefaultWallClockLimit applies to jobs that do not carry their own
	// limit. Zero means unlimited.
	DefaultWallClockLimit time.Duration
	Markers               []progress.Marker
}

type Supervisor struct {
	cfg   Config
	store Store
	alloc *runnumber.Allocator
	log   *zap.SugaredLogger

	mu       sync.Mutex
	active   int
	children map[string]*child // job id → running child
	wg       sync.WaitGroup
}

type child struct {
	jobID   string
	pgid    int
	tracker *progress.Tracker

	mu            sync.Mutex
	stopRequested bool
	graceTimer    *time.Timer
	limitTimer    *time.Timer

	done chan struct{}
}

func New(cfg Config, store Store, log *zap.SugaredLogger) *Supervisor {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if len(cfg.Markers) == 0 {
		cfg.Markers = progress.DefaultMarkers()
	}
	return &Supervisor{
		cfg:      cfg,
		store:    store,
		alloc:    runnumber.New(cfg.OutputsRoot),
		log:      log,
		children: make(map[string]*child),
	}
}

// Launch validates, allocates, records and spawns a job. Admission is
// checked before any durable work: beyond the cap the call fails with
// too_many_jobs and leaves no row behind. Synchronous spawn failures are
// both recorded (FAILED) and returned.
func (s *Supervisor) Launch(sampleID string, opts megamd.Options) (*megamd.Job, error) {
	inputType, err := classify.Input(sampleID)
	if err != nil {
		return nil, err
	}
	if opts.WallClockLimit == 0 {
		opts.WallClockLimit = s.cfg.DefaultWallClockLimit
	}

	s.mu.Lock()
	if s.active >= s.cfg.MaxConcurrentJobs {
		s.mu.Unlock()
		return nil, xerrors.Errorf("%d jobs running: %w", s.active, megamd.ErrTooManyJobs)
	}
	s.active++
	s.mu.Unlock()

	job, err := s.launch1(sampleID, inputType, opts)
	if err != nil {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
		return job, err
	}
	return job, nil
}

func (s *Supervisor) launch1(sampleID string, inputType megamd.InputType, opts megamd.Options) (*megamd.Job, error) {
	job, err := s.store.Create(sampleID, inputType, opts)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*megamd.Job, error) {
		if terr := s.store.MarkTerminal(job.ID, megamd.StatusFailed, nil, err.Error(), time.Now()); terr != nil {
			s.log.Errorw("recording spawn failure", "job", job.ID, "err", terr)
		}
		return job, err
	}

	runNumber, outputDir, err := s.alloc.Next(sampleID)
	if err != nil {
		return fail(xerrors.Errorf("allocating run directory: %w", err))
	}

	logsDir := filepath.Join(outputDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fail(err)
	}
	logFile, err := os.Create(filepath.Join(logsDir, fmt.Sprintf("pipeline_%d.log", time.Now().Unix())))
	if err != nil {
		return fail(err)
	}

	tracker := progress.NewTracker(s.store, job.ID, s.cfg.Markers, s.log)
	out := io.MultiWriter(logFile, tracker)

	args := []string{sampleID, "--prokka-mode", opts.ProkkaMode, "-t", strconv.Itoa(opts.Threads)}
	if opts.ProkkaGenus != "" {
		args = append(args, "--prokka-genus", opts.ProkkaGenus)
	}
	if opts.ProkkaSpecies != "" {
		args = append(args, "--prokka-species", opts.ProkkaSpecies)
	}
	if opts.Force {
		args = append(args, "--force")
	}

	cmd := exec.Command(s.cfg.ScriptPath, args...)
	cmd.Dir = filepath.Dir(s.cfg.ScriptPath)
	cmd.Stdout = out
	cmd.Stderr = out
	// Own process group, so that stop/drain signals reach descendants.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"MEGAM_OUTPUT_DIR="+outputDir,
		"MEGAM_OUTPUTS_ROOT="+s.cfg.OutputsRoot,
		"MEGAM_RUN_NUMBER="+strconv.Itoa(runNumber),
	)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fail(xerrors.Errorf("%v: %w", cmd.Args, err))
	}

	startedAt := time.Now()
	pid := cmd.Process.Pid
	if err := s.store.MarkRunning(job.ID, runNumber, outputDir, pid, startedAt); err != nil {
		// The row refused the transition (e.g. stopped while spawning);
		// tear the child down again.
		unix.Kill(-pid, unix.SIGKILL)
		cmd.Wait()
		logFile.Close()
		return job, err
	}

	c := &child{
		jobID:   job.ID,
		pgid:    pid,
		tracker: tracker,
		done:    make(chan struct{}),
	}
	if opts.WallClockLimit > 0 {
		c.limitTimer = time.AfterFunc(opts.WallClockLimit, func() {
			s.log.Warnw("wall-clock limit reached, stopping job", "job", job.ID)
			s.stopChild(c)
		})
	}

	s.mu.Lock()
	s.children[job.ID] = c
	s.mu.Unlock()
	metrics.JobsRunning.Inc()

	s.log.Infow("job started",
		"job", job.ID, "sample", sampleID, "run", runNumber, "pid", pid)

	s.wg.Add(1)
	go s.watch(c, cmd, logFile)

	job.Status = megamd.StatusRunning
	job.RunNumber = &runNumber
	job.OutputDir = &outputDir
	job.Pid = &pid
	job.StartedAt = &startedAt
	return job, nil
}

// watch blocks on the child's exit and delivers the terminal transition.
// It must not hold s.mu or c.mu across Wait.
func (s *Supervisor) watch(c *child, cmd *exec.Cmd, logFile *os.File) {
	defer s.wg.Done()
	err := cmd.Wait()
	logFile.Close()

	c.mu.Lock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	if c.limitTimer != nil {
		c.limitTimer.Stop()
	}
	stopped := c.stopRequested
	c.mu.Unlock()

	exitCode := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				exitCode = 128 + int(ws.Signal())
			} else {
				exitCode = ee.ExitCode()
			}
		} else {
			exitCode = -1
		}
	}

	status := megamd.StatusCompleted
	errorMessage := ""
	switch {
	case stopped:
		status = megamd.StatusStopped
		errorMessage = fmt.Sprintf("stopped by request (exit code %d)", exitCode)
	case exitCode != 0:
		status = megamd.StatusFailed
		errorMessage = strings.Join(c.tracker.Tail(errTailLines), "\n")
		if errorMessage == "" {
			errorMessage = fmt.Sprintf("pipeline exited with code %d", exitCode)
		}
	}

	if err := s.store.MarkTerminal(c.jobID, status, &exitCode, errorMessage, time.Now()); err != nil {
		s.log.Errorw("recording terminal status", "job", c.jobID, "status", status, "err", err)
	}

	s.mu.Lock()
	delete(s.children, c.jobID)
	s.active--
	s.mu.Unlock()
	metrics.JobsRunning.Dec()
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	close(c.done)

	s.log.Infow("job finished", "job", c.jobID, "status", status, "exit_code", exitCode)
}

// Stop requests termination of a job. Idempotent while RUNNING (repeated
// calls converge to a single STOPPED transition); terminal jobs report
// already_terminal.
func (s *Supervisor) Stop(jobID string) error {
	s.mu.Lock()
	c := s.children[jobID]
	s.mu.Unlock()
	if c != nil {
		// The watcher records the terminal status before it drops the child
		// from the map; a job already terminal in the store is not stopped.
		if job, err := s.store.Get(jobID); err == nil && job.Status.Terminal() {
			return xerrors.Errorf("job %s is %s: %w", jobID, job.Status, megamd.ErrAlreadyTerminal)
		}
		s.stopChild(c)
		return nil
	}

	job, err := s.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return xerrors.Errorf("job %s is %s: %w", jobID, job.Status, megamd.ErrAlreadyTerminal)
	}
	if job.Status == megamd.StatusPending {
		// Not spawned yet (or spawn lost); stop the row directly.
		return s.store.MarkTerminal(jobID, megamd.StatusStopped, nil, "stopped before start", time.Now())
	}
	// RUNNING in the store but not ours: an orphan that reconciliation has
	// not caught. Nothing to signal; record the stop so the row converges.
	return s.store.MarkTerminal(jobID, megamd.StatusStopped, nil, "process not supervised; marked stopped", time.Now())
}

// stopChild delivers SIGTERM to the process group and arms the force-kill.
func (s *Supervisor) stopChild(c *child) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopRequested {
		return
	}
	c.stopRequested = true

	s.log.Infow("stopping job", "job", c.jobID, "pgid", c.pgid)
	if err := unix.Kill(-c.pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		s.log.Warnw("SIGTERM failed", "job", c.jobID, "err", err)
	}
	if s.cfg.StopGracePeriod > 0 {
		pgid := c.pgid
		c.graceTimer = time.AfterFunc(s.cfg.StopGracePeriod, func() {
			s.log.Warnw("grace period expired, killing process group", "job", c.jobID)
			unix.Kill(-pgid, unix.SIGKILL)
		})
	}
}

// Running returns the number of currently supervised jobs.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// StopIfRunning is used by DELETE: best-effort stop, no error if the job
// is not supervised.
func (s *Supervisor) StopIfRunning(jobID string) {
	s.mu.Lock()
	c := s.children[jobID]
	s.mu.Unlock()
	if c != nil {
		s.stopChild(c)
	}
}

// Drain terminates all running children for shutdown: SIGTERM to every
// process group, wait up to timeout, SIGKILL survivors, then wait for the
// watchers so every terminal transition is durably recorded.
func (s *Supervisor) Drain(timeout time.Duration) {
	s.mu.Lock()
	children := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	if len(children) == 0 {
		return
	}
	s.log.Infow("draining", "jobs", len(children), "timeout", timeout)
	for _, c := range children {
		s.stopChild(c)
	}

	deadline := time.After(timeout)
	for _, c := range children {
		select {
		case <-c.done:
		case <-deadline:
			s.log.Warnw("drain timeout, killing remaining process groups")
			for _, c := range children {
				select {
				case <-c.done:
				default:
					unix.Kill(-c.pgid, unix.SIGKILL)
				}
			}
			s.wg.Wait()
			return
		}
	}
	s.wg.Wait()
}
