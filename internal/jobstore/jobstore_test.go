package jobstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/megamlab/megamd"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func create(t *testing.T, s *Store, sample string) *megamd.Job {
	t.Helper()
	j, err := s.Create(sample, megamd.InputReadsArchive, megamd.Options{Threads: 8, ProkkaMode: "auto"})
	require.NoError(t, err)
	return j
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t)
	j := create(t, s, "SRR28083254")
	require.NotEmpty(t, j.ID)
	require.Equal(t, megamd.StatusPending, j.Status)

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, "SRR28083254", got.SampleID)
	require.Equal(t, megamd.StatusPending, got.Status)
	require.Equal(t, 8, got.Threads)
	require.Nil(t, got.RunNumber)
	require.Nil(t, got.Pid)

	_, err = s.Get("no-such-id")
	require.True(t, errors.Is(err, megamd.ErrNotFound))
}

func TestLifecycleHappyPath(t *testing.T) {
	s := openStore(t)
	j := create(t, s, "SRR1")

	started := time.Now()
	require.NoError(t, s.MarkRunning(j.ID, 1, "/outputs/SRR1_1", 4242, started))

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, megamd.StatusRunning, got.Status)
	require.NotNil(t, got.Pid)
	require.Equal(t, 4242, *got.Pid)
	require.NotNil(t, got.RunNumber)
	require.Equal(t, 1, *got.RunNumber)
	require.NotNil(t, got.StartedAt)

	code := 0
	require.NoError(t, s.MarkTerminal(j.ID, megamd.StatusCompleted, &code, "", time.Now()))
	got, err = s.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, megamd.StatusCompleted, got.Status)
	require.Nil(t, got.Pid, "pid must clear on terminal transition")
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.CompletedAt)
	require.False(t, got.CompletedAt.Before(*got.StartedAt))
}

func TestInvalidTransitions(t *testing.T) {
	s := openStore(t)

	// PENDING → COMPLETED is not an edge.
	j := create(t, s, "SRR1")
	code := 0
	err := s.MarkTerminal(j.ID, megamd.StatusCompleted, &code, "", time.Now())
	require.True(t, errors.Is(err, megamd.ErrInvalidTransition), "got %v", err)

	// Terminal states never transition further.
	require.NoError(t, s.MarkTerminal(j.ID, megamd.StatusStopped, nil, "stopped before start", time.Now()))
	err = s.MarkRunning(j.ID, 1, "/outputs/SRR1_1", 1, time.Now())
	require.True(t, errors.Is(err, megamd.ErrAlreadyTerminal), "got %v", err)
	err = s.MarkTerminal(j.ID, megamd.StatusFailed, nil, "boom", time.Now())
	require.True(t, errors.Is(err, megamd.ErrAlreadyTerminal), "got %v", err)

	// Unknown job.
	err = s.MarkRunning("no-such-id", 1, "/x", 1, time.Now())
	require.True(t, errors.Is(err, megamd.ErrNotFound), "got %v", err)
}

func TestProgressMonotonic(t *testing.T) {
	s := openStore(t)
	j := create(t, s, "SRR1")
	require.NoError(t, s.MarkRunning(j.ID, 1, "/outputs/SRR1_1", 1, time.Now()))

	require.NoError(t, s.UpdateProgress(j.ID, 40, "assembly", []string{"spades started"}))
	require.NoError(t, s.UpdateProgress(j.ID, 15, "quality_control", []string{"late line"}))

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, 40, got.ProgressPercent, "percent must not regress")
	// Step and preview are last-writer-wins; only the percent is clamped.
	require.Equal(t, "quality_control", got.CurrentStep)
	require.Equal(t, []string{"late line"}, got.LogsPreview)
}

func TestListFilterAndPaging(t *testing.T) {
	s := openStore(t)
	a := create(t, s, "SRR1")
	b := create(t, s, "SRR2")
	create(t, s, "SRR3")
	require.NoError(t, s.MarkRunning(a.ID, 1, "/outputs/SRR1_1", 1, time.Now()))
	require.NoError(t, s.MarkRunning(b.ID, 1, "/outputs/SRR2_1", 2, time.Now()))

	jobs, total, err := s.List("", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, jobs, 3)

	jobs, total, err = s.List(string(megamd.StatusRunning), 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, jobs, 2)

	jobs, total, err = s.List("", 1, 1)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, jobs, 1)
}

func TestSoftDelete(t *testing.T) {
	s := openStore(t)
	j := create(t, s, "SRR1")

	deleted, err := s.Delete(j.ID)
	require.NoError(t, err)
	require.Equal(t, j.ID, deleted.ID)

	_, err = s.Get(j.ID)
	require.True(t, errors.Is(err, megamd.ErrNotFound))

	_, total, err := s.List("", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 0, total)

	_, err = s.Delete(j.ID)
	require.True(t, errors.Is(err, megamd.ErrNotFound))
}

func TestReconcileOnStartup(t *testing.T) {
	s := openStore(t)
	running := create(t, s, "SRR1")
	pending := create(t, s, "SRR2")
	done := create(t, s, "SRR3")
	require.NoError(t, s.MarkRunning(running.ID, 1, "/outputs/SRR1_1", 99999, time.Now()))
	require.NoError(t, s.MarkRunning(done.ID, 1, "/outputs/SRR3_1", 4, time.Now()))
	code := 0
	require.NoError(t, s.MarkTerminal(done.ID, megamd.StatusCompleted, &code, "", time.Now()))

	n, err := s.ReconcileOnStartup()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Get(running.ID)
	require.NoError(t, err)
	require.Equal(t, megamd.StatusFailed, got.Status)
	require.Equal(t, "supervisor restarted; process lost", got.ErrorMessage)
	require.Nil(t, got.Pid)

	// PENDING and terminal rows are untouched.
	got, err = s.Get(pending.ID)
	require.NoError(t, err)
	require.Equal(t, megamd.StatusPending, got.Status)
	got, err = s.Get(done.ID)
	require.NoError(t, err)
	require.Equal(t, megamd.StatusCompleted, got.Status)
}
