// Package jobstore persists job records in a single embedded SQLite file.
// It is the only cross-component mutable state: status transitions are the
// serialization point between the HTTP surface, the supervisor and the
// progress tracker. Writes are single atomic statements; the transition
// table is enforced inside the UPDATE itself so that racing writers cannot
// observe or produce an illegal edge.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"

	"github.com/megamlab/megamd"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	sample_id        TEXT NOT NULL,
	input_type       TEXT NOT NULL,
	status           TEXT NOT NULL,
	run_number       INTEGER,
	output_dir       TEXT,
	pid              INTEGER,
	threads          INTEGER NOT NULL,
	prokka_mode      TEXT NOT NULL,
	prokka_genus     TEXT NOT NULL DEFAULT '',
	prokka_species   TEXT NOT NULL DEFAULT '',
	force_rerun      INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	started_at       TIMESTAMP,
	completed_at     TIMESTAMP,
	exit_code        INTEGER,
	error_message    TEXT NOT NULL DEFAULT '',
	progress_percent INTEGER NOT NULL DEFAULT 0,
	current_step     TEXT NOT NULL DEFAULT 'initializing',
	logs_preview     TEXT NOT NULL DEFAULT '[]',
	deleted          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS jobs_sample ON jobs(sample_id);
`

type Store struct {
	db *sqlx.DB
}

// Open opens (and if necessary creates) the store at path, with WAL
// journaling and a busy timeout. All statements share one pooled
// connection, so reads wait behind an in-flight write.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// One connection keeps SQLite to a single writer; statements are short
	// enough that readers queueing behind it is not a concern at this load.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, xerrors.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// row mirrors the jobs table; converted to megamd.Job at the boundary.
type row struct {
	ID              string     `db:"id"`
	SampleID        string     `db:"sample_id"`
	InputType       string     `db:"input_type"`
	Status          string     `db:"status"`
	RunNumber       *int       `db:"run_number"`
	OutputDir       *string    `db:"output_dir"`
	Pid             *int       `db:"pid"`
	Threads         int        `db:"threads"`
	ProkkaMode      string     `db:"prokka_mode"`
	ProkkaGenus     string     `db:"prokka_genus"`
	ProkkaSpecies   string     `db:"prokka_species"`
	ForceRerun      bool       `db:"force_rerun"`
	CreatedAt       time.Time  `db:"created_at"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	ExitCode        *int       `db:"exit_code"`
	ErrorMessage    string     `db:"error_message"`
	ProgressPercent int        `db:"progress_percent"`
	CurrentStep     string     `db:"current_step"`
	LogsPreview     string     `db:"logs_preview"`
	Deleted         bool       `db:"deleted"`
}

func (r *row) job() *megamd.Job {
	j := &megamd.Job{
		ID:              r.ID,
		SampleID:        r.SampleID,
		InputType:       megamd.InputType(r.InputType),
		Status:          megamd.Status(r.Status),
		RunNumber:       r.RunNumber,
		OutputDir:       r.OutputDir,
		Pid:             r.Pid,
		Threads:         r.Threads,
		ProkkaMode:      r.ProkkaMode,
		ProkkaGenus:     r.ProkkaGenus,
		ProkkaSpecies:   r.ProkkaSpecies,
		Force:           r.ForceRerun,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		ExitCode:        r.ExitCode,
		ErrorMessage:    r.ErrorMessage,
		ProgressPercent: r.ProgressPercent,
		CurrentStep:     r.CurrentStep,
		Deleted:         r.Deleted,
	}
	if err := json.Unmarshal([]byte(r.LogsPreview), &j.LogsPreview); err != nil {
		// Preview is advisory; a corrupt column must not make the job
		// unreadable.
		j.LogsPreview = nil
	}
	return j
}

// Create inserts a new PENDING job and returns it.
func (s *Store) Create(sampleID string, inputType megamd.InputType, opts megamd.Options) (*megamd.Job, error) {
	j := &megamd.Job{
		ID:            uuid.New().String(),
		SampleID:      sampleID,
		InputType:     inputType,
		Status:        megamd.StatusPending,
		Threads:       opts.Threads,
		ProkkaMode:    opts.ProkkaMode,
		ProkkaGenus:   opts.ProkkaGenus,
		ProkkaSpecies: opts.ProkkaSpecies,
		Force:         opts.Force,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		CurrentStep:   "initializing",
	}
	_, err := s.db.Exec(`INSERT INTO jobs
		(id, sample_id, input_type, status, threads, prokka_mode, prokka_genus, prokka_species, force_rerun, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SampleID, string(j.InputType), string(j.Status),
		j.Threads, j.ProkkaMode, j.ProkkaGenus, j.ProkkaSpecies, j.Force, j.CreatedAt)
	if err != nil {
		return nil, xerrors.Errorf("inserting job: %w", err)
	}
	return j, nil
}

// Get returns the job with the given id. Soft-deleted jobs read as absent.
func (s *Store) Get(id string) (*megamd.Job, error) {
	var r row
	err := s.db.Get(&r, `SELECT * FROM jobs WHERE id = ? AND deleted = 0`, id)
	if err == sql.ErrNoRows {
		return nil, xerrors.Errorf("job %s: %w", id, megamd.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r.job(), nil
}

// List returns jobs newest-first, optionally filtered by status, plus the
// total count matching the filter (ignoring limit/offset).
func (s *Store) List(statusFilter string, limit, offset int) ([]*megamd.Job, int, error) {
	if limit <= 0 {
		limit = 50
	}
	where := "deleted = 0"
	args := []interface{}{}
	if statusFilter != "" {
		where += " AND status = ?"
		args = append(args, statusFilter)
	}
	var total int
	if err := s.db.Get(&total, `SELECT COUNT(*) FROM jobs WHERE `+where, args...); err != nil {
		return nil, 0, err
	}
	var rows []row
	err := s.db.Select(&rows, `SELECT * FROM jobs WHERE `+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	jobs := make([]*megamd.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].job()
	}
	return jobs, total, nil
}

// froms returns the quoted source statuses from which the state machine
// permits a transition to `to`.
func froms(to megamd.Status) string {
	var out []string
	for _, from := range []megamd.Status{megamd.StatusPending, megamd.StatusRunning} {
		if megamd.CanTransition(from, to) {
			out = append(out, "'"+string(from)+"'")
		}
	}
	return strings.Join(out, ", ")
}

// transitionErr decides which error a zero-row UPDATE means.
func (s *Store) transitionErr(id string, to megamd.Status) error {
	var status string
	err := s.db.Get(&status, `SELECT status FROM jobs WHERE id = ? AND deleted = 0`, id)
	if err == sql.ErrNoRows {
		return xerrors.Errorf("job %s: %w", id, megamd.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if megamd.Status(status).Terminal() {
		return xerrors.Errorf("job %s is %s: %w", id, status, megamd.ErrAlreadyTerminal)
	}
	return xerrors.Errorf("job %s: %s -> %s: %w", id, status, to, megamd.ErrInvalidTransition)
}

// MarkRunning transitions PENDING → RUNNING, recording the spawn facts in
// the same atomic write.
func (s *Store) MarkRunning(id string, runNumber int, outputDir string, pid int, startedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE jobs
		SET status = ?, run_number = ?, output_dir = ?, pid = ?, started_at = ?
		WHERE id = ? AND status IN (`+froms(megamd.StatusRunning)+`)`,
		string(megamd.StatusRunning), runNumber, outputDir, pid, startedAt.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionErr(id, megamd.StatusRunning)
	}
	return nil
}

// MarkTerminal transitions into a terminal status, clearing the pid. The
// exit code may be nil (e.g. spawn failures). errorMessage is recorded
// verbatim for FAILED and STOPPED, empty for COMPLETED.
func (s *Store) MarkTerminal(id string, to megamd.Status, exitCode *int, errorMessage string, completedAt time.Time) error {
	if !to.Terminal() {
		return xerrors.Errorf("MarkTerminal(%s): %s is not terminal: %w", id, to, megamd.ErrInvalidTransition)
	}
	// A soft-deleted row can still record its terminal facts; the watcher
	// may outlive an explicit DELETE.
	res, err := s.db.Exec(`UPDATE jobs
		SET status = ?, pid = NULL, exit_code = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status IN (`+froms(to)+`)`,
		string(to), exitCode, errorMessage, completedAt.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionErr(id, to)
	}
	return nil
}

// UpdateProgress merges a progress observation. The percent never
// regresses; MAX() enforces that in-store regardless of update order.
func (s *Store) UpdateProgress(id string, percent int, step string, preview []string) error {
	enc, err := json.Marshal(preview)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE jobs
		SET progress_percent = MAX(progress_percent, ?), current_step = ?, logs_preview = ?
		WHERE id = ?`,
		percent, step, string(enc), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.Errorf("job %s: %w", id, megamd.ErrNotFound)
	}
	return nil
}

// Delete soft-deletes a job. The caller removes the run directory;
// the row stays behind with the deleted flag set.
func (s *Store) Delete(id string) (*megamd.Job, error) {
	j, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`UPDATE jobs SET deleted = 1 WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return j, nil
}

// ReconcileOnStartup transitions every RUNNING row to FAILED. After a
// restart no RUNNING pid can belong to this process, and orphaned children
// are left for OS cleanup rather than adopted. Returns the number of rows
// reconciled.
func (s *Store) ReconcileOnStartup() (int, error) {
	res, err := s.db.Exec(`UPDATE jobs
		SET status = ?, pid = NULL, error_message = ?, completed_at = ?
		WHERE status = ?`,
		string(megamd.StatusFailed), "supervisor restarted; process lost",
		time.Now().UTC(), string(megamd.StatusRunning))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
