// Package megamd holds the shared vocabulary of the MEGAM ARG analysis
// service: the job record, its status state machine, launch options and the
// error kinds surfaced over the HTTP API.
package megamd

import "time"

// Status is the lifecycle state of a job. Transitions are enforced by the
// job store; see CanTransition.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// Terminal reports whether s is a final state. Terminal jobs never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning: {StatusCompleted, StatusFailed, StatusStopped},
}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// InputType classifies what the submitted sample identifier refers to. It
// decides which flags the pipeline script receives.
type InputType string

const (
	InputReadsArchive      InputType = "reads_archive"
	InputSequenceAccession InputType = "sequence_accession"
	InputAssemblyAccession InputType = "assembly_accession"
	InputLocalFile         InputType = "local_file"
)

// Options are the caller-supplied knobs echoed to the pipeline script.
// Immutable once the job row exists.
type Options struct {
	Threads       int    `json:"threads"`
	ProkkaMode    string `json:"prokka_mode"`
	ProkkaGenus   string `json:"prokka_genus,omitempty"`
	ProkkaSpecies string `json:"prokka_species,omitempty"`
	Force         bool   `json:"force"`

	// WallClockLimit, when > 0, stops the job after the given duration
	// using the same protocol as an explicit stop request.
	WallClockLimit time.Duration `json:"-"`
}

// Job is one pipeline submission. One row per submission; rows are never
// mutated after reaching a terminal status (except the deleted flag).
type Job struct {
	ID        string    `json:"job_id"`
	SampleID  string    `json:"sample_id"`
	InputType InputType `json:"input_type"`
	Status    Status    `json:"status"`

	// RunNumber and OutputDir are set together when the child is spawned
	// and are immutable thereafter.
	RunNumber *int    `json:"run_number,omitempty"`
	OutputDir *string `json:"output_dir,omitempty"`

	// Pid is meaningful only while Status == RUNNING. After a crash a
	// stale value may linger on disk until reconciliation.
	Pid *int `json:"pid,omitempty"`

	Threads       int    `json:"threads"`
	ProkkaMode    string `json:"prokka_mode"`
	ProkkaGenus   string `json:"prokka_genus,omitempty"`
	ProkkaSpecies string `json:"prokka_species,omitempty"`
	Force         bool   `json:"force"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ExitCode     *int   `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	ProgressPercent int      `json:"progress_percent"`
	CurrentStep     string   `json:"current_step"`
	LogsPreview     []string `json:"logs_preview,omitempty"`

	// Deleted records that an explicit DELETE removed the run directory.
	Deleted bool `json:"deleted,omitempty"`
}
