package megamd

import "errors"

// Error kinds surfaced over the HTTP API. Components return these (possibly
// wrapped); the API layer maps them to status codes with errors.Is.
var (
	ErrInvalidInput       = errors.New("invalid_input")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidTransition  = errors.New("invalid_transition")
	ErrAlreadyTerminal    = errors.New("already_terminal")
	ErrNotCompleted       = errors.New("not_completed")
	ErrTooManyJobs        = errors.New("too_many_jobs")
	ErrAlreadyDownloading = errors.New("already_downloading")
)
