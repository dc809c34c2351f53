// Package progress turns the child's log stream into a phase/percent
// estimate. The tracker is an io.Writer fed from the supervisor's side of
// the pipe (the mirrored log file on disk is never watched); each complete
// line is matched against an ordered marker table and pushed to the job
// store. Progress is advisory: the authoritative completion signal is the
// child's exit code, not reaching 100%.
package progress

import (
	"bytes"
	"regexp"
	"sync"

	"go.uber.org/zap"
)

// RingSize bounds the logs preview kept per job.
const RingSize = 200

// InitialStep is reported until the first marker fires.
const InitialStep = "initializing"

// Marker advances a job to Phase at Percent when a log line matches.
type Marker struct {
	re      *regexp.Regexp
	Phase   string
	Percent int
}

// NewMarker compiles one marker. Used by config loading; DefaultMarkers
// covers the stock pipeline.
func NewMarker(pattern, phase string, percent int) (Marker, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Marker{}, err
	}
	return Marker{re: re, Phase: phase, Percent: percent}, nil
}

// DefaultMarkers covers the known stages of the analysis pipeline. Order
// matters: the first matching marker wins for a given line.
func DefaultMarkers() []Marker {
	mk := func(pattern, phase string, percent int) Marker {
		return Marker{re: regexp.MustCompile(pattern), Phase: phase, Percent: percent}
	}
	return []Marker{
		mk(`(?i)prefetch|fasterq-dump|downloading (reads|sequence|assembly)`, "downloading", 5),
		mk(`(?i)fastp|trimmomatic|quality (control|check)`, "quality_control", 15),
		mk(`(?i)spades|unicycler|assembly`, "assembly", 30),
		mk(`(?i)prokka|annotation`, "annotation", 50),
		mk(`(?i)abricate|amrfinder|\brgi\b|resistance gene|arg detection`, "arg_detection", 65),
		mk(`(?i)snippy|variant call`, "variant_calling", 80),
		mk(`(?i)generating report|report generation|summariz`, "reporting", 90),
		mk(`(?i)finaliz|pipeline (complete|finished)`, "finalizing", 97),
	}
}

// Store is the slice of the job store the tracker writes through.
type Store interface {
	UpdateProgress(id string, percent int, step string, preview []string) error
}

// Tracker consumes one job's combined stdout/stderr.
type Tracker struct {
	jobID   string
	store   Store
	log     *zap.SugaredLogger
	markers []Marker

	mu      sync.Mutex
	partial []byte
	ring    []string
	percent int
	step    string
}

func NewTracker(store Store, jobID string, markers []Marker, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		jobID:   jobID,
		store:   store,
		log:     log,
		markers: markers,
		step:    InitialStep,
	}
}

// Write splits p into lines and observes each complete one. Partial lines
// are buffered until their newline arrives. Always reports len(p) written:
// the tracker must never fail the child's output pipe.
func (t *Tracker) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.partial = append(t.partial, p...)
	var dirty bool
	for {
		idx := bytes.IndexByte(t.partial, '\n')
		if idx == -1 {
			break
		}
		line := string(bytes.TrimRight(t.partial[:idx], "\r"))
		t.partial = t.partial[idx+1:]
		if line != "" {
			t.observe(line)
			dirty = true
		}
	}
	percent, step, preview := t.percent, t.step, t.preview()
	t.mu.Unlock()

	// Flush outside the lock; store errors only degrade freshness.
	if dirty {
		if err := t.store.UpdateProgress(t.jobID, percent, step, preview); err != nil {
			t.log.Warnw("progress update failed", "job", t.jobID, "err", err)
		}
	}
	return len(p), nil
}

// observe is called with t.mu held.
func (t *Tracker) observe(line string) {
	t.ring = append(t.ring, line)
	if len(t.ring) > RingSize {
		t.ring = t.ring[len(t.ring)-RingSize:]
	}
	for _, m := range t.markers {
		if m.re.MatchString(line) {
			t.step = m.Phase
			if m.Percent > t.percent {
				t.percent = m.Percent
			}
			break
		}
	}
}

func (t *Tracker) preview() []string {
	out := make([]string, len(t.ring))
	copy(out, t.ring)
	return out
}

// Snapshot returns the current estimate and preview.
func (t *Tracker) Snapshot() (percent int, step string, preview []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent, t.step, t.preview()
}

// Tail returns the last n observed lines, for failure messages.
func (t *Tracker) Tail(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.ring) {
		n = len(t.ring)
	}
	out := make([]string, n)
	copy(out, t.ring[len(t.ring)-n:])
	return out
}
