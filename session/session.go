// Package session tracks the outcomes of BB84 negotiation runs.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qkdlab/bb84/bb84"
)

// ErrNotFound is returned when looking up a run the registry does not hold.
var ErrNotFound = errors.New("no such run")

// A Status classifies how a negotiation run ended.
type Status int

const (
	// Succeeded means the run produced a key.
	Succeeded Status = iota
	// Aborted means the run terminated on a protocol outcome, e.g. detected
	// eavesdropping or exhausted key material.
	Aborted
	// Failed means the run died on a transport or internal error.
	Failed
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// A Run records the outcome of a single negotiation. The final key itself is
// never recorded.
type Run struct {
	ID        uuid.UUID
	Status    Status
	Stats     bb84.Stats
	Err       error
	CreatedAt time.Time
}

// A Summary aggregates the runs a registry holds.
type Summary struct {
	Runs      int
	Succeeded int
	Aborted   int
	Failed    int

	// MeanQBER averages the observed QBER over runs that got far enough to
	// measure one.
	MeanQBER float64

	// KeyBits totals the key material produced across all runs.
	KeyBits int
}

// A Registry is a thread-safe store of negotiation outcomes.
type Registry struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]Run
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[uuid.UUID]Run)}
}

// Record stores the outcome of one negotiation and returns its assigned ID.
// The status is classified from err: nil means success, an abort on a
// protocol outcome means Aborted, anything else means Failed.
func (r *Registry) Record(stats bb84.Stats, err error) uuid.UUID {
	run := Run{
		ID:        uuid.New(),
		Status:    classify(err),
		Stats:     stats,
		Err:       err,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return run.ID
}

// Get returns the run with the given ID, or ErrNotFound.
func (r *Registry) Get(id uuid.UUID) (Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

// Summarize aggregates every recorded run.
func (r *Registry) Summarize() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Summary
	var qberSum float64
	var qberRuns int
	for _, run := range r.runs {
		s.Runs++
		switch run.Status {
		case Succeeded:
			s.Succeeded++
		case Aborted:
			s.Aborted++
		case Failed:
			s.Failed++
		}
		if run.Stats.SampledBits > 0 {
			qberSum += run.Stats.QBER
			qberRuns++
		}
		s.KeyBits += run.Stats.KeyBits
	}
	if qberRuns > 0 {
		s.MeanQBER = qberSum / float64(qberRuns)
	}
	return s
}

func classify(err error) Status {
	switch {
	case err == nil:
		return Succeeded
	case errors.Is(err, bb84.ErrEavesdroppingDetected),
		errors.Is(err, bb84.ErrInsufficientKeyMaterial),
		errors.Is(err, bb84.ErrReconciliationFailed),
		errors.Is(err, bb84.ErrKeyExhausted):
		return Aborted
	}
	return Failed
}
