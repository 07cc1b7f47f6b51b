package bb84

import (
	"errors"
	"fmt"
)

// Terminal protocol outcomes. These are expected, first-class results of a
// negotiation, not programming faults: callers match on them with errors.Is
// and may simply start a fresh run with new randomness.
var (
	// ErrEavesdroppingDetected indicates that the error rate observed in the
	// detection sample exceeded the configured abort threshold.
	ErrEavesdroppingDetected = errors.New("observed QBER exceeds abort threshold")

	// ErrInsufficientKeyMaterial indicates that the sifted key was too short
	// to sample for eavesdropping detection and still leave usable key.
	ErrInsufficientKeyMaterial = errors.New("insufficient sifted key material")

	// ErrReconciliationFailed indicates that error correction did not
	// converge within its retry bound.
	ErrReconciliationFailed = errors.New("reconciliation failed to converge")

	// ErrKeyExhausted indicates that privacy amplification would produce an
	// empty key once leaked information is discounted.
	ErrKeyExhausted = errors.New("no secret bits remain after privacy amplification")
)

// A ProtocolError wraps a terminal protocol outcome together with the
// diagnostic state of the run at the time it aborted. No partial key
// accompanies it.
type ProtocolError struct {
	Err   error
	Stats Stats
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v (qber=%.4f, sifted=%d, sampled=%d, remaining=%d, leaked=%.1f)",
		e.Err, e.Stats.QBER, e.Stats.SiftedBits, e.Stats.SampledBits, e.Stats.RemainingBits, e.Stats.LeakedBits)
}

// Unwrap supports errors.Is matching against the sentinel outcomes.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func abort(err error, s *Stats) error {
	return &ProtocolError{Err: err, Stats: *s}
}
