package resilience

import (
	"errors"
	"strings"
)

// ErrVersionConflict marks a ledger commit that lost the version CAS race.
// Conflicts are transient: the mutation re-reads the latest snapshot and
// tries again.
var ErrVersionConflict = errors.New("ledger version conflict")

// TransientError wraps an error that is safe to retry (lock contention,
// serialization failure, connection drop).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as explicitly transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// IsTransient returns true if the error (or any error in its chain) is a
// version conflict, an explicit TransientError, or matches the lock/
// serialization failure patterns the two store backends report under
// write contention.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrVersionConflict) {
		return true
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// String-based heuristics for wrapped driver errors.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"database is locked",  // SQLITE_BUSY
		"database table is locked", // SQLITE_LOCKED
		"could not serialize access", // postgres 40001
		"deadlock detected",          // postgres 40P01
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"conn busy",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ClassifyError categorizes an error as "transient" or "permanent" for
// dead-letter bookkeeping.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
