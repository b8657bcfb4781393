package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Sentinel errors for the failure taxonomy. Callers classify with errors.Is
// after eris wrapping.
var (
	// ErrCriticalStageFailed means the primary analysis signal is missing and
	// no prediction can be produced.
	ErrCriticalStageFailed = eris.New("critical stage failed")

	// ErrInsufficientData means a calibration fit was refused because the
	// outcome history is too small or contains a single class.
	ErrInsufficientData = eris.New("calibration: insufficient data")

	// ErrFitInvalid means a calibration fit converged to a degenerate or
	// non-monotonic model and was rejected.
	ErrFitInvalid = eris.New("calibration: fit invalid")

	// ErrRetrainRegression means the candidate model underperformed the
	// active one beyond the configured tolerance.
	ErrRetrainRegression = eris.New("retrain: candidate model regressed")

	// ErrUnauthorized means a trigger call carried a missing or bad token.
	ErrUnauthorized = eris.New("unauthorized")

	// ErrInvalidParameter means a request carried a malformed filter value.
	ErrInvalidParameter = eris.New("invalid parameter")
)

// CriticalStageError carries the identity and cause of a fatal stage failure.
type CriticalStageError struct {
	StageName string
	Kind      ErrorKind
}

func (e *CriticalStageError) Error() string {
	return fmt.Sprintf("critical stage %s failed: %s", e.StageName, e.Kind)
}

func (e *CriticalStageError) Unwrap() error {
	return ErrCriticalStageFailed
}

// AsCriticalStageError extracts a CriticalStageError from an error chain.
func AsCriticalStageError(err error) (*CriticalStageError, bool) {
	var cse *CriticalStageError
	ok := errors.As(err, &cse)
	return cse, ok
}
