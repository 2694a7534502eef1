package align

import (
	"errors"
	"fmt"
	"os/exec"
)

// Sentinel errors raised by aligners, focusers and filter wheels. Implementations wrap them with
// a description, e.g. fmt.Errorf("%w: found 12 of 100", ErrStarNotFound).
var (
	ErrNoAligner             = errors.New("no alignment capability available")
	ErrOpticsIO              = errors.New("optics communication failure")
	ErrInvalidFocusPosition  = errors.New("invalid focus position")
	ErrStarNotFound          = errors.New("star not found")
	ErrFocusNotFound         = errors.New("focus not found")
	ErrDetectionToolMissing  = errors.New("star detection tool missing")
	ErrInvalidFilterPosition = errors.New("invalid filter position")
)

// FailureKind is the closed set of terminal session failures.
type FailureKind int

const (
	FailureUnexpected FailureKind = iota
	FailurePreconditionUnavailable
	FailureOpticsIO
	FailureStarNotFound
	FailureFocusNotFound
	FailureDetectionToolMissing
	FailureInvalidFilterPosition
)

func (k FailureKind) String() string {
	switch k {
	case FailurePreconditionUnavailable:
		return "precondition-unavailable"
	case FailureOpticsIO:
		return "optics-io-fault"
	case FailureStarNotFound:
		return "star-not-found"
	case FailureFocusNotFound:
		return "focus-not-found"
	case FailureDetectionToolMissing:
		return "detection-tool-missing"
	case FailureInvalidFilterPosition:
		return "invalid-filter-position"
	default:
		return "unexpected"
	}
}

// ExitCode is the process status used when a session ends with this kind.
func (k FailureKind) ExitCode() int {
	switch k {
	case FailurePreconditionUnavailable:
		return 2
	case FailureOpticsIO:
		return 3
	case FailureStarNotFound:
		return 4
	case FailureFocusNotFound:
		return 5
	case FailureDetectionToolMissing:
		return 6
	case FailureInvalidFilterPosition:
		return 7
	default:
		return 1
	}
}

const (
	preconditionMessage = "No alignment controller available. Check the camera, focuser and optics " +
		"settings in the configuration file and try again."
	detectionToolMessage = "Couldn't find SExtractor. If you have it installed, please add it to " +
		"your PATH. If you don't have it, please install it."
)

// Failure is a classified terminal outcome.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Err }

// Classify maps an error raised by the optics, detection or filter subsystems onto a Failure.
// It returns nil for a nil error.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var already *Failure
	if errors.As(err, &already) {
		return already
	}

	switch {
	case errors.Is(err, ErrNoAligner):
		return &Failure{Kind: FailurePreconditionUnavailable, Message: preconditionMessage, Err: err}
	case errors.Is(err, ErrDetectionToolMissing), errors.Is(err, exec.ErrNotFound):
		return &Failure{Kind: FailureDetectionToolMissing, Message: detectionToolMessage, Err: err}
	case errors.Is(err, ErrInvalidFilterPosition):
		return &Failure{Kind: FailureInvalidFilterPosition, Message: err.Error(), Err: err}
	case errors.Is(err, ErrStarNotFound):
		return &Failure{Kind: FailureStarNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, ErrFocusNotFound):
		return &Failure{Kind: FailureFocusNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, ErrOpticsIO), errors.Is(err, ErrInvalidFocusPosition):
		return &Failure{Kind: FailureOpticsIO, Message: err.Error(), Err: err}
	default:
		return &Failure{Kind: FailureUnexpected, Message: fmt.Sprintf("unexpected failure: %v", err), Err: err}
	}
}
