package align

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
)

func TestClassifyScenarios(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		kind     FailureKind
		rawMsg   bool
		contains string
	}{
		{
			name:   "star not found during iteration 3 of 10",
			err:    fmt.Errorf("%w: Could not find the required number of stars. Found 42 of 100.", ErrStarNotFound),
			kind:   FailureStarNotFound,
			rawMsg: true,
		},
		{
			name:   "focus not found",
			err:    fmt.Errorf("%w: no convergence after 10 iterations", ErrFocusNotFound),
			kind:   FailureFocusNotFound,
			rawMsg: true,
		},
		{
			name:   "invalid filter position",
			err:    fmt.Errorf("%w: filter Z not installed", ErrInvalidFilterPosition),
			kind:   FailureInvalidFilterPosition,
			rawMsg: true,
		},
		{
			name:   "optics io fault",
			err:    fmt.Errorf("%w: hexapod controller timeout", ErrOpticsIO),
			kind:   FailureOpticsIO,
			rawMsg: true,
		},
		{
			name:     "detection tool missing",
			err:      fmt.Errorf("%w: sex", ErrDetectionToolMissing),
			kind:     FailureDetectionToolMissing,
			contains: "PATH",
		},
		{
			name:     "detection tool missing via exec lookup",
			err:      &exec.Error{Name: "source-extractor", Err: exec.ErrNotFound},
			kind:     FailureDetectionToolMissing,
			contains: "PATH",
		},
		{
			name:     "precondition unavailable",
			err:      ErrNoAligner,
			kind:     FailurePreconditionUnavailable,
			contains: "No alignment controller available",
		},
		{
			name:   "unknown error",
			err:    errors.New("cosmic ray"),
			kind:   FailureUnexpected,
			rawMsg: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := Classify(tc.err)
			if f == nil {
				t.Fatalf("expected a failure")
			}
			if f.Kind != tc.kind {
				t.Fatalf("kind = %s, want %s", f.Kind, tc.kind)
			}
			if tc.rawMsg && f.Message != tc.err.Error() {
				t.Fatalf("message = %q, want raw %q", f.Message, tc.err.Error())
			}
			if tc.contains != "" && !strings.Contains(f.Message, tc.contains) {
				t.Fatalf("message %q does not contain %q", f.Message, tc.contains)
			}
			if strings.Contains(f.Message, "\n") {
				t.Fatalf("message must be a single line: %q", f.Message)
			}
			if !errors.Is(f, tc.err) {
				t.Fatalf("failure must unwrap to the original error")
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestExitCodesAreDistinctAndNonZero(t *testing.T) {
	seen := map[int]FailureKind{}
	kinds := []FailureKind{
		FailureUnexpected,
		FailurePreconditionUnavailable,
		FailureOpticsIO,
		FailureStarNotFound,
		FailureFocusNotFound,
		FailureDetectionToolMissing,
		FailureInvalidFilterPosition,
	}
	for _, k := range kinds {
		code := k.ExitCode()
		if code == 0 {
			t.Fatalf("%s exits with zero", k)
		}
		if prev, ok := seen[code]; ok {
			t.Fatalf("%s and %s share exit code %d", k, prev, code)
		}
		seen[code] = k
	}
}

func TestSessionFailureKindsEndToEnd(t *testing.T) {
	cases := map[FailureKind]error{
		FailureStarNotFound:          fmt.Errorf("%w: Found 3 of 100.", ErrStarNotFound),
		FailureFocusNotFound:         ErrFocusNotFound,
		FailureInvalidFilterPosition: ErrInvalidFilterPosition,
		FailureOpticsIO:              ErrOpticsIO,
		FailureDetectionToolMissing:  ErrDetectionToolMissing,
	}
	for kind, err := range cases {
		t.Run(kind.String(), func(t *testing.T) {
			ctrl := NewController(&stubAligner{err: err}, nil, nil, discardLogger())
			res := ctrl.Run(context.Background(), DefaultConfig(), nil)
			if res.Failure == nil || res.Failure.Kind != kind {
				t.Fatalf("expected %s, got %+v", kind, res.Failure)
			}
		})
	}
}
