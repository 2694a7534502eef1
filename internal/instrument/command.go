// Package instrument drives the camera, filter wheel and focuser through site-specific
// command lines. Each driver renders an argv template, runs it and maps the exit status onto
// the alignment sentinel errors.
package instrument

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// ErrNotConfigured is returned by a driver whose command template is empty.
var ErrNotConfigured = errors.New("instrument command not configured")

// Command is an argv template. Arguments may contain {name} placeholders.
type Command struct {
	Argv    []string
	Timeout time.Duration
}

// Configured reports whether the template has a program to run.
func (c Command) Configured() bool {
	return len(c.Argv) > 0 && strings.TrimSpace(c.Argv[0]) != ""
}

// Expand substitutes {name} placeholders in every argument.
func Expand(argv []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

// CommandError describes a command that ran and failed, or could not be started.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Argv[0], e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Run executes the template with vars substituted. stdin may be nil. The returned bytes are
// the command's standard output.
func (c Command) Run(ctx context.Context, vars map[string]string, stdin io.Reader) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	argv := Expand(c.Argv, vars)
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if err := cmd.Run(); err != nil {
		cerr := &CommandError{
			Argv:     argv,
			ExitCode: -1,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		return stdout.Bytes(), cerr
	}
	return stdout.Bytes(), nil
}

// exitCode returns the status of a failed command, or -1 when it never ran.
func exitCode(err error) int {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return cerr.ExitCode
	}
	return -1
}
