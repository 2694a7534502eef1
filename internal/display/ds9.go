package display

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DS9 drives SAOImage DS9 through the XPA command line tools.
type DS9 struct {
	// Target is the XPA access point, usually "ds9".
	Target string
	// Launch starts ds9 when no instance answers.
	Launch bool

	run   runFunc
	start func(name string, args ...string) error
	poll  time.Duration
}

// NewDS9 returns a viewer talking to the ds9 instance named target.
func NewDS9(target string, launch bool) *DS9 {
	if target == "" {
		target = "ds9"
	}
	return &DS9{
		Target: target,
		Launch: launch,
		run:    execRun,
		start: func(name string, args ...string) error {
			cmd := exec.Command(name, args...)
			if err := cmd.Start(); err != nil {
				return err
			}
			go func() { _ = cmd.Wait() }()
			return nil
		},
		poll: 250 * time.Millisecond,
	}
}

// Launches reports whether Open may start ds9, which needs longer than a normal call.
func (v *DS9) Launches() bool { return v.Launch }

// Open checks that ds9 answers on XPA, starting it when allowed.
func (v *DS9) Open(ctx context.Context) error {
	if v.alive(ctx) {
		return nil
	}
	if !v.Launch {
		return fmt.Errorf("ds9 %q is not running", v.Target)
	}
	if err := v.start("ds9", "-title", v.Target); err != nil {
		return fmt.Errorf("start ds9: %w", err)
	}
	ticker := time.NewTicker(v.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for ds9: %w", ctx.Err())
		case <-ticker.C:
			if v.alive(ctx) {
				return nil
			}
		}
	}
}

// DisplayFile loads a FITS frame.
func (v *DS9) DisplayFile(ctx context.Context, path string) error {
	return v.xpaset(ctx, "fits", path)
}

// Set sends a raw ds9 command such as "scale mode 99.5".
func (v *DS9) Set(ctx context.Context, command string) error {
	return v.xpaset(ctx, command)
}

func (v *DS9) alive(ctx context.Context) bool {
	out, err := v.run(ctx, "xpaaccess", "-n", v.Target)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	return err == nil && n > 0
}

func (v *DS9) xpaset(ctx context.Context, args ...string) error {
	full := append([]string{"-p", v.Target}, args...)
	out, err := v.run(ctx, "xpaset", full...)
	if err != nil {
		return fmt.Errorf("xpaset %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
