// Package cli wires configuration, instruments and the alignment controller into the
// autoalign command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"autoalign/internal/align"
	"autoalign/internal/autoalign"
	"autoalign/internal/config"
	"autoalign/internal/display"
	"autoalign/internal/instrument"
	"autoalign/internal/logging"
	"autoalign/internal/metrics"
	"autoalign/internal/server"
	"autoalign/internal/storage"
	"autoalign/internal/tools"
)

// Version is overridden at build time with -ldflags "-X autoalign/internal/cli.Version=...".
var Version = "dev"

// ExitError carries the process status of a failed session. Its message has already been
// printed when it reaches Execute.
type ExitError struct {
	Code    int
	Failure *align.Failure
}

func (e *ExitError) Error() string {
	if e.Failure != nil {
		return e.Failure.Message
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

type toolManager interface {
	GetToolStatus() map[string]map[string]tools.ToolStatus
	DetectionTool() (string, error)
}

type (
	toolManagerFactory func(*config.Config) toolManager
	focuserFactory     func(*config.Config, *slog.Logger) align.Focuser
	alignerFactory     func(*config.Config, align.Focuser, *slog.Logger) align.Aligner
	viewerFactory      func(*config.Config, *slog.Logger) display.Viewer
	serverFunc         func(ctx context.Context, srv *server.Server) error
)

// Root holds the shared state of every subcommand.
type Root struct {
	cfg    *config.Config
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer

	configPath string
	closeLog   func() error

	metrics *metrics.Metrics
	feed    *server.Feed

	toolFactory    toolManagerFactory
	focuserFactory focuserFactory
	alignerFactory alignerFactory
	viewerFactory  viewerFactory
	serveFn        serverFunc
	openStore      func(path string) (*storage.Store, error)
	newID          func() string
}

// NewRoot creates the command root. cfg and log may be nil, in which case they are loaded from
// the configuration file when a command runs.
func NewRoot(cfg *config.Config, log *slog.Logger) *Root {
	return &Root{
		cfg:            cfg,
		log:            log,
		stdout:         os.Stdout,
		stderr:         os.Stderr,
		metrics:        metrics.New(nil),
		toolFactory:    func(cfg *config.Config) toolManager { return tools.NewManager(cfg) },
		focuserFactory: defaultFocuser,
		alignerFactory: defaultAligner,
		viewerFactory:  defaultViewer,
		serveFn:        func(ctx context.Context, srv *server.Server) error { return srv.Start(ctx) },
		openStore:      storage.New,
		newID:          func() string { return uuid.NewString() },
	}
}

// Execute runs the command line and returns the process exit status.
func (r *Root) Execute(ctx context.Context, args []string) int {
	cmd := r.Command()
	cmd.SetArgs(args)
	cmd.SetOut(r.stdout)
	cmd.SetErr(r.stderr)

	err := cmd.ExecuteContext(ctx)
	if r.closeLog != nil {
		_ = r.closeLog()
		r.closeLog = nil
	}
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(r.stderr, "Error: %v\n", err)
	return 1
}

// setup loads configuration and logging unless they were injected.
func (r *Root) setup() error {
	if r.configPath != "" {
		cfg, err := config.LoadFile(r.configPath)
		if err != nil {
			return err
		}
		r.cfg = cfg
	}
	if r.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		r.cfg = cfg
	}
	if r.log == nil {
		log, closeFn, err := logging.Setup(r.cfg)
		if err != nil {
			return err
		}
		r.log = log
		r.closeLog = closeFn
	}
	if r.feed == nil {
		r.feed = server.NewFeed(r.log)
	}
	return nil
}

func defaultFocuser(cfg *config.Config, log *slog.Logger) align.Focuser {
	fc := cfg.Instruments.Focuser
	move := instrument.Command{Argv: fc.Command, Timeout: seconds(fc.TimeoutSeconds)}
	if !move.Configured() {
		return nil
	}
	return instrument.NewCommandFocuser(move, log)
}

// defaultAligner builds the local capture, detect and correct loop. It returns nil when the
// camera, focuser or analysis command is missing, which the controller reports as an
// unavailable precondition.
func defaultAligner(cfg *config.Config, focuser align.Focuser, log *slog.Logger) align.Aligner {
	ins := cfg.Instruments
	capture := instrument.Command{Argv: ins.Camera.Command}
	analysis := instrument.Command{Argv: cfg.Optics.AnalyzerCommand}
	if focuser == nil || !capture.Configured() || !analysis.Configured() {
		log.Warn("local alignment unavailable",
			"camera", capture.Configured(),
			"focuser", focuser != nil,
			"analyzer", analysis.Configured(),
		)
		return nil
	}

	camera := &instrument.CommandCamera{
		Capture: capture,
		Readout: seconds(ins.Camera.ReadoutSeconds),
		Width:   ins.Camera.Width,
		Height:  ins.Camera.Height,
		Log:     log,
	}
	var wheel autoalign.FilterWheel
	if set := (instrument.Command{Argv: ins.FilterWheel.Command}); set.Configured() {
		wheel = &instrument.CommandFilterWheel{Set: set, Filters: ins.FilterWheel.Filters}
	}
	extractor := autoalign.NewSExtractor(cfg.Optics.PixelScale, cfg.Optics.SaturationLevel, cfg.Tools.SExtractor...)

	return autoalign.New(camera, wheel, extractor, &autoalign.CommandAnalyzer{Command: analysis}, focuser, autoalign.Options{
		FramesDir:            cfg.Paths.FramesDir,
		ComaThreshold:        cfg.Optics.ComaThreshold,
		AstigmatismThreshold: cfg.AstigmatismDegrees(),
		FocuserStep:          cfg.Optics.FocuserStep,
		Log:                  log,
	})
}

func defaultViewer(cfg *config.Config, log *slog.Logger) display.Viewer {
	switch strings.ToLower(cfg.Display.Viewer) {
	case "ds9":
		return display.NewDS9(cfg.Display.DS9Target, cfg.Display.LaunchDS9)
	case "preview":
		dir := cfg.Display.PreviewDir
		if dir == "" {
			dir = cfg.Paths.FramesDir
		}
		return display.NewPreview(dir, log)
	default:
		return nil
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
