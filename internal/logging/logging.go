package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"autoalign/internal/align"
	"autoalign/internal/config"
)

// New returns a slog.Logger writing to stderr with the provided level string (info, debug,
// warn, error). format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return slog.New(newHandler(os.Stderr, parseLevel(level), format))
}

// Setup configures global logging on stderr, plus a daily log file when enabled. Standard
// output is left to the session report. The returned func closes the log file.
func Setup(cfg *config.Config) (*slog.Logger, func() error, error) {
	level := parseLevel(cfg.Logging.Level)
	closeFn := func() error { return nil }

	writers := []io.Writer{os.Stderr}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %v", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("autoalign-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, file)
		closeFn = file.Close

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "autoalign-current.log")
		_ = os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	logger := slog.New(newHandler(io.MultiWriter(writers...), level, cfg.Logging.Format))
	slog.SetDefault(logger)

	logger.Debug("autoalign logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, closeFn, nil
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return NewTraditionalHandler(w, level)
}

// TraditionalHandler implements slog.Handler with traditional log formatting:
// "2006/01/02 15:04:05 [LEVEL] message [k=v ...]".
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string
	group  string
	mu     *sync.Mutex
}

// NewTraditionalHandler writes records at or above level to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
		mu:     &sync.Mutex{},
	}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.format(a))
	}
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value.Resolve())
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogSessionStart logs the beginning of an alignment session
func LogSessionStart(logger *slog.Logger, sessionID string, cfg align.Config) {
	defocus := "none"
	if cfg.Defocus != nil {
		defocus = fmt.Sprint(*cfg.Defocus)
	}
	logger.Info("session started",
		"id", sessionID,
		"filter", cfg.Filter.String(),
		"exptime", cfg.ExposureTime,
		"intra", cfg.Intra,
		"minimum_stars", cfg.MinimumStars,
		"niter", cfg.MaxIterations,
		"defocus", defocus,
	)
}

// LogSessionComplete logs successful convergence
func LogSessionComplete(logger *slog.Logger, sessionID string, res align.Result) {
	logger.Info("session completed successfully",
		"id", sessionID,
		"steps", res.Steps,
		"focus", align.FormatLinear(res.Position.Z),
		"duration_ms", res.Duration.Milliseconds(),
		"duration_human", res.Duration.String(),
	)
}

// LogSessionError logs session failures
func LogSessionError(logger *slog.Logger, sessionID string, res align.Result) {
	kind, msg := "unknown", ""
	if res.Failure != nil {
		kind, msg = res.Failure.Kind.String(), res.Failure.Message
	}
	logger.Error("session failed",
		"id", sessionID,
		"kind", kind,
		"error", msg,
		"steps", res.Steps,
		"duration_ms", res.Duration.Milliseconds(),
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Debug("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}
