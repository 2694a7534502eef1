package align

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Display is the visual side channel the reporter feeds. Implementations must not block for
// long and must swallow their own failures.
type Display interface {
	Show(frame Frame)
	Normalize()
	Mark(stars []Star)
}

// StepListener receives every step after it has been printed. Errors are logged and ignored.
type StepListener interface {
	RecordStep(ev StepEvent) error
}

// Reporter prints per-iteration offsets and fans the event out to the display and listeners.
type Reporter struct {
	out       io.Writer
	display   Display
	mark      bool
	listeners []StepListener
	log       *slog.Logger

	mu    sync.Mutex
	steps int
	last  *StepEvent
}

// ReporterOption customises a Reporter.
type ReporterOption func(*Reporter)

// WithDisplay attaches a display. markStars enables one region per detected star.
func WithDisplay(d Display, markStars bool) ReporterOption {
	return func(r *Reporter) {
		r.display = d
		r.mark = markStars
	}
}

// WithListeners adds step listeners, called in order.
func WithListeners(ls ...StepListener) ReporterOption {
	return func(r *Reporter) {
		r.listeners = append(r.listeners, ls...)
	}
}

// NewReporter writes reports to out.
func NewReporter(out io.Writer, log *slog.Logger, opts ...ReporterOption) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	r := &Reporter{out: out, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStep reports one iteration. It never panics and never returns an error.
func (r *Reporter) OnStep(ev StepEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.steps++
	last := ev
	r.last = &last

	r.guard("print step", func() error {
		_, err := io.WriteString(r.out, FormatStep(ev.Position))
		return err
	})

	if r.display != nil {
		r.guard("display frame", func() error {
			r.display.Show(ev.Frame)
			r.display.Normalize()
			if r.mark {
				r.display.Mark(ev.Stars)
			}
			return nil
		})
	}

	for _, l := range r.listeners {
		l := l
		r.guard("step listener", func() error { return l.RecordStep(ev) })
	}
}

// OnFinal prints the terminal summary for a successful session.
func (r *Reporter) OnFinal(pos Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guard("print final", func() error {
		_, err := io.WriteString(r.out, FormatFinal(pos))
		return err
	})
}

// Steps returns how many step events have been reported.
func (r *Reporter) Steps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.steps
}

// Last returns the most recent step event, if any.
func (r *Reporter) Last() (StepEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return StepEvent{}, false
	}
	return *r.last, true
}

func (r *Reporter) guard(what string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("reporter fault ignored", "op", what, "panic", fmt.Sprint(p))
		}
	}()
	if err := fn(); err != nil {
		r.log.Warn("reporter fault ignored", "op", what, "error", err)
	}
}
