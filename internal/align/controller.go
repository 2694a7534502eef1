package align

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer looks up the global provider on each call.
func tracer() trace.Tracer { return otel.Tracer("autoalign/align") }

// Result is the single terminal outcome of a session. Failure is nil on success.
type Result struct {
	Position Position
	Failure  *Failure
	Steps    int
	States   []State
	Duration time.Duration
}

// Succeeded reports whether the session converged.
func (r Result) Succeeded() bool { return r.Failure == nil }

// Observer is told about every finished session.
type Observer interface {
	SessionFinished(cfg Config, res Result)
}

// Controller drives alignment sessions: optional pre-conditioning, then one Align invocation
// whose step events are routed to the reporter.
type Controller struct {
	aligner   Aligner
	focuser   Focuser
	reporter  *Reporter
	observers []Observer
	log       *slog.Logger

	mu sync.Mutex // held for the whole of Run

	stateMu sync.RWMutex
	state   State
}

// ControllerOption customises a Controller.
type ControllerOption func(*Controller)

// WithObservers registers session observers.
func WithObservers(obs ...Observer) ControllerOption {
	return func(c *Controller) { c.observers = append(c.observers, obs...) }
}

// NewController wires a controller. aligner and focuser may be nil; sessions then fail with
// FailurePreconditionUnavailable.
func NewController(aligner Aligner, focuser Focuser, reporter *Reporter, log *slog.Logger, opts ...ControllerOption) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if reporter == nil {
		reporter = NewReporter(io.Discard, log)
	}
	c := &Controller{
		aligner:  aligner,
		focuser:  focuser,
		reporter: reporter,
		log:      log,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the phase of the current or most recent session.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Run executes one session and always returns exactly one Result. Concurrent calls are
// serialised.
func (c *Controller) Run(ctx context.Context, cfg Config, pre *PreMove) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	ctx, span := tracer().Start(ctx, "align.session", trace.WithAttributes(
		attribute.Float64("exptime", cfg.ExposureTime),
		attribute.String("filter", cfg.Filter.String()),
		attribute.Bool("intra", cfg.Intra),
		attribute.Int("niter", cfg.MaxIterations),
		attribute.Int("minimum_stars", cfg.MinimumStars),
	))
	defer span.End()

	states := newSessionStates()
	c.setState(StateIdle)

	steps := 0
	res := c.run(ctx, cfg, pre, states, &steps)
	res.Steps = steps
	res.States = states.path()
	res.Duration = time.Since(start)

	if res.Failure != nil {
		span.SetStatus(codes.Error, res.Failure.Kind.String())
		span.SetAttributes(attribute.String("failure", res.Failure.Kind.String()))
		c.log.Error("alignment session failed",
			"kind", res.Failure.Kind.String(),
			"error", res.Failure.Message,
			"steps", steps,
			"duration", res.Duration.String(),
		)
	} else {
		span.SetAttributes(attribute.Float64("focus", res.Position.Z))
		c.log.Info("alignment session converged",
			"focus", res.Position.Z,
			"steps", steps,
			"duration", res.Duration.String(),
		)
	}

	for _, o := range c.observers {
		o.SessionFinished(cfg, res)
	}
	return res
}

func (c *Controller) run(ctx context.Context, cfg Config, pre *PreMove, states *sessionStates, steps *int) Result {
	if err := cfg.Validate(); err != nil {
		return c.fail(states, &Failure{
			Kind:    FailurePreconditionUnavailable,
			Message: fmt.Sprintf("invalid alignment configuration: %v", err),
			Err:     err,
		})
	}
	if c.aligner == nil {
		return c.fail(states, Classify(ErrNoAligner))
	}

	if pre != nil {
		c.enter(states, StatePreConditioning)
		if err := c.preCondition(ctx, pre); err != nil {
			f := Classify(err)
			if f.Kind == FailureUnexpected {
				f = &Failure{Kind: FailureOpticsIO, Message: err.Error(), Err: err}
			}
			return c.fail(states, f)
		}
	}

	c.enter(states, StateAligning)
	pos, err := c.align(ctx, cfg, steps)
	if err != nil {
		return c.fail(states, Classify(err))
	}

	c.enter(states, StateSucceeded)
	c.reporter.OnFinal(pos)
	return Result{Position: pos}
}

func (c *Controller) preCondition(ctx context.Context, pre *PreMove) error {
	if c.focuser == nil {
		return fmt.Errorf("%w: defocus requested but no focuser is configured", ErrNoAligner)
	}
	ctx, span := tracer().Start(ctx, "align.precondition", trace.WithAttributes(
		attribute.String("direction", string(pre.Direction)),
		attribute.Int("distance", pre.Distance),
	))
	defer span.End()

	c.log.Info("pre-conditioning focuser", "direction", pre.Direction, "distance", pre.Distance)
	var err error
	switch pre.Direction {
	case In:
		err = c.focuser.MoveIn(ctx, float64(pre.Distance), AxisZ)
	case Out:
		err = c.focuser.MoveOut(ctx, float64(pre.Distance), AxisZ)
	default:
		err = fmt.Errorf("%w: unknown direction %q", ErrOpticsIO, pre.Direction)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Controller) align(ctx context.Context, cfg Config, steps *int) (pos Position, err error) {
	ctx, span := tracer().Start(ctx, "align.align")
	defer span.End()

	unsubscribe := c.aligner.OnStep(func(ev StepEvent) {
		*steps++
		span.AddEvent("step", trace.WithAttributes(
			attribute.Int("iteration", ev.Iteration),
			attribute.Int("stars", len(ev.Stars)),
			attribute.String("frame", ev.Frame.Filename()),
		))
		c.reporter.OnStep(ev)
	})
	defer unsubscribe()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("aligner panic: %v", p)
		}
	}()

	pos, err = c.aligner.Align(ctx, cfg.Request())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return pos, err
}

func (c *Controller) fail(states *sessionStates, f *Failure) Result {
	c.enter(states, StateFailed)
	return Result{Failure: f}
}

func (c *Controller) enter(states *sessionStates, to State) {
	if err := states.transition(to); err != nil {
		c.log.Error("illegal session transition", "error", err)
		return
	}
	c.setState(to)
	c.log.Debug("session state", "state", to)
}

func (c *Controller) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}
