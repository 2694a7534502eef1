package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"autoalign/internal/align"
)

// InvalidPositionExit is the exit status a driver uses to reject a requested position.
const InvalidPositionExit = 2

// CommandFocuser moves the hexapod with one command per move. Placeholders: {axis},
// {direction} ("in" or "out") and {steps}.
type CommandFocuser struct {
	Move Command
	Log  *slog.Logger
}

// NewCommandFocuser returns a focuser running move for every displacement.
func NewCommandFocuser(move Command, log *slog.Logger) *CommandFocuser {
	if log == nil {
		log = slog.Default()
	}
	return &CommandFocuser{Move: move, Log: log}
}

func (f *CommandFocuser) MoveIn(ctx context.Context, distance float64, axis align.Axis) error {
	return f.move(ctx, align.In, distance, axis)
}

func (f *CommandFocuser) MoveOut(ctx context.Context, distance float64, axis align.Axis) error {
	return f.move(ctx, align.Out, distance, axis)
}

func (f *CommandFocuser) move(ctx context.Context, dir align.Direction, distance float64, axis align.Axis) error {
	if distance < 0 || math.IsNaN(distance) || math.IsInf(distance, 0) {
		return fmt.Errorf("%w: %s %s by %v", align.ErrInvalidFocusPosition, axis, dir, distance)
	}
	steps := FormatSteps(distance)
	f.Log.Debug("focuser move", "axis", string(axis), "direction", string(dir), "steps", steps)
	_, err := f.Move.Run(ctx, map[string]string{
		"axis":      string(axis),
		"direction": string(dir),
		"steps":     steps,
	}, nil)
	if err == nil {
		return nil
	}
	if exitCode(err) == InvalidPositionExit {
		return fmt.Errorf("%w: %s %s %s steps rejected: %v", align.ErrInvalidFocusPosition, axis, dir, steps, err)
	}
	return fmt.Errorf("%w: moving %s %s: %v", align.ErrOpticsIO, axis, dir, err)
}

// FormatSteps renders a move distance with at most four decimals.
func FormatSteps(distance float64) string {
	return strconv.FormatFloat(math.Round(distance*1e4)/1e4, 'f', -1, 64)
}
