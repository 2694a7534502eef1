package instrument

import (
	"context"
	"fmt"
	"slices"

	"autoalign/internal/align"
)

// CommandFilterWheel selects filters with a {filter} command. When Filters is non-empty,
// names outside it are rejected without running the command.
type CommandFilterWheel struct {
	Set     Command
	Filters []string
}

// SetFilter moves the wheel to name.
func (w *CommandFilterWheel) SetFilter(ctx context.Context, name string) error {
	if len(w.Filters) > 0 && !slices.Contains(w.Filters, name) {
		return fmt.Errorf("%w: filter %q is not installed (have %v)", align.ErrInvalidFilterPosition, name, w.Filters)
	}
	if _, err := w.Set.Run(ctx, map[string]string{"filter": name}, nil); err != nil {
		if exitCode(err) == InvalidPositionExit {
			return fmt.Errorf("%w: filter %q rejected: %v", align.ErrInvalidFilterPosition, name, err)
		}
		return fmt.Errorf("%w: selecting filter %q: %v", align.ErrOpticsIO, name, err)
	}
	return nil
}
