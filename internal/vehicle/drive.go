package vehicle

import (
	"context"
	"errors"

	"github.com/san-kum/pidtune/internal/episode"
)

// Handler answers one telemetry sample. *session.Session satisfies it.
type Handler interface {
	Handle(cte, speed float64) (episode.Result, error)
}

type DriveResult struct {
	Samples int
	// Summary is nil when maxSamples ran out first.
	Summary *episode.Summary
}

// Drive feeds the vehicle's telemetry to h and applies its commands until a
// terminal outcome, maxSamples (0 means unlimited) or ctx cancellation.
func Drive(ctx context.Context, v *Vehicle, h Handler, maxSamples int) (DriveResult, error) {
	var out DriveResult
	for maxSamples <= 0 || out.Samples < maxSamples {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		cte, speed := v.Telemetry()
		res, err := h.Handle(cte, speed)
		out.Samples++
		if res.Outcome.Terminal() {
			out.Summary = res.Summary
			return out, err
		}
		if err != nil && !errors.Is(err, episode.ErrInvalidSample) {
			return out, err
		}
		if err := v.Apply(res.Command); err != nil {
			return out, err
		}
	}
	return out, nil
}
