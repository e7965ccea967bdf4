package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var ErrNoStrategies = errors.New("no strategies configured")

// Strategy is one rung of a degrade ladder: a named way of obtaining T.
type Strategy[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// runLadder tries each rung in order and returns the first success. When every
// rung fails the joined errors are returned; the caller owns the final default.
func runLadder[T any](ctx context.Context, log zerolog.Logger, stage string, rungs []Strategy[T]) (T, string, error) {
	var zero T
	if len(rungs) == 0 {
		return zero, "", ErrNoStrategies
	}
	var errs []error
	for _, r := range rungs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		v, err := r.Run(ctx)
		if err == nil {
			return v, r.Name, nil
		}
		log.Warn().Err(err).Str("stage", stage).Str("strategy", r.Name).Msg("strategy failed")
		errs = append(errs, fmt.Errorf("%s: %w", r.Name, err))
	}
	return zero, "", errors.Join(errs...)
}
