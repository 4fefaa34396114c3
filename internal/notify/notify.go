// Package notify fans presence changes out to interested consumers: the
// in-process event bus feeding live dashboards and, optionally, Redis for
// other processes.
package notify

import (
	"context"
	"errors"

	"ergroom/internal/presence"
)

// Sink receives a presence change after it has been committed. Callers treat
// delivery as best effort.
type Sink interface {
	Notify(ctx context.Context, change presence.ToggleResult) error
}

// Func adapts a function to a Sink.
type Func func(ctx context.Context, change presence.ToggleResult) error

func (f Func) Notify(ctx context.Context, change presence.ToggleResult) error {
	return f(ctx, change)
}

// Multi delivers to every sink, continuing past failures.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, change presence.ToggleResult) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every change.
type Discard struct{}

func (Discard) Notify(context.Context, presence.ToggleResult) error { return nil }
