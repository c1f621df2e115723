package delivery

import (
	"context"
	"errors"
)

// Sink pushes an event to one destination.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

// Deliver sends ev to all sinks, even if some fail.
func (m MultiSink) Deliver(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink is used when no outbound sink is configured.
type LogSink struct {
	Log func(ev Event)
}

// Deliver records ev through the log callback.
func (l LogSink) Deliver(_ context.Context, ev Event) error {
	if l.Log != nil {
		l.Log(ev)
	}
	return nil
}
