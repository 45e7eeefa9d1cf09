package audit

import (
	"context"
	"errors"
	"fmt"
)

// MultiLogger writes each record to every sink. A failing sink does not
// stop the others; all failures are joined into the returned error.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger drops nil and no-op sinks and flattens nested MultiLoggers
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, sink := range sinks {
		switch s := sink.(type) {
		case nil, NoopLogger, *NoopLogger:
		case *MultiLogger:
			m.sinks = append(m.sinks, s.sinks...)
		default:
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len is the number of sinks records are written to
func (m *MultiLogger) Len() int { return len(m.sinks) }

func (m *MultiLogger) Log(ctx context.Context, record *Record) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Log(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiLogger) Close() error {
	var errs []error
	for i, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close logger %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
