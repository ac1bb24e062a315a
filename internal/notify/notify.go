// Package notify delivers day summaries and failure alerts to the outside
// world.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
)

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Log writes every message to a logger. It never fails.
type Log struct {
	logger *log.Logger
}

func NewLog(logger *log.Logger) *Log {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, message string) error {
	l.logger.Printf("notify: %s", message)
	return nil
}

// Multi fans a message out to every notifier. Each one is tried; the
// failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string) error {
	var errs []error
	for i, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, message); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
