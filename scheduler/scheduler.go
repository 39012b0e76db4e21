// Package scheduler runs a task on a fixed interval until cancelled.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vitwit/autopay/clock"
	"github.com/vitwit/autopay/logger"
)

// Task is one cycle of a loop. A returned error is logged; the loop keeps going.
type Task func(ctx context.Context) error

// Loop runs Task once immediately and then on every tick of Interval.
type Loop struct {
	Name     string
	Interval time.Duration
	Task     Task
	Clock    clock.Clock
	Logger   logger.Logger
	// Grace lets an in-flight cycle keep running this long after ctx is
	// cancelled. Zero cancels it together with ctx.
	Grace time.Duration

	// OnCycle, when set, is called after every cycle. Tests use it to
	// observe progress without sleeping.
	OnCycle func(err error)
}

// Run blocks until ctx is cancelled. It returns nil on cancellation; the
// current cycle is allowed to finish first.
func (l *Loop) Run(ctx context.Context) error {
	if l.Task == nil {
		return fmt.Errorf("scheduler %q: task is required", l.Name)
	}
	if l.Interval <= 0 {
		return fmt.Errorf("scheduler %q: interval must be positive", l.Name)
	}
	clk := l.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := logger.OrNoop(l.Logger).With(map[string]any{"loop": l.Name})

	ticker := clk.NewTicker(l.Interval)
	defer ticker.Stop()

	log.Info("loop started", map[string]any{"interval": l.Interval.String()})
	for {
		if ctx.Err() != nil {
			log.Info("loop stopped", nil)
			return nil
		}

		err := l.runCycle(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("loop cycle failed", map[string]any{"error": err})
		}
		if l.OnCycle != nil {
			l.OnCycle(err)
		}

		select {
		case <-ctx.Done():
			log.Info("loop stopped", nil)
			return nil
		case <-ticker.C():
		}
	}
}

func (l *Loop) runCycle(ctx context.Context) (err error) {
	ctx, cancel := l.cycleContext(ctx)
	defer cancel()
	ctx, span := otel.Tracer("github.com/vitwit/autopay/scheduler").Start(ctx, l.Name+".cycle")
	defer span.End()
	span.SetAttributes(attribute.String("loop", l.Name))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s cycle: %v", l.Name, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return l.Task(ctx)
}

func (l *Loop) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.Grace <= 0 {
		return context.WithCancel(ctx)
	}
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(l.Grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-work.Done():
		}
	})
	return work, func() {
		stop()
		cancel()
	}
}
