// Package activator runs the midnight sweep that promotes messages scheduled
// for the new day from CREATED to QUEUED.
package activator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"done-light/internal/messages"
)

type Activator struct {
	service *messages.Service
	logger  *zap.Logger
}

func New(service *messages.Service, logger *zap.Logger) *Activator {
	return &Activator{service: service, logger: logger}
}

// Run sweeps once at startup to catch messages that came due while the
// process was down, then at every UTC midnight until ctx is cancelled.
func (a *Activator) Run(ctx context.Context) error {
	if err := a.Sweep(ctx, time.Now().UTC()); err != nil {
		a.logger.Error("startup sweep failed", zap.Error(err))
	}

	for {
		timer := time.NewTimer(untilNextMidnight(time.Now().UTC()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case now := <-timer.C:
			if err := a.Sweep(ctx, now.UTC()); err != nil {
				a.logger.Error("midnight sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep promotes every CREATED message whose publish date is now's UTC day.
// The resulting update events make the state manager schedule their wakeups.
func (a *Activator) Sweep(ctx context.Context, now time.Time) error {
	due, err := a.service.ListByDate(ctx, now)
	if err != nil {
		return err
	}

	promoted := 0
	for _, msg := range due {
		if msg.Status != messages.StatusCreated {
			continue
		}
		status := messages.StatusQueued
		if _, err := a.service.Update(ctx, msg.ID, messages.Patch{Status: &status}); err != nil {
			if errors.Is(err, messages.ErrNotFound) || errors.Is(err, messages.ErrInvalidTransition) {
				continue
			}
			return err
		}
		promoted++
	}

	if promoted > 0 {
		a.logger.Info("activated scheduled messages",
			zap.Int("count", promoted),
			zap.String("date", messages.FormatDate(now)))
	}
	return nil
}

func untilNextMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now)
}
