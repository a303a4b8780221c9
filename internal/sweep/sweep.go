// Package sweep runs the scheduled memory retention job.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Retentioner is the slice of the memory store the sweeper needs.
type Retentioner interface {
	RunRetention(ctx context.Context, retentionDays int) (int64, error)
}

const sweepTimeout = 5 * time.Minute

// Sweeper schedules periodic retention sweeps over the memory store.
type Sweeper struct {
	cron          *cron.Cron
	store         Retentioner
	retentionDays int
}

// NewSweeper creates a sweeper. Cron expressions use the standard 5-field
// format: minute hour day-of-month month day-of-week.
func NewSweeper(store Retentioner, retentionDays int) *Sweeper {
	return &Sweeper{
		cron:          cron.New(),
		store:         store,
		retentionDays: retentionDays,
	}
}

// Register adds the sweep job under the given cron spec.
func (s *Sweeper) Register(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		swept, err := s.store.RunRetention(ctx, s.retentionDays)
		if err != nil {
			log.Error().Err(err).Msg("retention_sweep_failed")
			return
		}
		log.Info().Int64("rows", swept).Msg("retention_sweep_fired")
	})
	if err != nil {
		return fmt.Errorf("registering retention cron %q: %w", spec, err)
	}
	return nil
}

// Start begins executing the scheduled sweep.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running sweep to complete.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Sweeper) Entries() int {
	return len(s.cron.Entries())
}
