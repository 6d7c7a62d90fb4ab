package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Sweeper periodically reclaims sandbox resources that outlived their
// execution — the crash-recovery net behind the in-process teardown
// guarantee. Only resources carrying the origin tag and older than maxAge
// are touched.
type Sweeper struct {
	backends []Sandbox
	maxAge   time.Duration
	cron     *cron.Cron
}

// NewSweeper schedules a reclamation pass with a cron expression
// (e.g. "@every 5m").
func NewSweeper(backends []Sandbox, schedule string, maxAge time.Duration) (*Sweeper, error) {
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}

	s := &Sweeper{
		backends: backends,
		maxAge:   maxAge,
		cron:     cron.New(),
	}

	if _, err := s.cron.AddFunc(schedule, s.sweepOnce); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs one immediate pass, then begins the schedule.
func (s *Sweeper) Start() {
	go s.sweepOnce()
	s.cron.Start()
	log.Info().Dur("max_age", s.maxAge).Msg("sandbox reclamation sweep started")
}

// Stop halts the schedule, waiting for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, backend := range s.backends {
		reclaimed, err := backend.Reclaim(ctx, s.maxAge)
		if err != nil {
			log.Warn().Err(err).Str("backend", backend.Name()).Msg("reclamation sweep failed")
			continue
		}
		if reclaimed > 0 {
			log.Info().
				Str("backend", backend.Name()).
				Int("count", reclaimed).
				Msg("reclaimed orphaned sandbox resources")
		}
	}
}
