package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler runs the background jobs: verification passes, pool maintenance
// and log retention. It wraps a cron runner pinned to the configured
// timezone so daily jobs fire at local wall-clock times.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a Scheduler in the given location.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{cron: cron.New(cron.WithLocation(loc))}
}

// AddEvery schedules job to run at a fixed interval. The first run happens
// one interval after Start, not immediately.
func (s *Scheduler) AddEvery(interval time.Duration, name string, job func(ctx context.Context)) {
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		log.Debug().Str("job", name).Msg("scheduled job fired")
		job(context.Background())
	}))
	log.Info().Str("job", name).Dur("interval", interval).Msg("scheduled recurring job")
}

// AddDaily schedules job to run once a day at hour:minute in the
// scheduler's location.
func (s *Scheduler) AddDaily(hour, minute int, name string, job func(ctx context.Context)) error {
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	if _, err := s.cron.AddFunc(spec, func() {
		log.Debug().Str("job", name).Msg("scheduled job fired")
		job(context.Background())
	}); err != nil {
		return fmt.Errorf("verifier: schedule %s: %w", name, err)
	}
	log.Info().Str("job", name).Str("at", fmt.Sprintf("%02d:%02d", hour, minute)).Msg("scheduled daily job")
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
