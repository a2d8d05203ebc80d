package logstore

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Retention deletes old log rows on a schedule.
type Retention struct {
	store       *Store
	errorDays   int
	requestDays int
	now         func() time.Time
}

// NewRetention creates a retention job keeping error logs for errorDays and
// request logs for requestDays. Non-positive day counts disable that table's
// cleanup.
func NewRetention(store *Store, errorDays, requestDays int) *Retention {
	return &Retention{
		store:       store,
		errorDays:   errorDays,
		requestDays: requestDays,
		now:         time.Now,
	}
}

// DeleteOldErrorLogs removes error logs older than the retention window.
func (r *Retention) DeleteOldErrorLogs(ctx context.Context) {
	if r.errorDays <= 0 {
		return
	}
	cutoff := r.now().AddDate(0, 0, -r.errorDays)
	deleted, err := r.store.DeleteErrorLogsBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("error log retention failed")
		return
	}
	log.Info().Int64("deleted", deleted).Int("days", r.errorDays).Msg("deleted old error logs")
}

// DeleteOldRequestLogs removes request logs older than the retention window.
func (r *Retention) DeleteOldRequestLogs(ctx context.Context) {
	if r.requestDays <= 0 {
		return
	}
	cutoff := r.now().AddDate(0, 0, -r.requestDays)
	deleted, err := r.store.DeleteRequestLogsBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("request log retention failed")
		return
	}
	log.Info().Int64("deleted", deleted).Int("days", r.requestDays).Msg("deleted old request logs")
}
