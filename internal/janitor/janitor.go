package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"polychat/internal/metrics"
)

// Purger deletes conversations that were not touched since cutoff.
type Purger interface {
	DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type Config struct {
	Store Purger
	// Retention is how long an idle conversation is kept. Zero disables the janitor.
	Retention time.Duration
	// Schedule is a cron spec or descriptor such as "@hourly".
	Schedule string
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Janitor periodically removes conversations older than the retention window.
type Janitor struct {
	store     Purger
	retention time.Duration
	schedule  string
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(cfg Config) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Janitor{
		store:     cfg.Store,
		retention: cfg.Retention,
		schedule:  cfg.Schedule,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
}

func (j *Janitor) Enabled() bool {
	return j.store != nil && j.retention > 0
}

// Sweep deletes every conversation idle for longer than the retention window.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if !j.Enabled() {
		return 0, nil
	}
	cutoff := j.now().Add(-j.retention)
	n, err := j.store.DeleteConversationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete conversations before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	j.metrics.JanitorDeleted.Add(float64(n))
	return n, nil
}

// Start runs Sweep on the schedule until ctx is done.
func (j *Janitor) Start(ctx context.Context) error {
	if !j.Enabled() {
		return errors.New("janitor is disabled: retention is not set")
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(j.schedule, func() {
		n, err := j.Sweep(ctx)
		if err != nil {
			j.log.Error().Err(err).Msg("retention sweep failed")
			return
		}
		if n > 0 {
			j.log.Info().Int("deleted", n).Dur("retention", j.retention).Msg("expired conversations removed")
		}
	}); err != nil {
		return fmt.Errorf("parse schedule %q: %w", j.schedule, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
