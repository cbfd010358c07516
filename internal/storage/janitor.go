package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/video-stream/captioner/internal/db/models"
	"github.com/video-stream/captioner/internal/metrics"
)

// Registry is the subset of the database the janitor prunes.
type Registry interface {
	MediaCreatedBefore(cutoff time.Time) ([]*models.Media, error)
	DeleteMediaByPath(path string) error
	DeleteFinishedJobsBefore(cutoff time.Time) (int, error)
}

// Janitor periodically removes uploads and rendered outputs older than a TTL.
type Janitor struct {
	store    *Store
	registry Registry
	ttl      time.Duration
	metrics  *metrics.Metrics

	cron *cron.Cron
	mu   sync.Mutex
	now  func() time.Time
}

func NewJanitor(store *Store, registry Registry, ttl time.Duration, m *metrics.Metrics) *Janitor {
	return &Janitor{
		store:    store,
		registry: registry,
		ttl:      ttl,
		metrics:  m,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// Start schedules Sweep using a standard five-field cron spec.
func (j *Janitor) Start(schedule string) error {
	if _, err := j.cron.AddFunc(schedule, func() {
		if _, err := j.Sweep(); err != nil {
			log.Warn().Str("component", "janitor").Err(err).Msg("sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	j.cron.Start()
	log.Info().Str("component", "janitor").Str("schedule", schedule).Dur("ttl", j.ttl).Msg("janitor started")
	return nil
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Uploads int
	Outputs int
	Jobs    int
}

// Sweep removes expired registered uploads, stale output files and old
// finished jobs.
func (j *Janitor) Sweep() (SweepResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var res SweepResult
	cutoff := j.now().Add(-j.ttl)

	expired, err := j.registry.MediaCreatedBefore(cutoff)
	if err != nil {
		return res, fmt.Errorf("list expired media: %w", err)
	}
	for _, m := range expired {
		if err := j.store.Remove(m.Path); err != nil {
			log.Warn().Str("component", "janitor").Str("path", m.Path).Err(err).Msg("remove upload")
			continue
		}
		if err := j.registry.DeleteMediaByPath(m.Path); err != nil {
			return res, fmt.Errorf("unregister %s: %w", m.Path, err)
		}
		res.Uploads++
	}

	outputs, err := j.store.StaleOutputs(cutoff)
	if err != nil {
		return res, fmt.Errorf("list outputs: %w", err)
	}
	for _, path := range outputs {
		if err := j.store.Remove(path); err != nil {
			log.Warn().Str("component", "janitor").Str("path", path).Err(err).Msg("remove output")
			continue
		}
		res.Outputs++
	}

	res.Jobs, err = j.registry.DeleteFinishedJobsBefore(cutoff)
	if err != nil {
		return res, fmt.Errorf("prune jobs: %w", err)
	}

	j.metrics.JanitorRemoved("upload", res.Uploads)
	j.metrics.JanitorRemoved("output", res.Outputs)
	j.metrics.JanitorRemoved("job", res.Jobs)
	if res.Uploads+res.Outputs+res.Jobs > 0 {
		log.Info().
			Str("component", "janitor").
			Int("uploads", res.Uploads).
			Int("outputs", res.Outputs).
			Int("jobs", res.Jobs).
			Msg("sweep finished")
	}
	return res, nil
}
