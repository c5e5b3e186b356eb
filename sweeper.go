package offlineruntime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-runtime/cache"
)

// Sweeper deletes entries older than MaxAge from one store.
// Only the API store is swept; the static store is never swept.
type Sweeper struct {
	Cache    cache.Provider
	Store    string
	MaxAge   time.Duration
	Interval time.Duration
	// Time source. time.Now if nil.
	Clock   func() time.Time
	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (s *Sweeper) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}

func (s *Sweeper) logger() zerolog.Logger {
	var logger zerolog.Logger
	if s.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *s.Logger
	}
	return logger.With().Str("store", s.Store).Logger()
}

// Sweep scans the store once and returns the number of deleted entries.
// Entries that cannot be read or deleted are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) int {
	log := s.logger()
	maxAge := s.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	now := s.now()
	deleted, failed := 0, 0
	for fp := range s.Cache.Fingerprints(s.Store) {
		if ctx.Err() != nil {
			break
		}
		storedAt, err := s.Cache.StoredAt(s.Store, fp)
		if err == cache.ErrNotFound {
			// deleted since the snapshot was taken
			continue
		} else if err != nil {
			log.Warn().Err(err).Str("key", fp.String()).Msg("Could not read entry, skipping")
			failed++
			continue
		}
		if now.Sub(storedAt) <= maxAge {
			continue
		}
		if err := s.Cache.Delete(s.Store, fp); err != nil {
			log.Warn().Err(err).Str("key", fp.String()).Msg("Could not delete expired entry")
			failed++
			continue
		}
		log.Trace().Str("key", fp.String()).Time("storedAt", storedAt).Msg("Deleted expired entry")
		deleted++
	}
	s.Metrics.swept(deleted, failed)
	log.Debug().Int("deleted", deleted).Int("failed", failed).Msg("Sweep done")
	return deleted
}

// Run sweeps on every interval tick until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	log := s.logger()
	log.Info().Msgf("Starting sweep loop with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sweep loop stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
