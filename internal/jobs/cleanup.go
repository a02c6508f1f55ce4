package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/config"
	"github.com/assettrack/scan-relay-go/internal/repository"
)

// PhotoPurger removes the temporary photos still attached to a session.
type PhotoPurger interface {
	PurgeTempPhotos(ctx context.Context, sessionID string) (int, error)
}

type CleanupJob struct {
	challengeRepo repository.PairingChallengeRepository
	sessionRepo   repository.ScanSessionRepository
	purger        PhotoPurger
	photoTTL      time.Duration
	interval      time.Duration
	now           func() time.Time
	done          chan struct{}
}

func NewCleanupJob(
	challengeRepo repository.PairingChallengeRepository,
	sessionRepo repository.ScanSessionRepository,
	purger PhotoPurger,
	photoTTL time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		challengeRepo: challengeRepo,
		sessionRepo:   sessionRepo,
		purger:        purger,
		photoTTL:      photoTTL,
		interval:      interval,
		now:           time.Now,
		done:          make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), config.CleanupJobTimeout)
	defer cancel()

	j.runCleanup(ctx, "pairing challenges", j.challengeRepo.DeleteStale)
	j.runCleanup(ctx, "overdue scan sessions", j.sessionRepo.ExpireOverdue)
	if j.purger != nil {
		j.purgeTempPhotos(ctx)
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}

// purgeTempPhotos drops unclaimed photos of sessions that have been
// terminal for longer than photoTTL. One failing session does not block
// the rest of the batch.
func (j *CleanupJob) purgeTempPhotos(ctx context.Context) {
	sessions, err := j.sessionRepo.FindTerminalWithPhotos(ctx, j.now().Add(-j.photoTTL), config.CleanupPhotoBatch)
	if err != nil {
		log.Error().Err(err).Msg("failed to find sessions with temp photos")
		return
	}

	total := 0
	for _, s := range sessions {
		n, err := j.purger.PurgeTempPhotos(ctx, s.ID)
		total += n
		if err != nil {
			log.Error().Err(err).Str("scanSessionId", s.ID).Msg("failed to purge temp photos")
		}
	}
	if total > 0 {
		log.Info().Int("count", total).Int("sessions", len(sessions)).Msg("cleaned up temp photos")
	}
}
