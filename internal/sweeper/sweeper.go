// Package sweeper expires OPEN upload sessions whose deadline has passed,
// forgets terminal sessions after their retention period and clears staged
// blobs that no commit will promote.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/princekumarofficial/uploads-service/internal/session"
	"github.com/princekumarofficial/uploads-service/internal/storage/blob"
)

const defaultBatchSize = 500

type Sweeper struct {
	sessions  *session.Manager
	interval  time.Duration
	retention time.Duration
	batchSize int
	logger    *slog.Logger
	onExpired func(ctx context.Context, uploadID string)

	staging       blob.StagingPurger
	stagingMaxAge time.Duration
}

type Option func(*Sweeper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// OnExpired registers a callback run after each session the sweeper expires
func OnExpired(fn func(ctx context.Context, uploadID string)) Option {
	return func(s *Sweeper) { s.onExpired = fn }
}

func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batchSize = n }
}

// WithStagingPurge removes staged blobs older than maxAge on every sweep.
// maxAge must exceed the commit timeout or running commits lose their data.
func WithStagingPurge(p blob.StagingPurger, maxAge time.Duration) Option {
	return func(s *Sweeper) {
		s.staging = p
		s.stagingMaxAge = maxAge
	}
}

func New(sessions *session.Manager, interval, retention time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{
		sessions:  sessions,
		interval:  interval,
		retention: retention,
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start sweeps once immediately and then on every tick until ctx is done
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Expiry sweeper started",
		slog.String("interval", s.interval.String()))

	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper shutting down")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	startTime := time.Now()

	expired, purged, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("Failed to sweep upload sessions",
			slog.String("error", err.Error()),
			slog.Int("sessions_expired", expired),
			slog.Int64("duration_ms", time.Since(startTime).Milliseconds()))
		return
	}

	if expired > 0 || purged > 0 {
		s.logger.Info("Completed upload session sweep",
			slog.Int("sessions_expired", expired),
			slog.Int("sessions_purged", purged),
			slog.Int64("duration_ms", time.Since(startTime).Milliseconds()))
	}
}

// Sweep expires every OPEN session past its deadline and purges terminal
// sessions older than the retention. A session that fails to expire is
// logged and left for the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (expired int, purged int, err error) {
	for {
		ids, err := s.sessions.ListExpirable(ctx, s.batchSize)
		if err != nil {
			return expired, 0, err
		}

		progressed := 0
		for _, id := range ids {
			if ctx.Err() != nil {
				return expired, 0, ctx.Err()
			}

			ok, err := s.sessions.Expire(ctx, id)
			if err != nil {
				s.logger.Error("Failed to expire upload session",
					slog.String("upload_id", id),
					slog.String("error", err.Error()))
			}
			if ok {
				expired++
				progressed++
				if s.onExpired != nil {
					s.onExpired(ctx, id)
				}
			}
		}

		// a short batch was the last one; a batch with no progress would repeat
		if len(ids) < s.batchSize || progressed == 0 {
			break
		}
	}

	if s.retention > 0 {
		purged, err = s.sessions.PurgeTerminal(ctx, s.retention)
		if err != nil {
			return expired, purged, err
		}
	}

	if s.staging != nil {
		// staged files carry wall-clock modification times
		removed, err := s.staging.PurgeStaging(ctx, time.Now().Add(-s.stagingMaxAge))
		if err != nil {
			return expired, purged, err
		}
		if removed > 0 {
			s.logger.Info("Removed abandoned staged blobs",
				slog.Int("count", removed))
		}
	}

	return expired, purged, nil
}
