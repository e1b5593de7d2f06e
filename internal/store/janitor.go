package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/pagesmith/internal/domain"
)

const janitorBatch = 200

// AbandonCallback is called for every session the janitor closes.
type AbandonCallback func(sessionID string)

// Janitor marks sessions that have been idle longer than a TTL as abandoned.
type Janitor struct {
	repo      Repository
	lister    IdleLister
	ttl       time.Duration
	now       func() time.Time
	onAbandon AbandonCallback
}

// NewJanitor returns a janitor, or nil when repo cannot list idle sessions.
func NewJanitor(repo Repository, ttl time.Duration, onAbandon AbandonCallback) *Janitor {
	lister, ok := repo.(IdleLister)
	if !ok {
		return nil
	}
	return &Janitor{repo: repo, lister: lister, ttl: ttl, now: time.Now, onAbandon: onAbandon}
}

// Start runs Sweep every interval until ctx is done.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("[JANITOR] started", "interval", interval, "ttl", j.ttl)

		for {
			select {
			case <-ticker.C:
				j.Sweep(ctx)
			case <-ctx.Done():
				slog.Info("[JANITOR] shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep abandons idle sessions once and returns how many it closed.
func (j *Janitor) Sweep(ctx context.Context) int {
	now := j.now()
	ids, err := j.lister.ListIdle(ctx, now.Add(-j.ttl), janitorBatch)
	if err != nil {
		slog.Error("[JANITOR] failed to list idle sessions", "error", err)
		return 0
	}
	if len(ids) == 0 {
		return 0
	}

	closed := 0
	for _, id := range ids {
		sess, err := j.repo.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("[JANITOR] failed to load session", "session_id", id, "error", err)
			continue
		}
		if sess.Status.Closed() || sess.RunningExecution() != nil {
			continue
		}
		sess.Status = domain.SessionAbandoned
		sess.UpdatedAt = now
		if err := j.repo.Replace(ctx, sess); err != nil {
			slog.Warn("[JANITOR] failed to abandon session", "session_id", id, "error", err)
			continue
		}
		closed++
		if j.onAbandon != nil {
			j.onAbandon(id)
		}
	}
	slog.Info("[JANITOR] sweep completed", "abandoned", closed, "candidates", len(ids))
	return closed
}
