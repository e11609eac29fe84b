// Package housekeeping removes idle sessions.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/deckster/internal/store"
)

// Expirer lists sessions idle longer than a TTL.
type Expirer interface {
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)
}

// Deleter removes a session durably and from any cache.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// CleanupCallback is called after the TTL worker deletes a session.
type CleanupCallback func(sessionID string)

const (
	deleteMaxRetries = 3
	deleteBaseDelay  = 100 * time.Millisecond
)

// deleteSessionWithRetry deletes a session with exponential backoff to
// handle SQLITE_BUSY errors.
func deleteSessionWithRetry(ctx context.Context, sessions Deleter, id string) error {
	var err error
	for i := 0; i < deleteMaxRetries; i++ {
		err = sessions.Delete(ctx, id)
		if err == nil {
			return nil
		}
		if !store.IsBusy(err) || i == deleteMaxRetries-1 {
			break
		}

		delay := deleteBaseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
		slog.Debug("Session delete failed with SQLITE_BUSY, retrying",
			"session_id", id,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("failed to delete session %s after retries: %w", id, err)
}

// StartTTLWorker runs a background goroutine that periodically deletes
// sessions idle longer than ttl. The returned channel is closed once the
// worker has stopped after ctx is cancelled.
func StartTTLWorker(ctx context.Context, expired Expirer, sessions Deleter, ttl, interval time.Duration, onCleanup CleanupCallback) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				cleanupExpiredSessions(ctx, expired, sessions, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func cleanupExpiredSessions(ctx context.Context, expired Expirer, sessions Deleter, ttl time.Duration, onCleanup CleanupCallback) int {
	ids, err := expired.GetExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to get expired sessions", "error", err)
		return 0
	}
	if len(ids) == 0 {
		return 0
	}

	slog.Info("TTL worker found expired sessions", "count", len(ids))

	cleaned := 0
	for _, id := range ids {
		if err := deleteSessionWithRetry(ctx, sessions, id); err != nil {
			if ctx.Err() != nil {
				slog.Debug("TTL worker: context canceled, cleanup incomplete", "session_id", id)
				break
			}
			slog.Warn("TTL worker failed to delete session",
				"error", err,
				"session_id", id)
			continue
		}
		cleaned++
		if onCleanup != nil {
			onCleanup(id)
		}
	}

	slog.Info("TTL worker cleanup completed", "cleaned", cleaned)
	return cleaned
}
