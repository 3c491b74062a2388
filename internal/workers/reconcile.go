// Package workers implements periodic background maintenance tasks. The
// counter reconciler recounts the denormalized note and user counters that
// can drift under soft deletes and undone activities; the hot paths mutate
// them with atomic increments, and this task trues them up.
package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// reconcileInterval is how often a reconciliation pass runs.
const reconcileInterval = 6 * time.Hour

// ReconcileWorker periodically recounts drifted counters.
type ReconcileWorker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewReconcileWorker creates the counter reconciler.
func NewReconcileWorker(pool *pgxpool.Pool, logger *slog.Logger) *ReconcileWorker {
	return &ReconcileWorker{pool: pool, logger: logger}
}

// Start runs reconciliation passes until ctx is canceled. The first pass
// runs after one full interval so startup is not penalized.
func (w *ReconcileWorker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.runOnce(ctx)
			}
		}
	}()
}

// runOnce recounts reaction, renote, and reply counters from their source
// tables, and user note counts from the notes table. Each statement only
// touches rows whose stored counter actually drifted.
func (w *ReconcileWorker) runOnce(ctx context.Context) {
	start := time.Now()

	statements := []struct {
		name string
		sql  string
	}{
		{"reaction_count", `
			UPDATE notes n SET reaction_count = c.actual
			FROM (SELECT note_id, count(*) AS actual FROM reactions GROUP BY note_id) c
			WHERE n.id = c.note_id AND n.reaction_count <> c.actual`},
		{"reaction_count_zero", `
			UPDATE notes SET reaction_count = 0
			WHERE reaction_count <> 0
			  AND id NOT IN (SELECT DISTINCT note_id FROM reactions)`},
		{"renote_count", `
			UPDATE notes n SET renote_count = c.actual
			FROM (SELECT renote_id, count(*) AS actual FROM notes
			      WHERE renote_id IS NOT NULL AND text IS NULL GROUP BY renote_id) c
			WHERE n.id = c.renote_id AND n.renote_count <> c.actual`},
		{"replies_count", `
			UPDATE notes n SET replies_count = c.actual
			FROM (SELECT reply_id, count(*) AS actual FROM notes
			      WHERE reply_id IS NOT NULL GROUP BY reply_id) c
			WHERE n.id = c.reply_id AND n.replies_count <> c.actual`},
		{"notes_count", `
			UPDATE users u SET notes_count = c.actual
			FROM (SELECT user_id, count(*) AS actual FROM notes
			      WHERE text IS NOT NULL OR renote_id IS NOT NULL GROUP BY user_id) c
			WHERE u.id = c.user_id AND u.notes_count <> c.actual`},
		{"followers_count", `
			UPDATE users u SET followers_count = c.actual
			FROM (SELECT followee_id, count(*) AS actual FROM followings GROUP BY followee_id) c
			WHERE u.id = c.followee_id AND u.followers_count <> c.actual`},
		{"following_count", `
			UPDATE users u SET following_count = c.actual
			FROM (SELECT follower_id, count(*) AS actual FROM followings GROUP BY follower_id) c
			WHERE u.id = c.follower_id AND u.following_count <> c.actual`},
	}

	var corrected int64
	for _, stmt := range statements {
		tag, err := w.pool.Exec(ctx, stmt.sql)
		if err != nil {
			w.logger.Warn("counter reconciliation statement failed",
				slog.String("counter", stmt.name),
				slog.String("error", err.Error()))
			continue
		}
		corrected += tag.RowsAffected()
	}

	w.logger.Info("counter reconciliation pass complete",
		slog.Int64("rows_corrected", corrected),
		slog.Duration("elapsed", time.Since(start)))
}
