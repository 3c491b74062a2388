package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftwood-social/driftwood/internal/models"
)

const noteColumns = `id, user_id, uri, text, cw, visibility, reply_id, renote_id, file_ids,
	channel_id, replies_count, renote_count, reaction_count, created_at, updated_at`

type noteRepo struct {
	pool *pgxpool.Pool
}

func scanNote(row pgx.Row) (*models.Note, error) {
	var n models.Note
	err := row.Scan(
		&n.ID, &n.UserID, &n.URI, &n.Text, &n.CW, &n.Visibility, &n.ReplyID,
		&n.RenoteID, &n.FileIDs, &n.ChannelID, &n.RepliesCount, &n.RenoteCount,
		&n.ReactionCount, &n.CreatedAt, &n.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning note: %w", err)
	}
	return &n, nil
}

func collectNotes(rows pgx.Rows) ([]*models.Note, error) {
	var notes []*models.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notes: %w", err)
	}
	return notes, nil
}

func (r *noteRepo) FindByID(ctx context.Context, id models.ID) (*models.Note, error) {
	return scanNote(r.pool.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = $1`, id))
}

func (r *noteRepo) FindByURI(ctx context.Context, uri string) (*models.Note, error) {
	return scanNote(r.pool.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE uri = $1`, uri))
}

func (r *noteRepo) Create(ctx context.Context, n *models.Note) error {
	fileIDs := n.FileIDs
	if fileIDs == nil {
		fileIDs = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notes (id, user_id, uri, text, cw, visibility, reply_id, renote_id,
		                    file_ids, channel_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, n.URI, n.Text, n.CW, n.Visibility, n.ReplyID, n.RenoteID,
		fileIDs, n.ChannelID, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating note %s: %w", n.ID, err)
	}
	return nil
}

func (r *noteRepo) SoftDelete(ctx context.Context, id models.ID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notes SET text = NULL, cw = NULL, file_ids = '{}', updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft-deleting note %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *noteRepo) UpdateText(ctx context.Context, id models.ID, text, cw *string, updatedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notes SET text = $1, cw = $2, updated_at = $3 WHERE id = $4`,
		text, cw, updatedAt, id)
	if err != nil {
		return fmt.Errorf("updating note %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *noteRepo) IncRepliesCount(ctx context.Context, id models.ID, delta int) error {
	return r.incCounter(ctx, id, "replies_count", delta)
}

func (r *noteRepo) IncRenoteCount(ctx context.Context, id models.ID, delta int) error {
	return r.incCounter(ctx, id, "renote_count", delta)
}

func (r *noteRepo) IncReactionCount(ctx context.Context, id models.ID, delta int) error {
	return r.incCounter(ctx, id, "reaction_count", delta)
}

func (r *noteRepo) incCounter(ctx context.Context, id models.ID, column string, delta int) error {
	q := fmt.Sprintf(
		`UPDATE notes SET %s = GREATEST(%s + $1, 0) WHERE id = $2`, column, column)
	if _, err := r.pool.Exec(ctx, q, delta, id); err != nil {
		return fmt.Errorf("updating %s for note %s: %w", column, id, err)
	}
	return nil
}

func (r *noteRepo) ListAncestors(ctx context.Context, id models.ID, limit int) ([]*models.Note, error) {
	rows, err := r.pool.Query(ctx,
		`WITH RECURSIVE ancestors AS (
			SELECT n.*, 0 AS depth FROM notes n WHERE n.id = $1
			UNION ALL
			SELECT p.*, a.depth + 1 FROM notes p
			JOIN ancestors a ON p.id = a.reply_id
			WHERE a.depth < $2
		)
		SELECT `+noteColumns+` FROM ancestors WHERE id <> $1 ORDER BY depth`,
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("listing ancestors of %s: %w", id, err)
	}
	defer rows.Close()
	return collectNotes(rows)
}

func (r *noteRepo) ListDescendants(ctx context.Context, id models.ID, limit int) ([]*models.Note, error) {
	rows, err := r.pool.Query(ctx,
		`WITH RECURSIVE descendants AS (
			SELECT n.*, 0 AS depth FROM notes n WHERE n.id = $1
			UNION ALL
			SELECT c.*, d.depth + 1 FROM notes c
			JOIN descendants d ON c.reply_id = d.id
			WHERE d.depth < 10
		)
		SELECT `+noteColumns+` FROM descendants WHERE id <> $1 ORDER BY id LIMIT $2`,
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("listing descendants of %s: %w", id, err)
	}
	defer rows.Close()
	return collectNotes(rows)
}

// pagedWhere renders since/until ID pagination. IDs sort by creation time, so
// keyset pagination on id is pagination by time. argOffset is the number of
// positional parameters already consumed by the caller's query.
func pagedWhere(sinceID, untilID models.ID, argOffset int) (string, []interface{}) {
	clause := ""
	var args []interface{}
	if !sinceID.IsZero() {
		clause += fmt.Sprintf(" AND id > $%d", argOffset+len(args)+1)
		args = append(args, sinceID)
	}
	if !untilID.IsZero() {
		clause += fmt.Sprintf(" AND id < $%d", argOffset+len(args)+1)
		args = append(args, untilID)
	}
	return clause, args
}

func (r *noteRepo) UserTimeline(ctx context.Context, userID models.ID, sinceID, untilID models.ID, limit int) ([]*models.Note, error) {
	clause, extra := pagedWhere(sinceID, untilID, 1)
	args := append([]interface{}{userID}, extra...)
	args = append(args, limit)
	rows, err := r.pool.Query(ctx,
		`SELECT `+noteColumns+` FROM notes
		 WHERE user_id = $1`+clause+fmt.Sprintf(`
		 ORDER BY id DESC LIMIT $%d`, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("listing user timeline for %s: %w", userID, err)
	}
	defer rows.Close()
	return collectNotes(rows)
}

func (r *noteRepo) LocalTimeline(ctx context.Context, sinceID, untilID models.ID, limit int) ([]*models.Note, error) {
	clause, extra := pagedWhere(sinceID, untilID, 0)
	args := append([]interface{}{}, extra...)
	args = append(args, limit)
	rows, err := r.pool.Query(ctx,
		`SELECT `+noteColumns+` FROM notes
		 WHERE visibility = 'public'
		   AND user_id IN (SELECT id FROM users WHERE host IS NULL AND NOT suspended)
		   `+clause+fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("listing local timeline: %w", err)
	}
	defer rows.Close()
	return collectNotes(rows)
}

func (r *noteRepo) GlobalTimeline(ctx context.Context, sinceID, untilID models.ID, limit int) ([]*models.Note, error) {
	clause, extra := pagedWhere(sinceID, untilID, 0)
	args := append([]interface{}{}, extra...)
	args = append(args, limit)
	// Notes from blocked or silenced hosts never surface on public timelines.
	rows, err := r.pool.Query(ctx,
		`SELECT `+noteColumns+` FROM notes
		 WHERE visibility = 'public'
		   AND user_id IN (
			SELECT u.id FROM users u
			LEFT JOIN instances i ON i.host = u.host
			WHERE NOT u.suspended
			  AND (u.host IS NULL OR (NOT COALESCE(i.is_blocked, FALSE) AND NOT COALESCE(i.is_silenced, FALSE)))
		   )`+clause+fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("listing global timeline: %w", err)
	}
	defer rows.Close()
	return collectNotes(rows)
}

func (r *noteRepo) HomeTimeline(ctx context.Context, userID models.ID, sinceID, untilID models.ID, limit int) ([]*models.Note, error) {
	clause, extra := pagedWhere(sinceID, untilID, 1)
	args := append([]interface{}{userID}, extra...)
	args = append(args, limit)
	rows, err := r.pool.Query(ctx,
		`SELECT `+noteColumns+` FROM notes
		 WHERE visibility IN ('public', 'home', 'followers')
		   AND (user_id = $1 OR user_id IN (
			SELECT followee_id FROM followings WHERE follower_id = $1
		   ))`+clause+fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("listing home timeline for %s: %w", userID, err)
	}
	defer rows.Close()
	return collectNotes(rows)
}
