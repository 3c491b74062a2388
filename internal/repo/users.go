package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftwood-social/driftwood/internal/models"
)

const userColumns = `id, username, host, display_name, summary, uri, inbox, shared_inbox,
	public_key_pem, avatar_url, followers_count, following_count, notes_count,
	locked, suspended, silenced, admin, moderator, bot, last_fetched_at, created_at`

type userRepo struct {
	pool *pgxpool.Pool
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID, &u.Username, &u.Host, &u.DisplayName, &u.Summary, &u.URI, &u.Inbox,
		&u.SharedInbox, &u.PublicKeyPEM, &u.AvatarURL, &u.FollowersCount,
		&u.FollowingCount, &u.NotesCount, &u.Locked, &u.Suspended, &u.Silenced,
		&u.Admin, &u.Moderator, &u.Bot, &u.LastFetchedAt, &u.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

func (r *userRepo) FindByID(ctx context.Context, id models.ID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *userRepo) FindByURI(ctx context.Context, uri string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE uri = $1`, uri))
}

func (r *userRepo) FindByUsername(ctx context.Context, username string, host *string) (*models.User, error) {
	if host == nil {
		return scanUser(r.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users
			 WHERE LOWER(username) = LOWER($1) AND host IS NULL`, username))
	}
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE LOWER(username) = LOWER($1) AND LOWER(host) = LOWER($2)`, username, *host))
}

func (r *userRepo) FindByToken(ctx context.Context, token string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE token = $1`, token))
}

func (r *userRepo) ListByIDs(ctx context.Context, ids []models.ID) ([]*models.User, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = string(id)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, strIDs)
	if err != nil {
		return nil, fmt.Errorf("listing users by ids: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (r *userRepo) Search(ctx context.Context, query string, limit int) ([]*models.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE username ILIKE '%' || $1 || '%' OR display_name ILIKE '%' || $1 || '%'
		 ORDER BY id DESC LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows pgx.Rows) ([]*models.User, error) {
	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

func (r *userRepo) CreateLocal(ctx context.Context, u *models.User, passwordHash, token string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, display_name, public_key_pem, password_hash, token,
		                    locked, admin, moderator, bot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.Username, u.DisplayName, u.PublicKeyPEM, passwordHash, token,
		u.Locked, u.Admin, u.Moderator, u.Bot, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating local user %s: %w", u.Username, err)
	}
	return nil
}

func (r *userRepo) UpsertRemote(ctx context.Context, u *models.User) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`INSERT INTO users (id, username, host, display_name, summary, uri, inbox, shared_inbox,
		                    public_key_pem, avatar_url, bot, last_fetched_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		 ON CONFLICT (uri) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			summary = EXCLUDED.summary,
			inbox = EXCLUDED.inbox,
			shared_inbox = EXCLUDED.shared_inbox,
			public_key_pem = EXCLUDED.public_key_pem,
			avatar_url = EXCLUDED.avatar_url,
			bot = EXCLUDED.bot,
			last_fetched_at = now()
		 RETURNING `+userColumns,
		u.ID, u.Username, u.Host, u.DisplayName, u.Summary, u.URI, u.Inbox,
		u.SharedInbox, u.PublicKeyPEM, u.AvatarURL, u.Bot))
}

func (r *userRepo) SetSuspended(ctx context.Context, id models.ID, suspended bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET suspended = $1 WHERE id = $2`, suspended, id)
	if err != nil {
		return fmt.Errorf("setting suspended for user %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) IncNotesCount(ctx context.Context, id models.ID, delta int) error {
	return r.incCounter(ctx, id, "notes_count", delta)
}

func (r *userRepo) IncFollowersCount(ctx context.Context, id models.ID, delta int) error {
	return r.incCounter(ctx, id, "followers_count", delta)
}

func (r *userRepo) IncFollowingCount(ctx context.Context, id models.ID, delta int) error {
	return r.incCounter(ctx, id, "following_count", delta)
}

// incCounter mutates a counter with an atomic in-place update, clamped at
// zero. The column name is fixed by the caller, never user input.
func (r *userRepo) incCounter(ctx context.Context, id models.ID, column string, delta int) error {
	q := fmt.Sprintf(
		`UPDATE users SET %s = GREATEST(%s + $1, 0) WHERE id = $2`, column, column)
	if _, err := r.pool.Exec(ctx, q, delta, id); err != nil {
		return fmt.Errorf("updating %s for user %s: %w", column, id, err)
	}
	return nil
}
