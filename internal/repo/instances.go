package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftwood-social/driftwood/internal/models"
)

const instanceColumns = `host, software_name, software_version, name, description,
	users_count, notes_count, is_blocked, is_silenced, is_suspended,
	first_seen_at, last_seen_at, info_updated_at`

type instanceRepo struct {
	pool *pgxpool.Pool
}

func scanInstance(row pgx.Row) (*models.Instance, error) {
	var inst models.Instance
	err := row.Scan(
		&inst.Host, &inst.SoftwareName, &inst.SoftwareVersion, &inst.Name,
		&inst.Description, &inst.UsersCount, &inst.NotesCount, &inst.IsBlocked,
		&inst.IsSilenced, &inst.IsSuspended, &inst.FirstSeenAt, &inst.LastSeenAt,
		&inst.InfoUpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning instance: %w", err)
	}
	return &inst, nil
}

func (r *instanceRepo) Upsert(ctx context.Context, host string) (*models.Instance, error) {
	return scanInstance(r.pool.QueryRow(ctx,
		`INSERT INTO instances (host, first_seen_at, last_seen_at)
		 VALUES ($1, now(), now())
		 ON CONFLICT (host) DO UPDATE SET last_seen_at = now()
		 RETURNING `+instanceColumns,
		strings.ToLower(host)))
}

func (r *instanceRepo) FindByHost(ctx context.Context, host string) (*models.Instance, error) {
	return scanInstance(r.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE host = $1`,
		strings.ToLower(host)))
}

func (r *instanceRepo) SetBlocked(ctx context.Context, host string, blocked bool) error {
	return r.setFlag(ctx, host, "is_blocked", blocked)
}

func (r *instanceRepo) SetSilenced(ctx context.Context, host string, silenced bool) error {
	return r.setFlag(ctx, host, "is_silenced", silenced)
}

func (r *instanceRepo) SetSuspended(ctx context.Context, host string, suspended bool) error {
	return r.setFlag(ctx, host, "is_suspended", suspended)
}

// setFlag upserts the row so an admin can block a host before its first
// communication. The column name is fixed by the caller, never user input.
func (r *instanceRepo) setFlag(ctx context.Context, host, column string, value bool) error {
	q := fmt.Sprintf(
		`INSERT INTO instances (host, %s, first_seen_at) VALUES ($1, $2, now())
		 ON CONFLICT (host) DO UPDATE SET %s = $2`, column, column)
	if _, err := r.pool.Exec(ctx, q, strings.ToLower(host), value); err != nil {
		return fmt.Errorf("setting %s for instance %s: %w", column, host, err)
	}
	return nil
}

func (r *instanceRepo) UpdateInfo(ctx context.Context, host string, softwareName, softwareVersion, name, description *string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE instances SET
			software_name = COALESCE($2, software_name),
			software_version = COALESCE($3, software_version),
			name = COALESCE($4, name),
			description = COALESCE($5, description),
			info_updated_at = now()
		 WHERE host = $1`,
		strings.ToLower(host), softwareName, softwareVersion, name, description)
	if err != nil {
		return fmt.Errorf("updating info for instance %s: %w", host, err)
	}
	return nil
}

func (r *instanceRepo) AddCounters(ctx context.Context, host string, usersDelta, notesDelta int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE instances SET
			users_count = GREATEST(users_count + $2, 0),
			notes_count = GREATEST(notes_count + $3, 0)
		 WHERE host = $1`,
		strings.ToLower(host), usersDelta, notesDelta)
	if err != nil {
		return fmt.Errorf("updating counters for instance %s: %w", host, err)
	}
	return nil
}

func (r *instanceRepo) ListBlockedHosts(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT host FROM instances WHERE is_blocked ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("listing blocked hosts: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scanning blocked host: %w", err)
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blocked hosts: %w", err)
	}
	return hosts, nil
}
