package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftwood-social/driftwood/internal/models"
)

type followingRepo struct {
	pool *pgxpool.Pool
}

func (r *followingRepo) Create(ctx context.Context, f *models.Following) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO followings (id, follower_id, followee_id, follower_inbox,
		                         follower_shared_inbox, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (follower_id, followee_id) DO NOTHING`,
		f.ID, f.FollowerID, f.FolloweeID, f.FollowerInbox, f.FollowerSharedInbox, f.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("creating following %s -> %s: %w", f.FollowerID, f.FolloweeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *followingRepo) DeleteByPair(ctx context.Context, followerID, followeeID models.ID) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM followings WHERE follower_id = $1 AND followee_id = $2`,
		followerID, followeeID)
	if err != nil {
		return false, fmt.Errorf("deleting following %s -> %s: %w", followerID, followeeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *followingRepo) Exists(ctx context.Context, followerID, followeeID models.ID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM followings WHERE follower_id = $1 AND followee_id = $2)`,
		followerID, followeeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking following %s -> %s: %w", followerID, followeeID, err)
	}
	return exists, nil
}

func (r *followingRepo) ListFolloweeIDs(ctx context.Context, followerID models.ID) ([]models.ID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT followee_id FROM followings WHERE follower_id = $1`, followerID)
	if err != nil {
		return nil, fmt.Errorf("listing followees of %s: %w", followerID, err)
	}
	defer rows.Close()

	var ids []models.ID
	for rows.Next() {
		var id models.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning followee id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating followees: %w", err)
	}
	return ids, nil
}

func (r *followingRepo) RemoteFollowerInboxes(ctx context.Context, followeeID models.ID) ([]Recipient, error) {
	// Inbox URLs are cached on the edge at creation; fall back to the user
	// row for edges predating the cache columns.
	rows, err := r.pool.Query(ctx,
		`SELECT COALESCE(f.follower_inbox, u.inbox),
		        COALESCE(f.follower_shared_inbox, u.shared_inbox)
		 FROM followings f
		 JOIN users u ON u.id = f.follower_id
		 WHERE f.followee_id = $1 AND u.host IS NOT NULL AND NOT u.suspended`,
		followeeID)
	if err != nil {
		return nil, fmt.Errorf("listing remote follower inboxes of %s: %w", followeeID, err)
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		var inbox *string
		var shared *string
		if err := rows.Scan(&inbox, &shared); err != nil {
			return nil, fmt.Errorf("scanning follower inbox: %w", err)
		}
		if inbox == nil || *inbox == "" {
			continue
		}
		recipients = append(recipients, Recipient{Inbox: *inbox, SharedInbox: shared})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating follower inboxes: %w", err)
	}
	return recipients, nil
}

type followRequestRepo struct {
	pool *pgxpool.Pool
}

func (r *followRequestRepo) Create(ctx context.Context, fr *models.FollowRequest) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO follow_requests (id, follower_id, followee_id, activity_uri, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (follower_id, followee_id) DO NOTHING`,
		fr.ID, fr.FollowerID, fr.FolloweeID, fr.ActivityURI, fr.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("creating follow request %s -> %s: %w", fr.FollowerID, fr.FolloweeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *followRequestRepo) DeleteByPair(ctx context.Context, followerID, followeeID models.ID) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM follow_requests WHERE follower_id = $1 AND followee_id = $2`,
		followerID, followeeID)
	if err != nil {
		return false, fmt.Errorf("deleting follow request %s -> %s: %w", followerID, followeeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *followRequestRepo) FindByPair(ctx context.Context, followerID, followeeID models.ID) (*models.FollowRequest, error) {
	var fr models.FollowRequest
	err := r.pool.QueryRow(ctx,
		`SELECT id, follower_id, followee_id, activity_uri, created_at
		 FROM follow_requests WHERE follower_id = $1 AND followee_id = $2`,
		followerID, followeeID).Scan(
		&fr.ID, &fr.FollowerID, &fr.FolloweeID, &fr.ActivityURI, &fr.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding follow request %s -> %s: %w", followerID, followeeID, err)
	}
	return &fr, nil
}
