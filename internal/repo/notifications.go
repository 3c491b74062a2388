package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftwood-social/driftwood/internal/models"
)

type notificationRepo struct {
	pool *pgxpool.Pool
}

func (r *notificationRepo) Create(ctx context.Context, n *models.Notification) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, actor_id, note_id, emoji, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		n.ID, n.UserID, n.Kind, n.ActorID, n.NoteID, n.Emoji, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating notification for user %s: %w", n.UserID, err)
	}
	return nil
}

func (r *notificationRepo) MarkRead(ctx context.Context, userID models.ID, notificationID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`,
		notificationID, userID)
	if err != nil {
		return fmt.Errorf("marking notification %s read: %w", notificationID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *notificationRepo) List(ctx context.Context, userID models.ID, untilID string, limit int) ([]*models.Notification, error) {
	q := `SELECT id, user_id, type, actor_id, note_id, emoji, is_read, created_at
	      FROM notifications WHERE user_id = $1`
	args := []interface{}{userID}
	if untilID != "" {
		q += ` AND id < $2`
		args = append(args, untilID)
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing notifications for %s: %w", userID, err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.ActorID, &n.NoteID,
			&n.Emoji, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notifications: %w", err)
	}
	return notifications, nil
}

func (r *notificationRepo) ListPushSubscriptions(ctx context.Context, userID models.ID) ([]*PushSubscription, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, endpoint, p256dh_key, auth_key
		 FROM push_subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing push subscriptions for %s: %w", userID, err)
	}
	defer rows.Close()

	var subs []*PushSubscription
	for rows.Next() {
		var s PushSubscription
		if err := rows.Scan(&s.ID, &s.UserID, &s.Endpoint, &s.P256dh, &s.Auth); err != nil {
			return nil, fmt.Errorf("scanning push subscription: %w", err)
		}
		subs = append(subs, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating push subscriptions: %w", err)
	}
	return subs, nil
}
