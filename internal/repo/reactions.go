package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftwood-social/driftwood/internal/models"
)

type reactionRepo struct {
	pool *pgxpool.Pool
}

func (r *reactionRepo) Insert(ctx context.Context, reaction *models.Reaction) (bool, error) {
	// The (user, note) pair is unique: a second reaction from the same user
	// keeps the earlier row.
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO reactions (id, user_id, note_id, emoji, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, note_id) DO NOTHING`,
		reaction.ID, reaction.UserID, reaction.NoteID, reaction.Emoji, reaction.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("inserting reaction by %s on %s: %w", reaction.UserID, reaction.NoteID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *reactionRepo) FindByUserAndNote(ctx context.Context, userID, noteID models.ID) (*models.Reaction, error) {
	var reaction models.Reaction
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, note_id, emoji, created_at
		 FROM reactions WHERE user_id = $1 AND note_id = $2`,
		userID, noteID).Scan(
		&reaction.ID, &reaction.UserID, &reaction.NoteID, &reaction.Emoji, &reaction.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding reaction by %s on %s: %w", userID, noteID, err)
	}
	return &reaction, nil
}

func (r *reactionRepo) DeleteByUserAndNote(ctx context.Context, userID, noteID models.ID) (*models.Reaction, error) {
	var reaction models.Reaction
	err := r.pool.QueryRow(ctx,
		`DELETE FROM reactions WHERE user_id = $1 AND note_id = $2
		 RETURNING id, user_id, note_id, emoji, created_at`,
		userID, noteID).Scan(
		&reaction.ID, &reaction.UserID, &reaction.NoteID, &reaction.Emoji, &reaction.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deleting reaction by %s on %s: %w", userID, noteID, err)
	}
	return &reaction, nil
}

func (r *reactionRepo) ListByNote(ctx context.Context, noteID models.ID) ([]*models.Reaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, note_id, emoji, created_at
		 FROM reactions WHERE note_id = $1 ORDER BY id`, noteID)
	if err != nil {
		return nil, fmt.Errorf("listing reactions on %s: %w", noteID, err)
	}
	defer rows.Close()

	var reactions []*models.Reaction
	for rows.Next() {
		var reaction models.Reaction
		if err := rows.Scan(&reaction.ID, &reaction.UserID, &reaction.NoteID,
			&reaction.Emoji, &reaction.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning reaction: %w", err)
		}
		reactions = append(reactions, &reaction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reactions: %w", err)
	}
	return reactions, nil
}
