package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftwood-social/driftwood/internal/models"
)

type keypairRepo struct {
	pool *pgxpool.Pool
}

func (r *keypairRepo) FindByUserID(ctx context.Context, userID models.ID) (*models.Keypair, error) {
	var kp models.Keypair
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, public_pem, private_pem FROM user_keypairs WHERE user_id = $1`,
		userID).Scan(&kp.UserID, &kp.PublicPEM, &kp.PrivatePEM)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding keypair for user %s: %w", userID, err)
	}
	return &kp, nil
}

func (r *keypairRepo) Create(ctx context.Context, kp *models.Keypair) error {
	// The private key is immutable: conflicts are ignored, never overwritten.
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_keypairs (user_id, public_pem, private_pem)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		kp.UserID, kp.PublicPEM, kp.PrivatePEM)
	if err != nil {
		return fmt.Errorf("creating keypair for user %s: %w", kp.UserID, err)
	}
	return nil
}
