// Package repo defines the persistence surface consumed by the federation
// core as capability interfaces, together with pgx-backed implementations.
// The activity processors and the delivery planner depend only on the
// interfaces; tests substitute in-memory fakes.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftwood-social/driftwood/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("repo: not found")

// Recipient is a delivery target resolved from the follow graph: the remote
// follower's inbox and, when advertised, its shared inbox.
type Recipient struct {
	Inbox       string
	SharedInbox *string
}

// UserRepo provides access to local and remote actors.
type UserRepo interface {
	FindByID(ctx context.Context, id models.ID) (*models.User, error)
	FindByURI(ctx context.Context, uri string) (*models.User, error)
	FindByUsername(ctx context.Context, username string, host *string) (*models.User, error)
	FindByToken(ctx context.Context, token string) (*models.User, error)
	ListByIDs(ctx context.Context, ids []models.ID) ([]*models.User, error)
	Search(ctx context.Context, query string, limit int) ([]*models.User, error)

	// CreateLocal inserts a local actor with its credential columns.
	CreateLocal(ctx context.Context, u *models.User, passwordHash, token string) error
	// UpsertRemote inserts or refreshes a remote actor keyed by URI and
	// returns the stored row.
	UpsertRemote(ctx context.Context, u *models.User) (*models.User, error)
	SetSuspended(ctx context.Context, id models.ID, suspended bool) error

	IncNotesCount(ctx context.Context, id models.ID, delta int) error
	IncFollowersCount(ctx context.Context, id models.ID, delta int) error
	IncFollowingCount(ctx context.Context, id models.ID, delta int) error
}

// NoteRepo provides access to notes and their counters.
type NoteRepo interface {
	FindByID(ctx context.Context, id models.ID) (*models.Note, error)
	FindByURI(ctx context.Context, uri string) (*models.Note, error)
	Create(ctx context.Context, n *models.Note) error
	// SoftDelete clears content but keeps the row for reply integrity.
	SoftDelete(ctx context.Context, id models.ID) error
	UpdateText(ctx context.Context, id models.ID, text, cw *string, updatedAt time.Time) error

	IncRepliesCount(ctx context.Context, id models.ID, delta int) error
	IncRenoteCount(ctx context.Context, id models.ID, delta int) error
	IncReactionCount(ctx context.Context, id models.ID, delta int) error

	ListAncestors(ctx context.Context, id models.ID, limit int) ([]*models.Note, error)
	ListDescendants(ctx context.Context, id models.ID, limit int) ([]*models.Note, error)
	UserTimeline(ctx context.Context, userID models.ID, sinceID, untilID models.ID, limit int) ([]*models.Note, error)
	LocalTimeline(ctx context.Context, sinceID, untilID models.ID, limit int) ([]*models.Note, error)
	GlobalTimeline(ctx context.Context, sinceID, untilID models.ID, limit int) ([]*models.Note, error)
	HomeTimeline(ctx context.Context, userID models.ID, sinceID, untilID models.ID, limit int) ([]*models.Note, error)
}

// FollowingRepo provides access to accepted follow edges.
type FollowingRepo interface {
	// Create inserts the edge if absent; reports whether a row was created.
	Create(ctx context.Context, f *models.Following) (bool, error)
	// DeleteByPair removes the edge; reports whether a row existed.
	DeleteByPair(ctx context.Context, followerID, followeeID models.ID) (bool, error)
	Exists(ctx context.Context, followerID, followeeID models.ID) (bool, error)
	ListFolloweeIDs(ctx context.Context, followerID models.ID) ([]models.ID, error)
	// RemoteFollowerInboxes returns the delivery targets for the remote
	// followers of a local actor.
	RemoteFollowerInboxes(ctx context.Context, followeeID models.ID) ([]Recipient, error)
}

// FollowRequestRepo provides access to pending follow requests.
type FollowRequestRepo interface {
	Create(ctx context.Context, fr *models.FollowRequest) (bool, error)
	DeleteByPair(ctx context.Context, followerID, followeeID models.ID) (bool, error)
	FindByPair(ctx context.Context, followerID, followeeID models.ID) (*models.FollowRequest, error)
}

// ReactionRepo provides access to reactions. The (user, note) pair is unique;
// Insert is a no-op for a second reaction from the same user.
type ReactionRepo interface {
	Insert(ctx context.Context, r *models.Reaction) (bool, error)
	FindByUserAndNote(ctx context.Context, userID, noteID models.ID) (*models.Reaction, error)
	// DeleteByUserAndNote removes and returns the reaction, or ErrNotFound.
	DeleteByUserAndNote(ctx context.Context, userID, noteID models.ID) (*models.Reaction, error)
	ListByNote(ctx context.Context, noteID models.ID) ([]*models.Reaction, error)
}

// InstanceRepo provides access to peer instance rows.
type InstanceRepo interface {
	// Upsert ensures a row exists for host and stamps last_seen_at.
	Upsert(ctx context.Context, host string) (*models.Instance, error)
	FindByHost(ctx context.Context, host string) (*models.Instance, error)
	SetBlocked(ctx context.Context, host string, blocked bool) error
	SetSilenced(ctx context.Context, host string, silenced bool) error
	SetSuspended(ctx context.Context, host string, suspended bool) error
	UpdateInfo(ctx context.Context, host string, softwareName, softwareVersion, name, description *string) error
	AddCounters(ctx context.Context, host string, usersDelta, notesDelta int64) error
	ListBlockedHosts(ctx context.Context) ([]string, error)
}

// KeypairRepo provides access to local actor key pairs.
type KeypairRepo interface {
	FindByUserID(ctx context.Context, userID models.ID) (*models.Keypair, error)
	Create(ctx context.Context, kp *models.Keypair) error
}

// PushSubscription is a browser push endpoint registered by a local user.
type PushSubscription struct {
	ID       string
	UserID   models.ID
	Endpoint string
	P256dh   string
	Auth     string
}

// NotificationRepo provides access to notifications and push subscriptions.
type NotificationRepo interface {
	Create(ctx context.Context, n *models.Notification) error
	MarkRead(ctx context.Context, userID models.ID, notificationID string) error
	List(ctx context.Context, userID models.ID, untilID string, limit int) ([]*models.Notification, error)
	ListPushSubscriptions(ctx context.Context, userID models.ID) ([]*PushSubscription, error)
}

// Repositories bundles the pgx-backed implementations over one pool.
type Repositories struct {
	Users          UserRepo
	Notes          NoteRepo
	Followings     FollowingRepo
	FollowRequests FollowRequestRepo
	Reactions      ReactionRepo
	Instances      InstanceRepo
	Keypairs       KeypairRepo
	Notifications  NotificationRepo
}

// New builds the pgx-backed repository set.
func New(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		Users:          &userRepo{pool: pool},
		Notes:          &noteRepo{pool: pool},
		Followings:     &followingRepo{pool: pool},
		FollowRequests: &followRequestRepo{pool: pool},
		Reactions:      &reactionRepo{pool: pool},
		Instances:      &instanceRepo{pool: pool},
		Keypairs:       &keypairRepo{pool: pool},
		Notifications:  &notificationRepo{pool: pool},
	}
}
