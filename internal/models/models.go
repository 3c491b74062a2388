package models

import (
	"encoding/json"
	"time"
)

// Visibility values for notes.
const (
	VisibilityPublic    = "public"
	VisibilityHome      = "home"
	VisibilityFollowers = "followers"
	VisibilitySpecified = "specified"
)

// User is an actor known to this instance. Local actors have a NULL Host;
// remote actors carry their origin host, canonical AP IRI, and inbox URLs.
type User struct {
	ID             ID         `json:"id"`
	Username       string     `json:"username"`
	Host           *string    `json:"host"`
	DisplayName    *string    `json:"display_name"`
	Summary        *string    `json:"summary"`
	URI            *string    `json:"uri"`
	Inbox          *string    `json:"inbox"`
	SharedInbox    *string    `json:"shared_inbox"`
	PublicKeyPEM   string     `json:"-"`
	AvatarURL      *string    `json:"avatar_url"`
	FollowersCount int64      `json:"followers_count"`
	FollowingCount int64      `json:"following_count"`
	NotesCount     int64      `json:"notes_count"`
	Locked         bool       `json:"locked"`
	Suspended      bool       `json:"suspended"`
	Silenced       bool       `json:"silenced"`
	Admin          bool       `json:"admin"`
	Moderator      bool       `json:"moderator"`
	Bot            bool       `json:"bot"`
	LastFetchedAt  *time.Time `json:"last_fetched_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsLocal reports whether the user is homed on this instance.
func (u *User) IsLocal() bool { return u.Host == nil }

// Keypair is the RSA key pair of a local actor. The private key is immutable
// after signup.
type Keypair struct {
	UserID     ID     `json:"user_id"`
	PublicPEM  string `json:"public_pem"`
	PrivatePEM string `json:"-"`
}

// Note is the primary content entity. URI is NULL for local notes and the
// remote AP id for federated ones. Deletion is soft: content is cleared and
// counters decremented but the row may remain for reply integrity.
type Note struct {
	ID            ID         `json:"id"`
	UserID        ID         `json:"user_id"`
	URI           *string    `json:"uri"`
	Text          *string    `json:"text"`
	CW            *string    `json:"cw"`
	Visibility    string     `json:"visibility"`
	ReplyID       *ID        `json:"reply_id"`
	RenoteID      *ID        `json:"renote_id"`
	FileIDs       []string   `json:"file_ids"`
	ChannelID     *ID        `json:"channel_id"`
	RepliesCount  int64      `json:"replies_count"`
	RenoteCount   int64      `json:"renote_count"`
	ReactionCount int64      `json:"reaction_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at"`
}

// IsRenote reports whether the note is a pure boost (no text of its own).
func (n *Note) IsRenote() bool { return n.RenoteID != nil && n.Text == nil }

// Following is a directed follow edge. Remote inbox URLs are cached at edge
// creation so delivery planning does not re-resolve actors.
type Following struct {
	ID                  ID        `json:"id"`
	FollowerID          ID        `json:"follower_id"`
	FolloweeID          ID        `json:"followee_id"`
	FollowerInbox       *string   `json:"follower_inbox"`
	FollowerSharedInbox *string   `json:"follower_shared_inbox"`
	CreatedAt           time.Time `json:"created_at"`
}

// FollowRequest is a pending follow toward a locked followee. A pair never
// has both a Following row and a FollowRequest row.
type FollowRequest struct {
	ID          ID        `json:"id"`
	FollowerID  ID        `json:"follower_id"`
	FolloweeID  ID        `json:"followee_id"`
	ActivityURI *string   `json:"activity_uri"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reaction is an emoji attached by an actor to a note. At most one row exists
// per (user, note); the emoji may be a unicode char or a custom shortcode.
type Reaction struct {
	ID        ID        `json:"id"`
	UserID    ID        `json:"user_id"`
	NoteID    ID        `json:"note_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// Instance is one row per peer host: moderation flags, nodeinfo metadata and
// best-effort counters.
type Instance struct {
	Host            string     `json:"host"`
	SoftwareName    *string    `json:"software_name"`
	SoftwareVersion *string    `json:"software_version"`
	Name            *string    `json:"name"`
	Description     *string    `json:"description"`
	UsersCount      int64      `json:"users_count"`
	NotesCount      int64      `json:"notes_count"`
	IsBlocked       bool       `json:"is_blocked"`
	IsSilenced      bool       `json:"is_silenced"`
	IsSuspended     bool       `json:"is_suspended"`
	FirstSeenAt     time.Time  `json:"first_seen_at"`
	LastSeenAt      *time.Time `json:"last_seen_at"`
	InfoUpdatedAt   *time.Time `json:"info_updated_at"`
}

// Notification kinds created by the activity processors.
const (
	NotificationFollow        = "follow"
	NotificationFollowRequest = "follow_request"
	NotificationMention       = "mention"
	NotificationReply         = "reply"
	NotificationRenote        = "renote"
	NotificationReaction      = "reaction"
)

// Notification is a server-generated event targeted at a single local user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    ID        `json:"user_id"`
	Kind      string    `json:"type"`
	ActorID   *ID       `json:"actor_id"`
	NoteID    *ID       `json:"note_id"`
	Emoji     *string   `json:"emoji,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// InboxJob is the payload queued for background processing of a received
// activity that already passed signature, replay, and policy gates.
type InboxJob struct {
	Activity   json.RawMessage `json:"activity"`
	SourceHost string          `json:"source_host"`
	ReceivedAt time.Time       `json:"received_at"`
}

// DeliveryJob is the payload queued for a signed POST of one activity to one
// inbox URL. Signing happens at delivery time, so the job carries only the
// target, the serialized activity, and the local signing actor.
type DeliveryJob struct {
	InboxURL string          `json:"inbox_url"`
	Activity json.RawMessage `json:"activity"`
	ActorID  ID              `json:"actor_id"`
	QueuedAt time.Time       `json:"queued_at"`
}
