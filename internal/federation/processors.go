package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/driftwood-social/driftwood/internal/events"
	"github.com/driftwood-social/driftwood/internal/models"
	"github.com/driftwood-social/driftwood/internal/repo"
)

// EventPublisher is the bus capability the processors use to emit stream
// events after state mutations.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, eventType string, body interface{}) error
}

// Notifier creates notifications for local users. Nil-able: the processors
// run without it when notifications are disabled.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// Processors applies inbound activities to local state. One processor per
// activity type, dispatched by the inbox worker. Every processor is
// idempotent with respect to replay: the guard already dedupes, but a
// re-invoked processor finds the state already consistent and no-ops.
type Processors struct {
	users          repo.UserRepo
	notes          repo.NoteRepo
	followings     repo.FollowingRepo
	followRequests repo.FollowRequestRepo
	reactions      repo.ReactionRepo
	actors         *ActorResolver
	client         *APClient
	policy         InstancePolicy
	deliverer      *Deliverer
	outbox         *Outbox
	addr           *Addr
	publisher      EventPublisher
	notifier       Notifier
	logger         *slog.Logger
}

// ProcessorsConfig wires the processor dependencies.
type ProcessorsConfig struct {
	Users          repo.UserRepo
	Notes          repo.NoteRepo
	Followings     repo.FollowingRepo
	FollowRequests repo.FollowRequestRepo
	Reactions      repo.ReactionRepo
	Actors         *ActorResolver
	Client         *APClient
	Policy         InstancePolicy
	Deliverer      *Deliverer
	Outbox         *Outbox
	Addr           *Addr
	Publisher      EventPublisher
	Notifier       Notifier
	Logger         *slog.Logger
}

// NewProcessors creates the processor set.
func NewProcessors(cfg ProcessorsConfig) *Processors {
	return &Processors{
		users:          cfg.Users,
		notes:          cfg.Notes,
		followings:     cfg.Followings,
		followRequests: cfg.FollowRequests,
		reactions:      cfg.Reactions,
		actors:         cfg.Actors,
		client:         cfg.Client,
		policy:         cfg.Policy,
		deliverer:      cfg.Deliverer,
		outbox:         cfg.Outbox,
		addr:           cfg.Addr,
		publisher:      cfg.Publisher,
		notifier:       cfg.Notifier,
		logger:         cfg.Logger,
	}
}

// Process dispatches one received activity. A nil return means the activity
// was applied or deliberately dropped; an error means the job should retry.
func (p *Processors) Process(ctx context.Context, raw json.RawMessage, sourceHost string) error {
	activity, err := ParseActivity(raw)
	if err != nil {
		// Malformed activities cannot become valid on retry.
		p.logger.Warn("dropping malformed activity",
			slog.String("source_host", sourceHost),
			slog.String("error", err.Error()))
		return nil
	}

	host, err := activity.ActorHost()
	if err != nil {
		p.logger.Warn("dropping activity with unparseable actor",
			slog.String("actor", activity.Actor))
		return nil
	}

	allowed, err := p.policy.ShouldFederate(ctx, host)
	if err != nil {
		return fmt.Errorf("checking policy for %s: %w", host, err)
	}
	if !allowed {
		return nil
	}
	if err := p.policy.Touch(ctx, host); err != nil {
		p.logger.Warn("failed to touch instance",
			slog.String("host", host), slog.String("error", err.Error()))
	}

	p.logger.Debug("processing activity",
		slog.String("type", activity.Type),
		slog.String("actor", activity.Actor),
		slog.String("id", activity.ID))

	switch activity.Type {
	case "Create":
		return p.processCreate(ctx, activity)
	case "Delete":
		return p.processDelete(ctx, activity)
	case "Follow":
		return p.processFollow(ctx, activity)
	case "Accept":
		return p.processAccept(ctx, activity)
	case "Reject":
		return p.processReject(ctx, activity)
	case "Like":
		return p.processLike(ctx, activity)
	case "Announce":
		return p.processAnnounce(ctx, activity)
	case "Undo":
		return p.processUndo(ctx, activity)
	case "Update":
		return p.processUpdate(ctx, activity)
	default:
		p.logger.Debug("ignoring unsupported activity type",
			slog.String("type", activity.Type))
		return nil
	}
}

// resolveRemoteUser maps an actor IRI to a users row, fetching and caching
// the actor document on first reference.
func (p *Processors) resolveRemoteUser(ctx context.Context, iri string) (*models.User, error) {
	if existing, err := p.users.FindByURI(ctx, iri); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	actor, err := p.actors.Resolve(ctx, iri)
	if err != nil {
		return nil, err
	}
	user, err := p.upsertRemoteActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	p.policy.IncrementCounters(actor.Host, 1, 0)
	return user, nil
}

// upsertRemoteActor writes an actor snapshot into the users table.
func (p *Processors) upsertRemoteActor(ctx context.Context, actor *Actor) (*models.User, error) {
	host := actor.Host
	user := &models.User{
		ID:           models.NewID(),
		Username:     actor.PreferredUsername,
		Host:         &host,
		DisplayName:  actor.Name,
		Summary:      actor.Summary,
		URI:          &actor.ID,
		Inbox:        &actor.Inbox,
		SharedInbox:  actor.SharedInbox,
		PublicKeyPEM: actor.PublicKeyPEM,
		AvatarURL:    actor.Icon,
		Bot:          actor.Type == "Service" || actor.Type == "Application",
		CreatedAt:    time.Now().UTC(),
	}
	stored, err := p.users.UpsertRemote(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("upserting remote actor %s: %w", actor.ID, err)
	}
	return stored, nil
}

// resolveNote maps a note IRI to a row. Local IRIs resolve directly; remote
// ones hit the uri column and, when allowFetch is set, the network. A fetched
// note is persisted without recursing into its own references.
func (p *Processors) resolveNote(ctx context.Context, iri string, allowFetch bool) (*models.Note, error) {
	if id, ok := p.addr.LocalNoteID(iri); ok {
		return p.notes.FindByID(ctx, id)
	}
	note, err := p.notes.FindByURI(ctx, iri)
	if err == nil {
		return note, nil
	}
	if !errors.Is(err, repo.ErrNotFound) || !allowFetch {
		return nil, err
	}

	obj, err := p.client.FetchObject(ctx, iri)
	if err != nil {
		return nil, fmt.Errorf("fetching note %s: %w", iri, err)
	}
	draft, err := ParseNoteObject(obj)
	if err != nil {
		return nil, fmt.Errorf("parsing note %s: %w", iri, err)
	}
	author, err := p.resolveRemoteUser(ctx, draft.AttributedTo)
	if err != nil {
		return nil, err
	}
	return p.insertRemoteNote(ctx, author, draft, false)
}

// insertRemoteNote persists a parsed remote note. resolveRefs controls
// whether reply and quote references are resolved (the top-level Create does;
// a note fetched as a dependency does not, bounding recursion).
func (p *Processors) insertRemoteNote(ctx context.Context, author *models.User, draft *NoteDraft, resolveRefs bool) (*models.Note, error) {
	note := &models.Note{
		ID:         models.NewID(),
		UserID:     author.ID,
		URI:        &draft.URI,
		Text:       draft.Content,
		CW:         draft.Summary,
		Visibility: VisibilityFromAudience(draft.To, draft.CC),
		CreatedAt:  draft.Published,
	}

	if resolveRefs {
		if draft.InReplyTo != "" {
			parent, err := p.resolveNote(ctx, draft.InReplyTo, true)
			if err == nil {
				note.ReplyID = &parent.ID
			} else if !errors.Is(err, repo.ErrNotFound) {
				p.logger.Debug("reply target unresolvable",
					slog.String("in_reply_to", draft.InReplyTo),
					slog.String("error", err.Error()))
			}
		}
		if draft.QuoteURL != "" {
			quoted, err := p.resolveNote(ctx, draft.QuoteURL, true)
			if err == nil {
				note.RenoteID = &quoted.ID
			}
		}
	}

	if err := p.notes.Create(ctx, note); err != nil {
		return nil, err
	}
	if err := p.users.IncNotesCount(ctx, author.ID, 1); err != nil {
		return nil, err
	}
	if author.Host != nil {
		p.policy.IncrementCounters(*author.Host, 0, 1)
	}
	if note.ReplyID != nil {
		if err := p.notes.IncRepliesCount(ctx, *note.ReplyID, 1); err != nil {
			return nil, err
		}
	}
	return note, nil
}

func (p *Processors) processCreate(ctx context.Context, a *Activity) error {
	obj := a.ObjectMap()
	if obj == nil {
		fetched, err := p.client.FetchObject(ctx, a.ObjectIRI())
		if err != nil {
			return fmt.Errorf("fetching create object: %w", err)
		}
		obj = fetched
	}
	draft, err := ParseNoteObject(obj)
	if err != nil {
		p.logger.Debug("dropping create with unsupported object",
			slog.String("error", err.Error()))
		return nil
	}
	if draft.AttributedTo != a.Actor {
		p.logger.Warn("dropping create not attributed to its actor",
			slog.String("actor", a.Actor),
			slog.String("attributed_to", draft.AttributedTo))
		return nil
	}

	// Replay tolerance: the note may already exist.
	if _, err := p.notes.FindByURI(ctx, draft.URI); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	author, err := p.resolveRemoteUser(ctx, a.Actor)
	if err != nil {
		if errors.Is(err, ErrActorResolution) {
			return nil
		}
		return err
	}

	note, err := p.insertRemoteNote(ctx, author, draft, true)
	if err != nil {
		return err
	}

	p.publishNoteCreated(ctx, author, note)
	p.notifyNoteTargets(ctx, author, note, draft)
	return nil
}

// publishNoteCreated emits the note_created event to the channels the note is
// visible on.
func (p *Processors) publishNoteCreated(ctx context.Context, author *models.User, note *models.Note) {
	if author.IsLocal() {
		p.publish(ctx, events.ChannelLocalNotes, events.TypeNoteCreated, note)
	}
	if note.Visibility == models.VisibilityPublic {
		visible := true
		if author.Host != nil {
			if v, err := p.policy.ShouldShowInPublic(ctx, *author.Host); err == nil {
				visible = v
			}
		}
		if visible {
			p.publish(ctx, events.ChannelNotes, events.TypeNoteCreated, note)
		}
	}
	if note.ChannelID != nil {
		p.publish(ctx, events.NoteChannel(string(*note.ChannelID)), events.TypeNoteCreated, note)
	}
	if note.ReplyID != nil {
		p.publish(ctx, events.NoteChannel(string(*note.ReplyID)), events.TypeNoteUpdated, note)
	}
}

// notifyNoteTargets creates mention and reply notifications for local users.
func (p *Processors) notifyNoteTargets(ctx context.Context, author *models.User, note *models.Note, draft *NoteDraft) {
	notified := make(map[models.ID]bool)

	if note.ReplyID != nil {
		if parent, err := p.notes.FindByID(ctx, *note.ReplyID); err == nil {
			if target, err := p.users.FindByID(ctx, parent.UserID); err == nil && target.IsLocal() && target.ID != author.ID {
				p.notify(ctx, &models.Notification{
					UserID:  target.ID,
					Kind:    models.NotificationReply,
					ActorID: &author.ID,
					NoteID:  &note.ID,
				})
				notified[target.ID] = true
			}
		}
	}

	for _, mention := range draft.Mentions {
		id, ok := p.addr.LocalUserID(mention)
		if !ok || notified[id] {
			continue
		}
		if _, err := p.users.FindByID(ctx, id); err != nil {
			continue
		}
		p.notify(ctx, &models.Notification{
			UserID:  id,
			Kind:    models.NotificationMention,
			ActorID: &author.ID,
			NoteID:  &note.ID,
		})
		notified[id] = true
	}
}

func (p *Processors) processDelete(ctx context.Context, a *Activity) error {
	objIRI := a.ObjectIRI()
	if objIRI == "" {
		return nil
	}

	// Actor deleting itself: mark the remote user suspended and forget the
	// cached document.
	if objIRI == a.Actor {
		user, err := p.users.FindByURI(ctx, objIRI)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.users.SetSuspended(ctx, user.ID, true); err != nil {
			return err
		}
		if err := p.actors.Invalidate(ctx, objIRI); err != nil {
			p.logger.Warn("failed to invalidate deleted actor",
				slog.String("iri", objIRI), slog.String("error", err.Error()))
		}
		return nil
	}

	note, err := p.notes.FindByURI(ctx, objIRI)
	if errors.Is(err, repo.ErrNotFound) {
		// Already consistent.
		return nil
	}
	if err != nil {
		return err
	}

	actorUser, err := p.users.FindByURI(ctx, a.Actor)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	// Only the author's origin may delete the note.
	if note.UserID != actorUser.ID {
		p.logger.Warn("dropping delete from non-author",
			slog.String("actor", a.Actor), slog.String("note_uri", objIRI))
		return nil
	}

	if err := p.notes.SoftDelete(ctx, note.ID); err != nil {
		return err
	}
	if err := p.users.IncNotesCount(ctx, actorUser.ID, -1); err != nil {
		return err
	}
	if note.ReplyID != nil {
		if err := p.notes.IncRepliesCount(ctx, *note.ReplyID, -1); err != nil {
			return err
		}
	}

	body := map[string]interface{}{"id": note.ID}
	p.publish(ctx, events.ChannelNotes, events.TypeNoteDeleted, body)
	p.publish(ctx, events.NoteChannel(string(note.ID)), events.TypeNoteDeleted, body)
	return nil
}

func (p *Processors) processFollow(ctx context.Context, a *Activity) error {
	followeeID, ok := p.addr.LocalUserID(a.ObjectIRI())
	if !ok {
		return nil
	}
	followee, err := p.users.FindByID(ctx, followeeID)
	if errors.Is(err, repo.ErrNotFound) {
		// Follow of a non-existent local user: drop silently.
		return nil
	}
	if err != nil {
		return err
	}

	follower, err := p.resolveRemoteUser(ctx, a.Actor)
	if err != nil {
		if errors.Is(err, ErrActorResolution) {
			return nil
		}
		return err
	}

	if followee.Locked {
		activityURI := a.ID
		created, err := p.followRequests.Create(ctx, &models.FollowRequest{
			ID:          models.NewID(),
			FollowerID:  follower.ID,
			FolloweeID:  followee.ID,
			ActivityURI: &activityURI,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if created {
			p.notify(ctx, &models.Notification{
				UserID:  followee.ID,
				Kind:    models.NotificationFollowRequest,
				ActorID: &follower.ID,
			})
		}
		return nil
	}

	created, err := p.followings.Create(ctx, &models.Following{
		ID:                  models.NewID(),
		FollowerID:          follower.ID,
		FolloweeID:          followee.ID,
		FollowerInbox:       follower.Inbox,
		FollowerSharedInbox: follower.SharedInbox,
		CreatedAt:           time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if created {
		if err := p.users.IncFollowersCount(ctx, followee.ID, 1); err != nil {
			return err
		}
		if err := p.users.IncFollowingCount(ctx, follower.ID, 1); err != nil {
			return err
		}
		p.notify(ctx, &models.Notification{
			UserID:  followee.ID,
			Kind:    models.NotificationFollow,
			ActorID: &follower.ID,
		})
		p.publish(ctx, events.UserChannel(string(followee.ID)), events.TypeFollowed, map[string]interface{}{
			"user_id": follower.ID,
		})
	}

	// Accept is sent even on replayed follows so a peer that missed the
	// first one converges.
	accept := p.outbox.Accept(followee, a.Actor, a.ID)
	raw, err := Marshal(accept)
	if err != nil {
		return err
	}
	return p.deliverer.Deliver(ctx, followee, raw, []string{a.Actor}, nil)
}

// echoedFollow extracts the actor and object of a Follow echoed inside an
// Accept or Reject, fetching the object when it is URL-only.
func (p *Processors) echoedFollow(ctx context.Context, a *Activity) (followerIRI, followeeIRI string, err error) {
	obj := a.ObjectMap()
	if obj == nil {
		iri := a.ObjectIRI()
		if iri == "" {
			return "", "", nil
		}
		fetched, ferr := p.client.FetchObject(ctx, iri)
		if ferr != nil {
			return "", "", fmt.Errorf("fetching echoed follow: %w", ferr)
		}
		obj = fetched
	}
	if getString(obj, "type") != "Follow" {
		return "", "", nil
	}
	return getString(obj, "actor"), objectIRIOf(obj), nil
}

func objectIRIOf(m map[string]interface{}) string {
	switch v := m["object"].(type) {
	case string:
		return v
	case map[string]interface{}:
		return getString(v, "id")
	}
	return ""
}

func (p *Processors) processAccept(ctx context.Context, a *Activity) error {
	followerIRI, followeeIRI, err := p.echoedFollow(ctx, a)
	if err != nil {
		return err
	}
	localID, ok := p.addr.LocalUserID(followerIRI)
	if !ok || followeeIRI != a.Actor {
		return nil
	}

	remote, err := p.users.FindByURI(ctx, a.Actor)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	// The pending outbound follow lives as a FollowRequest row; Accept
	// promotes it atomically in effect: the request row is removed and the
	// edge inserted, both idempotent.
	if _, err := p.followRequests.DeleteByPair(ctx, localID, remote.ID); err != nil {
		return err
	}
	created, err := p.followings.Create(ctx, &models.Following{
		ID:         models.NewID(),
		FollowerID: localID,
		FolloweeID: remote.ID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if created {
		if err := p.users.IncFollowingCount(ctx, localID, 1); err != nil {
			return err
		}
		if err := p.users.IncFollowersCount(ctx, remote.ID, 1); err != nil {
			return err
		}
		p.publish(ctx, events.UserChannel(string(localID)), events.TypeFollowed, map[string]interface{}{
			"user_id": remote.ID,
		})
	}
	return nil
}

func (p *Processors) processReject(ctx context.Context, a *Activity) error {
	followerIRI, followeeIRI, err := p.echoedFollow(ctx, a)
	if err != nil {
		return err
	}
	localID, ok := p.addr.LocalUserID(followerIRI)
	if !ok || followeeIRI != a.Actor {
		return nil
	}
	remote, err := p.users.FindByURI(ctx, a.Actor)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = p.followRequests.DeleteByPair(ctx, localID, remote.ID)
	return err
}

// reactionEmoji reads the Misskey reaction extension, defaulting to 👍.
// Custom emoji arrive as ":shortcode:"; the stored form strips the colons.
func reactionEmoji(raw json.RawMessage) string {
	var ext struct {
		MisskeyReaction string `json:"_misskey_reaction"`
	}
	if err := json.Unmarshal(raw, &ext); err != nil || ext.MisskeyReaction == "" {
		return DefaultReaction
	}
	return strings.Trim(ext.MisskeyReaction, ":")
}

func (p *Processors) processLike(ctx context.Context, a *Activity) error {
	note, err := p.resolveNote(ctx, a.ObjectIRI(), true)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) || errors.Is(err, ErrActorResolution) {
			// Like of an unresolvable note: drop.
			return nil
		}
		return err
	}

	actorUser, err := p.resolveRemoteUser(ctx, a.Actor)
	if err != nil {
		if errors.Is(err, ErrActorResolution) {
			return nil
		}
		return err
	}

	// An earlier reaction from the same user wins; no counter change.
	created, err := p.reactions.Insert(ctx, &models.Reaction{
		ID:        models.NewID(),
		UserID:    actorUser.ID,
		NoteID:    note.ID,
		Emoji:     reactionEmoji(a.Raw),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	if err := p.notes.IncReactionCount(ctx, note.ID, 1); err != nil {
		return err
	}

	emoji := reactionEmoji(a.Raw)
	body := map[string]interface{}{
		"note_id": note.ID,
		"user_id": actorUser.ID,
		"emoji":   emoji,
	}
	if author, err := p.users.FindByID(ctx, note.UserID); err == nil && author.IsLocal() {
		p.notify(ctx, &models.Notification{
			UserID:  author.ID,
			Kind:    models.NotificationReaction,
			ActorID: &actorUser.ID,
			NoteID:  &note.ID,
			Emoji:   &emoji,
		})
		p.publish(ctx, events.UserChannel(string(author.ID)), events.TypeReactionAdded, body)
	}
	p.publish(ctx, events.NoteChannel(string(note.ID)), events.TypeReactionAdded, body)
	return nil
}

func (p *Processors) processAnnounce(ctx context.Context, a *Activity) error {
	// Replay tolerance: the renote row is keyed by the activity IRI.
	if _, err := p.notes.FindByURI(ctx, a.ID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	target, err := p.resolveNote(ctx, a.ObjectIRI(), true)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) || errors.Is(err, ErrActorResolution) {
			return nil
		}
		return err
	}

	actorUser, err := p.resolveRemoteUser(ctx, a.Actor)
	if err != nil {
		if errors.Is(err, ErrActorResolution) {
			return nil
		}
		return err
	}

	uri := a.ID
	renote := &models.Note{
		ID:         models.NewID(),
		UserID:     actorUser.ID,
		URI:        &uri,
		Visibility: VisibilityFromAudience(a.To, a.CC),
		RenoteID:   &target.ID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.notes.Create(ctx, renote); err != nil {
		return err
	}
	if err := p.notes.IncRenoteCount(ctx, target.ID, 1); err != nil {
		return err
	}
	if err := p.users.IncNotesCount(ctx, actorUser.ID, 1); err != nil {
		return err
	}

	if author, err := p.users.FindByID(ctx, target.UserID); err == nil && author.IsLocal() && author.ID != actorUser.ID {
		p.notify(ctx, &models.Notification{
			UserID:  author.ID,
			Kind:    models.NotificationRenote,
			ActorID: &actorUser.ID,
			NoteID:  &target.ID,
		})
	}
	p.publishNoteCreated(ctx, actorUser, renote)
	return nil
}

func (p *Processors) processUndo(ctx context.Context, a *Activity) error {
	inner := a.ObjectMap()
	if inner == nil {
		// URL-only object: fetch to learn the inverse operation. Failures
		// surface as retryable errors and the queue caps the attempts.
		iri := a.ObjectIRI()
		if iri == "" {
			return nil
		}
		fetched, err := p.client.FetchObject(ctx, iri)
		if err != nil {
			return fmt.Errorf("fetching undo object: %w", err)
		}
		inner = fetched
	}

	actorUser, err := p.users.FindByURI(ctx, a.Actor)
	if errors.Is(err, repo.ErrNotFound) {
		// Nothing this actor did is recorded locally.
		return nil
	}
	if err != nil {
		return err
	}

	switch getString(inner, "type") {
	case "Follow":
		followeeID, ok := p.addr.LocalUserID(objectIRIOf(inner))
		if !ok {
			return nil
		}
		deleted, err := p.followings.DeleteByPair(ctx, actorUser.ID, followeeID)
		if err != nil {
			return err
		}
		if deleted {
			if err := p.users.IncFollowersCount(ctx, followeeID, -1); err != nil {
				return err
			}
			if err := p.users.IncFollowingCount(ctx, actorUser.ID, -1); err != nil {
				return err
			}
			p.publish(ctx, events.UserChannel(string(followeeID)), events.TypeUnfollowed, map[string]interface{}{
				"user_id": actorUser.ID,
			})
			return nil
		}
		_, err = p.followRequests.DeleteByPair(ctx, actorUser.ID, followeeID)
		return err

	case "Like":
		note, err := p.resolveNote(ctx, objectIRIOf(inner), false)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		reaction, err := p.reactions.DeleteByUserAndNote(ctx, actorUser.ID, note.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.notes.IncReactionCount(ctx, note.ID, -1); err != nil {
			return err
		}
		body := map[string]interface{}{
			"note_id": note.ID,
			"user_id": actorUser.ID,
			"emoji":   reaction.Emoji,
		}
		if author, err := p.users.FindByID(ctx, note.UserID); err == nil && author.IsLocal() {
			p.publish(ctx, events.UserChannel(string(author.ID)), events.TypeReactionRemoved, body)
		}
		p.publish(ctx, events.NoteChannel(string(note.ID)), events.TypeReactionRemoved, body)
		return nil

	case "Announce":
		renote, err := p.notes.FindByURI(ctx, getString(inner, "id"))
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if renote.UserID != actorUser.ID {
			return nil
		}
		if err := p.notes.SoftDelete(ctx, renote.ID); err != nil {
			return err
		}
		if renote.RenoteID != nil {
			if err := p.notes.IncRenoteCount(ctx, *renote.RenoteID, -1); err != nil {
				return err
			}
		}
		if err := p.users.IncNotesCount(ctx, actorUser.ID, -1); err != nil {
			return err
		}
		p.publish(ctx, events.ChannelNotes, events.TypeNoteDeleted, map[string]interface{}{"id": renote.ID})
		return nil

	default:
		return nil
	}
}

func (p *Processors) processUpdate(ctx context.Context, a *Activity) error {
	obj := a.ObjectMap()
	if obj == nil {
		return nil
	}

	typ := getString(obj, "type")
	if IsActorType(typ) {
		return p.processUpdateActor(ctx, a, obj)
	}
	if typ == "Note" || typ == "Question" {
		return p.processUpdateNote(ctx, a, obj)
	}
	return nil
}

func (p *Processors) processUpdateNote(ctx context.Context, a *Activity, obj map[string]interface{}) error {
	draft, err := ParseNoteObject(obj)
	if err != nil {
		return nil
	}
	if draft.AttributedTo != a.Actor {
		return nil
	}

	note, err := p.notes.FindByURI(ctx, draft.URI)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	actorUser, err := p.users.FindByURI(ctx, a.Actor)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if note.UserID != actorUser.ID {
		return nil
	}

	now := time.Now().UTC()
	if err := p.notes.UpdateText(ctx, note.ID, draft.Content, draft.Summary, now); err != nil {
		return err
	}

	note.Text = draft.Content
	note.CW = draft.Summary
	note.UpdatedAt = &now
	p.publish(ctx, events.ChannelNotes, events.TypeNoteUpdated, note)
	p.publish(ctx, events.NoteChannel(string(note.ID)), events.TypeNoteUpdated, note)
	return nil
}

func (p *Processors) processUpdateActor(ctx context.Context, a *Activity, obj map[string]interface{}) error {
	actor, err := ParseActorJSON(obj)
	if err != nil {
		return nil
	}
	// Only the actor itself may update its document; this is the sole path
	// that rotates a stored public key.
	if actor.ID != a.Actor {
		p.logger.Warn("dropping actor update from non-owner",
			slog.String("actor", a.Actor), slog.String("object", actor.ID))
		return nil
	}

	if _, err := p.upsertRemoteActor(ctx, actor); err != nil {
		return err
	}
	if err := p.actors.Invalidate(ctx, actor.ID); err != nil {
		p.logger.Warn("failed to invalidate updated actor",
			slog.String("iri", actor.ID), slog.String("error", err.Error()))
	}
	return nil
}

func (p *Processors) publish(ctx context.Context, channel, eventType string, body interface{}) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, channel, eventType, body); err != nil {
		p.logger.Error("failed to publish event",
			slog.String("channel", channel),
			slog.String("type", eventType),
			slog.String("error", err.Error()))
	}
}

func (p *Processors) notify(ctx context.Context, n *models.Notification) {
	if p.notifier == nil {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := p.notifier.Notify(ctx, n); err != nil {
		p.logger.Error("failed to create notification",
			slog.String("user_id", string(n.UserID)),
			slog.String("type", n.Kind),
			slog.String("error", err.Error()))
	}
}
