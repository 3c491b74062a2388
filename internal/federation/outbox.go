package federation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/driftwood-social/driftwood/internal/models"
)

// DefaultReaction is the emoji a plain Like maps to.
const DefaultReaction = "👍"

// NoteRefs carries the resolved context the note builder cannot derive from
// the row alone: parent and quote IRIs, mentioned remote actors, and poll data.
type NoteRefs struct {
	InReplyTo   string
	RenoteOf    string
	QuoteURL    string
	Mentions    []Mention
	Hashtags    []string
	Attachments []Attachment
	Poll        *Poll
}

// Mention is a resolved remote mention entry for the tag array and addressing.
type Mention struct {
	Href string
	Name string
}

// Attachment is a media attachment derived from a file id.
type Attachment struct {
	URL       string
	MediaType string
	Sensitive bool
}

// Poll holds the Question fields of a poll note.
type Poll struct {
	Options  []string
	Multiple bool
	ExpireAt *time.Time
}

// Outbox builds outbound ActivityPub JSON for local entities and activities.
type Outbox struct {
	addr *Addr
}

// NewOutbox creates an outbox resolver for this instance's address space.
func NewOutbox(addr *Addr) *Outbox {
	return &Outbox{addr: addr}
}

// newActivityIRI mints a unique IRI for a freshly built activity.
func (o *Outbox) newActivityIRI() string {
	return o.addr.ActivityIRI(ulid.Make().String())
}

// audience computes to/cc for a note per its visibility. Public notes address
// #Public with followers cc'd; home notes invert the two; followers-only
// notes address the followers collection; specified notes address only the
// mentioned actors.
func (o *Outbox) audience(author *models.User, visibility string, mentions []Mention) (to, cc []string) {
	followers := o.addr.FollowersIRI(author.ID)
	mentionHrefs := make([]string, 0, len(mentions))
	for _, m := range mentions {
		mentionHrefs = append(mentionHrefs, m.Href)
	}

	switch visibility {
	case models.VisibilityPublic:
		return []string{PublicAudience}, append([]string{followers}, mentionHrefs...)
	case models.VisibilityHome:
		return append([]string{followers}, mentionHrefs...), []string{PublicAudience}
	case models.VisibilityFollowers:
		return append([]string{followers}, mentionHrefs...), nil
	default:
		return mentionHrefs, nil
	}
}

// NoteObject renders a local note as an AP Note (or Question for polls).
func (o *Outbox) NoteObject(author *models.User, note *models.Note, refs NoteRefs) map[string]interface{} {
	to, cc := o.audience(author, note.Visibility, refs.Mentions)

	obj := map[string]interface{}{
		"id":           o.addr.NoteIRI(note.ID),
		"type":         "Note",
		"attributedTo": o.addr.UserIRI(author.ID),
		"published":    note.CreatedAt.UTC().Format(time.RFC3339),
		"to":           to,
		"cc":           cc,
	}
	if note.Text != nil {
		obj["content"] = *note.Text
	}
	if note.CW != nil {
		obj["summary"] = *note.CW
		obj["sensitive"] = true
	}
	if note.UpdatedAt != nil {
		obj["updated"] = note.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if refs.InReplyTo != "" {
		obj["inReplyTo"] = refs.InReplyTo
	}
	if refs.QuoteURL != "" {
		obj["quoteUrl"] = refs.QuoteURL
		obj["_misskey_quote"] = refs.QuoteURL
	}

	var tags []map[string]interface{}
	for _, m := range refs.Mentions {
		tags = append(tags, map[string]interface{}{
			"type": "Mention", "href": m.Href, "name": m.Name,
		})
	}
	for _, h := range refs.Hashtags {
		tags = append(tags, map[string]interface{}{
			"type": "Hashtag",
			"href": fmt.Sprintf("%s/tags/%s", o.addr.Base(), h),
			"name": "#" + h,
		})
	}
	if len(tags) > 0 {
		obj["tag"] = tags
	}

	if len(refs.Attachments) > 0 {
		var attachments []map[string]interface{}
		for _, a := range refs.Attachments {
			attachments = append(attachments, map[string]interface{}{
				"type":      "Document",
				"url":       a.URL,
				"mediaType": a.MediaType,
				"sensitive": a.Sensitive,
			})
		}
		obj["attachment"] = attachments
	}

	if refs.Poll != nil {
		obj["type"] = "Question"
		var options []map[string]interface{}
		for _, name := range refs.Poll.Options {
			options = append(options, map[string]interface{}{
				"type": "Note",
				"name": name,
				"replies": map[string]interface{}{
					"type": "Collection", "totalItems": 0,
				},
			})
		}
		if refs.Poll.Multiple {
			obj["anyOf"] = options
		} else {
			obj["oneOf"] = options
		}
		if refs.Poll.ExpireAt != nil {
			obj["endTime"] = refs.Poll.ExpireAt.UTC().Format(time.RFC3339)
		}
	}

	return obj
}

// CreateNote builds the Create activity wrapping a local note, together with
// the audience sets delivery planning expands.
func (o *Outbox) CreateNote(author *models.User, note *models.Note, refs NoteRefs) (map[string]interface{}, []string, []string) {
	obj := o.NoteObject(author, note, refs)
	to, cc := o.audience(author, note.Visibility, refs.Mentions)

	activity := map[string]interface{}{
		"@context":  ActivityStreamsContext,
		"id":        o.addr.NoteIRI(note.ID) + "/activity",
		"type":      "Create",
		"actor":     o.addr.UserIRI(author.ID),
		"published": note.CreatedAt.UTC().Format(time.RFC3339),
		"to":        to,
		"cc":        cc,
		"object":    obj,
	}
	return activity, to, cc
}

// UpdateNote builds the Update activity for an edited local note.
func (o *Outbox) UpdateNote(author *models.User, note *models.Note, refs NoteRefs) (map[string]interface{}, []string, []string) {
	obj := o.NoteObject(author, note, refs)
	to, cc := o.audience(author, note.Visibility, refs.Mentions)

	activity := map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       o.newActivityIRI(),
		"type":     "Update",
		"actor":    o.addr.UserIRI(author.ID),
		"to":       to,
		"cc":       cc,
		"object":   obj,
	}
	return activity, to, cc
}

// DeleteNote builds the Delete activity with a Tombstone for a local note.
func (o *Outbox) DeleteNote(author *models.User, noteID models.ID) (map[string]interface{}, []string, []string) {
	to := []string{PublicAudience}
	cc := []string{o.addr.FollowersIRI(author.ID)}
	activity := map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       o.newActivityIRI(),
		"type":     "Delete",
		"actor":    o.addr.UserIRI(author.ID),
		"to":       to,
		"cc":       cc,
		"object": map[string]interface{}{
			"id":   o.addr.NoteIRI(noteID),
			"type": "Tombstone",
		},
	}
	return activity, to, cc
}

// DeleteActor builds the tombstone Delete broadcast when a local actor is
// removed.
func (o *Outbox) DeleteActor(actorID models.ID) (map[string]interface{}, []string, []string) {
	iri := o.addr.UserIRI(actorID)
	to := []string{PublicAudience}
	cc := []string{o.addr.FollowersIRI(actorID)}
	activity := map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       o.newActivityIRI(),
		"type":     "Delete",
		"actor":    iri,
		"to":       to,
		"cc":       cc,
		"object":   iri,
	}
	return activity, to, cc
}

// Follow builds a Follow activity toward a remote actor.
func (o *Outbox) Follow(follower *models.User, remoteActorIRI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       o.newActivityIRI(),
		"type":     "Follow",
		"actor":    o.addr.UserIRI(follower.ID),
		"object":   remoteActorIRI,
	}
}

// Accept builds the Accept echoing a received Follow.
func (o *Outbox) Accept(followee *models.User, remoteActorIRI, followActivityIRI string) map[string]interface{} {
	actorIRI := o.addr.UserIRI(followee.ID)
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       o.newActivityIRI(),
		"type":     "Accept",
		"actor":    actorIRI,
		"object": map[string]interface{}{
			"id":     followActivityIRI,
			"type":   "Follow",
			"actor":  remoteActorIRI,
			"object": actorIRI,
		},
	}
}

// Reject builds the Reject echoing a received Follow.
func (o *Outbox) Reject(followee *models.User, remoteActorIRI, followActivityIRI string) map[string]interface{} {
	actorIRI := o.addr.UserIRI(followee.ID)
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       o.newActivityIRI(),
		"type":     "Reject",
		"actor":    actorIRI,
		"object": map[string]interface{}{
			"id":     followActivityIRI,
			"type":   "Follow",
			"actor":  remoteActorIRI,
			"object": actorIRI,
		},
	}
}

// Like builds a Like activity, carrying _misskey_reaction when the emoji is
// not the plain thumbs-up.
func (o *Outbox) Like(actor *models.User, noteIRI, emoji string) map[string]interface{} {
	activity := map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       o.newActivityIRI(),
		"type":     "Like",
		"actor":    o.addr.UserIRI(actor.ID),
		"object":   noteIRI,
	}
	if emoji != "" && emoji != DefaultReaction {
		activity["_misskey_reaction"] = emoji
	}
	return activity
}

// Announce builds the boost activity for a local renote of a target note.
func (o *Outbox) Announce(actor *models.User, renote *models.Note, targetIRI string) (map[string]interface{}, []string, []string) {
	to := []string{PublicAudience}
	cc := []string{o.addr.FollowersIRI(actor.ID)}
	activity := map[string]interface{}{
		"@context":  ActivityStreamsContext,
		"id":        o.addr.NoteIRI(renote.ID) + "/activity",
		"type":      "Announce",
		"actor":     o.addr.UserIRI(actor.ID),
		"published": renote.CreatedAt.UTC().Format(time.RFC3339),
		"to":        to,
		"cc":        cc,
		"object":    targetIRI,
	}
	return activity, to, cc
}

// Undo wraps a previously emitted activity for reversal.
func (o *Outbox) Undo(actor *models.User, inner map[string]interface{}) map[string]interface{} {
	object := make(map[string]interface{}, len(inner))
	for k, v := range inner {
		if k == "@context" {
			continue
		}
		object[k] = v
	}
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       o.newActivityIRI(),
		"type":     "Undo",
		"actor":    o.addr.UserIRI(actor.ID),
		"object":   object,
	}
}

// Marshal renders an activity for queueing or delivery.
func Marshal(activity map[string]interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("marshaling activity: %w", err)
	}
	return data, nil
}
