package federation

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/driftwood-social/driftwood/internal/models"
)

// Addr builds and recognizes the AP IRIs of this instance.
type Addr struct {
	origin *url.URL
}

// NewAddr creates an Addr from the external origin URL.
func NewAddr(origin *url.URL) *Addr {
	trimmed := *origin
	trimmed.Path = strings.TrimRight(trimmed.Path, "/")
	return &Addr{origin: &trimmed}
}

// Host returns the case-folded host of this instance.
func (a *Addr) Host() string { return strings.ToLower(a.origin.Host) }

// Base returns the origin without a trailing slash.
func (a *Addr) Base() string { return a.origin.String() }

// UserIRI returns the actor document IRI for a local user.
func (a *Addr) UserIRI(id models.ID) string {
	return fmt.Sprintf("%s/users/%s", a.Base(), id)
}

// NoteIRI returns the note document IRI for a local note.
func (a *Addr) NoteIRI(id models.ID) string {
	return fmt.Sprintf("%s/notes/%s", a.Base(), id)
}

// FollowersIRI returns the followers collection IRI for a local user.
func (a *Addr) FollowersIRI(id models.ID) string {
	return a.UserIRI(id) + "/followers"
}

// FollowingIRI returns the following collection IRI for a local user.
func (a *Addr) FollowingIRI(id models.ID) string {
	return a.UserIRI(id) + "/following"
}

// InboxIRI returns the per-actor inbox URL for a local user.
func (a *Addr) InboxIRI(id models.ID) string {
	return a.UserIRI(id) + "/inbox"
}

// SharedInboxIRI returns the shared inbox URL of this instance.
func (a *Addr) SharedInboxIRI() string {
	return a.Base() + "/inbox"
}

// KeyID returns the signing key IRI for a local user.
func (a *Addr) KeyID(id models.ID) string {
	return a.UserIRI(id) + "#main-key"
}

// ActivityIRI mints an IRI for a locally generated activity.
func (a *Addr) ActivityIRI(id string) string {
	return fmt.Sprintf("%s/activities/%s", a.Base(), id)
}

// IsLocal reports whether an IRI belongs to this instance.
func (a *Addr) IsLocal(iri string) bool {
	u, err := url.Parse(iri)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, a.origin.Host)
}

// LocalUserID extracts the user id from a local actor IRI or its followers
// collection. Returns false when the IRI is not a local actor.
func (a *Addr) LocalUserID(iri string) (models.ID, bool) {
	if !a.IsLocal(iri) {
		return "", false
	}
	u, err := url.Parse(iri)
	if err != nil {
		return "", false
	}
	path := strings.TrimPrefix(u.Path, strings.TrimRight(a.origin.Path, "/"))
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] != "users" {
		return "", false
	}
	id, err := models.ParseID(parts[1])
	if err != nil {
		return "", false
	}
	return id, true
}

// LocalNoteID extracts the note id from a local note IRI.
func (a *Addr) LocalNoteID(iri string) (models.ID, bool) {
	if !a.IsLocal(iri) {
		return "", false
	}
	u, err := url.Parse(iri)
	if err != nil {
		return "", false
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, strings.TrimRight(a.origin.Path, "/")), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] != "notes" {
		return "", false
	}
	id, err := models.ParseID(parts[1])
	if err != nil {
		return "", false
	}
	return id, true
}

// IsFollowersIRI reports whether the IRI is the followers collection of a
// local user, returning that user's id.
func (a *Addr) IsFollowersIRI(iri string) (models.ID, bool) {
	if !strings.HasSuffix(iri, "/followers") {
		return "", false
	}
	return a.LocalUserID(strings.TrimSuffix(iri, "/followers"))
}
