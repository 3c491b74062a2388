package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftwood-social/driftwood/internal/models"
	"github.com/driftwood-social/driftwood/internal/repo"
)

// Documents serves the read-only federation surface: actor and note
// documents, WebFinger, and nodeinfo. These stay mounted even when the inbox
// is disabled so existing remote references do not break.
type Documents struct {
	users        repo.UserRepo
	notes        repo.NoteRepo
	pool         *pgxpool.Pool
	addr         *Addr
	outbox       *Outbox
	instanceName string
	version      string
	logger       *slog.Logger
}

// NewDocuments creates the document handlers.
func NewDocuments(users repo.UserRepo, notes repo.NoteRepo, pool *pgxpool.Pool, addr *Addr, outbox *Outbox, instanceName, version string, logger *slog.Logger) *Documents {
	return &Documents{
		users:        users,
		notes:        notes,
		pool:         pool,
		addr:         addr,
		outbox:       outbox,
		instanceName: instanceName,
		version:      version,
		logger:       logger,
	}
}

// HandleActor handles GET /users/{id}: the AP actor document with the
// publicKey field, content-negotiated to activity+json.
func (d *Documents) HandleActor(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	user, err := d.users.FindByID(r.Context(), id)
	if err != nil || !user.IsLocal() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	actorType := "Person"
	if user.Bot {
		actorType = "Service"
	}
	iri := d.addr.UserIRI(user.ID)

	doc := map[string]interface{}{
		"@context": []interface{}{
			ActivityStreamsContext,
			"https://w3id.org/security/v1",
		},
		"id":                        iri,
		"type":                      actorType,
		"preferredUsername":         user.Username,
		"inbox":                     d.addr.InboxIRI(user.ID),
		"followers":                 d.addr.FollowersIRI(user.ID),
		"following":                 d.addr.FollowingIRI(user.ID),
		"manuallyApprovesFollowers": user.Locked,
		"endpoints": map[string]interface{}{
			"sharedInbox": d.addr.SharedInboxIRI(),
		},
		"publicKey": map[string]interface{}{
			"id":           d.addr.KeyID(user.ID),
			"owner":        iri,
			"publicKeyPem": user.PublicKeyPEM,
		},
		"published": user.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if user.DisplayName != nil {
		doc["name"] = *user.DisplayName
	}
	if user.Summary != nil {
		doc["summary"] = *user.Summary
	}
	if user.AvatarURL != nil {
		doc["icon"] = map[string]interface{}{"type": "Image", "url": *user.AvatarURL}
	}

	writeAP(w, doc)
}

// HandleNote handles GET /notes/{id}: the AP Note document.
func (d *Documents) HandleNote(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	note, err := d.notes.FindByID(r.Context(), id)
	if err != nil || note.URI != nil {
		// Remote notes are served by their origin.
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	// Only publicly addressed notes are served without auth.
	if note.Visibility != models.VisibilityPublic && note.Visibility != models.VisibilityHome {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	author, err := d.users.FindByID(r.Context(), note.UserID)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	refs := NoteRefs{}
	if note.ReplyID != nil {
		if parent, err := d.notes.FindByID(r.Context(), *note.ReplyID); err == nil {
			if parent.URI != nil {
				refs.InReplyTo = *parent.URI
			} else {
				refs.InReplyTo = d.addr.NoteIRI(parent.ID)
			}
		}
	}

	obj := d.outbox.NoteObject(author, note, refs)
	obj["@context"] = ActivityStreamsContext
	writeAP(w, obj)
}

// HandleWebFinger handles GET /.well-known/webfinger?resource=acct:user@host.
func (d *Documents) HandleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	acct := strings.TrimPrefix(resource, "acct:")
	if acct == resource {
		http.Error(w, "unsupported resource", http.StatusBadRequest)
		return
	}

	parts := strings.SplitN(strings.TrimPrefix(acct, "@"), "@", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[1], d.addr.Host()) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	user, err := d.users.FindByUsername(r.Context(), parts[0], nil)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		d.logger.Error("webfinger lookup failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	actorURL := d.addr.UserIRI(user.ID)
	response := map[string]interface{}{
		"subject": fmt.Sprintf("acct:%s@%s", user.Username, d.addr.Host()),
		"aliases": []string{actorURL},
		"links": []map[string]interface{}{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": actorURL,
			},
		},
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	json.NewEncoder(w).Encode(response)
}

// HandleNodeinfoDiscovery handles GET /.well-known/nodeinfo.
func (d *Documents) HandleNodeinfoDiscovery(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"links": []map[string]interface{}{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": d.addr.Base() + "/nodeinfo/2.1",
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// HandleNodeinfo handles GET /nodeinfo/2.1.
func (d *Documents) HandleNodeinfo(w http.ResponseWriter, r *http.Request) {
	var totalUsers, activeMonth, activeHalfyear, localPosts int64
	err := d.pool.QueryRow(r.Context(),
		`SELECT count(*) FROM users WHERE host IS NULL AND NOT suspended`).Scan(&totalUsers)
	if err != nil {
		d.logger.Error("nodeinfo user count failed", slog.String("error", err.Error()))
	}
	// Active windows approximate via note authorship; sessions are not
	// tracked by the federation core.
	d.pool.QueryRow(r.Context(),
		`SELECT count(DISTINCT user_id) FROM notes
		 WHERE created_at > now() - interval '30 days'
		   AND user_id IN (SELECT id FROM users WHERE host IS NULL)`).Scan(&activeMonth)
	d.pool.QueryRow(r.Context(),
		`SELECT count(DISTINCT user_id) FROM notes
		 WHERE created_at > now() - interval '180 days'
		   AND user_id IN (SELECT id FROM users WHERE host IS NULL)`).Scan(&activeHalfyear)
	d.pool.QueryRow(r.Context(),
		`SELECT count(*) FROM notes
		 WHERE user_id IN (SELECT id FROM users WHERE host IS NULL)`).Scan(&localPosts)

	response := map[string]interface{}{
		"version": "2.1",
		"software": map[string]interface{}{
			"name":    "driftwood",
			"version": d.version,
		},
		"protocols":         []string{"activitypub"},
		"openRegistrations": false,
		"usage": map[string]interface{}{
			"users": map[string]interface{}{
				"total":          totalUsers,
				"activeMonth":    activeMonth,
				"activeHalfyear": activeHalfyear,
			},
			"localPosts": localPosts,
		},
		"metadata": map[string]interface{}{
			"nodeName": d.instanceName,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func writeAP(w http.ResponseWriter, doc map[string]interface{}) {
	w.Header().Set("Content-Type", apContentType)
	json.NewEncoder(w).Encode(doc)
}
