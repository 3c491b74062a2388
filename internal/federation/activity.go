// Package federation implements the ActivityPub federation core: HTTP
// signature signing and verification, replay protection and per-host rate
// limiting, remote actor caching, the signed AP HTTP client, the inbox
// receive path, the per-activity processors, the delivery planner, and the
// outbox document builders.
package federation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ActivityStreams context and the public addressing pseudo-IRI.
const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	PublicAudience         = "https://www.w3.org/ns/activitystreams#Public"
)

// Activity is a decoded ActivityPub activity envelope. Object may be an
// inline object or a bare IRI; resolution from reference to inline is an
// explicit step via the AP client.
type Activity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
	To     StringList      `json:"to"`
	CC     StringList      `json:"cc"`

	// Raw is the activity as received, for re-inspection of extension
	// fields such as _misskey_reaction.
	Raw json.RawMessage `json:"-"`
}

// StringList accepts a JSON string, an array of strings, or an array of
// objects with "id" fields, which all occur in the wild for to/cc/actor.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = StringList{s}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("unmarshaling string list: %w", err)
	}
	out := make(StringList, 0, len(items))
	for _, item := range items {
		var str string
		if err := json.Unmarshal(item, &str); err == nil {
			out = append(out, str)
			continue
		}
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && obj.ID != "" {
			out = append(out, obj.ID)
		}
	}
	*l = out
	return nil
}

// ParseActivity decodes an activity and validates the fields every processor
// relies on. Activities without an id are rejected as malformed: the id is
// the replay-guard dedupe key. The actor slot may be a bare IRI or an inline
// object; either way only the IRI is kept.
func ParseActivity(raw []byte) (*Activity, error) {
	var envelope struct {
		ID     string          `json:"id"`
		Type   string          `json:"type"`
		Actor  json.RawMessage `json:"actor"`
		Object json.RawMessage `json:"object"`
		To     StringList      `json:"to"`
		CC     StringList      `json:"cc"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parsing activity: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("activity missing type")
	}
	if envelope.ID == "" {
		return nil, fmt.Errorf("activity missing id")
	}
	actor := iriOf(envelope.Actor)
	if actor == "" {
		return nil, fmt.Errorf("activity missing actor")
	}

	return &Activity{
		ID:     envelope.ID,
		Type:   envelope.Type,
		Actor:  actor,
		Object: envelope.Object,
		To:     envelope.To,
		CC:     envelope.CC,
		Raw:    append(json.RawMessage(nil), raw...),
	}, nil
}

// iriOf reduces a JSON slot that may hold a string or an object to its IRI.
func iriOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// ActorHost returns the case-folded host of the activity's actor IRI.
func (a *Activity) ActorHost() (string, error) {
	u, err := url.Parse(a.Actor)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("parsing actor IRI %q: %w", a.Actor, err)
	}
	return strings.ToLower(u.Host), nil
}

// ObjectIRI returns the object as a bare IRI: either the string form or the
// id of an inline object. Empty when neither is present.
func (a *Activity) ObjectIRI() string {
	return iriOf(a.Object)
}

// ObjectMap returns the inline object, or nil when the object is a bare IRI.
func (a *Activity) ObjectMap() map[string]interface{} {
	if len(a.Object) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(a.Object, &m); err != nil {
		return nil
	}
	return m
}

// Actor is a snapshot of a remote actor document, the unit stored in the
// positive actor cache.
type Actor struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	PreferredUsername string    `json:"preferred_username"`
	Name              *string   `json:"name,omitempty"`
	Summary           *string   `json:"summary,omitempty"`
	Inbox             string    `json:"inbox"`
	SharedInbox       *string   `json:"shared_inbox,omitempty"`
	PublicKeyID       string    `json:"public_key_id"`
	PublicKeyPEM      string    `json:"public_key_pem"`
	Icon              *string   `json:"icon,omitempty"`
	Host              string    `json:"host"`
	CachedAt          time.Time `json:"cached_at"`
}

// actorTypes is the set of AS types treated as actors.
var actorTypes = map[string]bool{
	"Person": true, "Service": true, "Application": true,
	"Group": true, "Organization": true,
}

// IsActorType reports whether t names an actor type.
func IsActorType(t string) bool { return actorTypes[t] }

// ParseActorJSON extracts an Actor snapshot from a fetched actor document,
// validating the fields signature verification and delivery depend on.
func ParseActorJSON(m map[string]interface{}) (*Actor, error) {
	id := getString(m, "id")
	typ := getString(m, "type")
	inbox := getString(m, "inbox")
	if id == "" || typ == "" || inbox == "" {
		return nil, fmt.Errorf("actor document missing id, type, or inbox")
	}
	if !IsActorType(typ) {
		return nil, fmt.Errorf("object type %q is not an actor", typ)
	}

	u, err := url.Parse(id)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("parsing actor id %q: %w", id, err)
	}

	actor := &Actor{
		ID:                id,
		Type:              typ,
		PreferredUsername: getString(m, "preferredUsername"),
		Name:              getStringPtr(m, "name"),
		Summary:           getStringPtr(m, "summary"),
		Inbox:             inbox,
		Host:              strings.ToLower(u.Host),
		CachedAt:          time.Now().UTC(),
	}
	if actor.PreferredUsername == "" {
		actor.PreferredUsername = u.Host
	}

	// endpoints.sharedInbox, with a top-level sharedInbox fallback.
	if ep, ok := m["endpoints"].(map[string]interface{}); ok {
		if si := getString(ep, "sharedInbox"); si != "" {
			actor.SharedInbox = &si
		}
	}
	if actor.SharedInbox == nil {
		if si := getString(m, "sharedInbox"); si != "" {
			actor.SharedInbox = &si
		}
	}

	pk, ok := m["publicKey"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("actor %s has no publicKey", id)
	}
	actor.PublicKeyID = getString(pk, "id")
	actor.PublicKeyPEM = getString(pk, "publicKeyPem")
	if actor.PublicKeyPEM == "" {
		return nil, fmt.Errorf("actor %s has no publicKeyPem", id)
	}

	if icon, ok := m["icon"].(map[string]interface{}); ok {
		if u := getString(icon, "url"); u != "" {
			actor.Icon = &u
		}
	}

	return actor, nil
}

// NoteDraft is an incoming AP Note/Question parsed into the shape the
// processors persist.
type NoteDraft struct {
	URI          string
	AttributedTo string
	Content      *string
	Summary      *string
	InReplyTo    string
	QuoteURL     string
	Sensitive    bool
	Published    time.Time
	To           []string
	CC           []string
	Mentions     []string
	Hashtags     []string
	PollOptions  []string
	PollMultiple bool
	PollExpires  *time.Time
}

// ParseNoteObject extracts a NoteDraft from an inline Note or Question object.
func ParseNoteObject(m map[string]interface{}) (*NoteDraft, error) {
	uri := getString(m, "id")
	if uri == "" {
		return nil, fmt.Errorf("note object missing id")
	}
	typ := getString(m, "type")
	if typ != "Note" && typ != "Question" {
		return nil, fmt.Errorf("unsupported note object type %q", typ)
	}
	attributedTo := getString(m, "attributedTo")
	if attributedTo == "" {
		return nil, fmt.Errorf("note object missing attributedTo")
	}

	draft := &NoteDraft{
		URI:          uri,
		AttributedTo: attributedTo,
		Content:      getStringPtr(m, "content"),
		Summary:      getStringPtr(m, "summary"),
		InReplyTo:    getString(m, "inReplyTo"),
		QuoteURL:     quoteURL(m),
		To:           getStringList(m, "to"),
		CC:           getStringList(m, "cc"),
		Published:    time.Now().UTC(),
	}
	if sens, ok := m["sensitive"].(bool); ok {
		draft.Sensitive = sens
	}
	if published := getString(m, "published"); published != "" {
		if t, err := time.Parse(time.RFC3339, published); err == nil {
			draft.Published = t
		}
	}

	if tags, ok := m["tag"].([]interface{}); ok {
		for _, item := range tags {
			tag, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch getString(tag, "type") {
			case "Mention":
				if href := getString(tag, "href"); href != "" {
					draft.Mentions = append(draft.Mentions, href)
				}
			case "Hashtag":
				name := strings.TrimPrefix(getString(tag, "name"), "#")
				if name != "" {
					draft.Hashtags = append(draft.Hashtags, name)
				}
			}
		}
	}

	if typ == "Question" {
		opts, multiple := questionOptions(m)
		draft.PollOptions = opts
		draft.PollMultiple = multiple
		if end := getString(m, "endTime"); end != "" {
			if t, err := time.Parse(time.RFC3339, end); err == nil {
				draft.PollExpires = &t
			}
		}
	}

	return draft, nil
}

// quoteURL resolves the quote target, checking quoteUrl, quoteUri, and
// _misskey_quote in that order.
func quoteURL(m map[string]interface{}) string {
	for _, key := range []string{"quoteUrl", "quoteUri", "_misskey_quote"} {
		if v := getString(m, key); v != "" {
			return v
		}
	}
	return ""
}

// questionOptions reads oneOf/anyOf arrays; anyOf marks a multiple-choice poll.
func questionOptions(m map[string]interface{}) ([]string, bool) {
	read := func(key string) []string {
		arr, ok := m[key].([]interface{})
		if !ok {
			return nil
		}
		var names []string
		for _, item := range arr {
			if opt, ok := item.(map[string]interface{}); ok {
				if name := getString(opt, "name"); name != "" {
					names = append(names, name)
				}
			}
		}
		return names
	}
	if opts := read("anyOf"); len(opts) > 0 {
		return opts, true
	}
	return read("oneOf"), false
}

// VisibilityFromAudience maps AP addressing back to a local visibility:
// #Public in to is public, #Public in cc is home (unlisted), a followers
// collection without #Public is followers-only, anything else is specified.
func VisibilityFromAudience(to, cc []string) string {
	for _, t := range to {
		if t == PublicAudience {
			return "public"
		}
	}
	for _, c := range cc {
		if c == PublicAudience {
			return "home"
		}
	}
	for _, t := range to {
		if strings.HasSuffix(t, "/followers") {
			return "followers"
		}
	}
	return "specified"
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getStringPtr(m map[string]interface{}, key string) *string {
	if s := getString(m, key); s != "" {
		return &s
	}
	return nil
}

func getStringList(m map[string]interface{}, key string) []string {
	switch v := m[key].(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
