package federation

import (
	"encoding/json"
	"testing"
)

func TestParseActivity(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, a *Activity)
	}{
		{
			name: "string object",
			raw:  `{"id":"https://a.example/a/1","type":"Follow","actor":"https://a.example/u/1","object":"https://b.example/u/2"}`,
			check: func(t *testing.T, a *Activity) {
				if a.ObjectIRI() != "https://b.example/u/2" {
					t.Errorf("ObjectIRI = %q", a.ObjectIRI())
				}
				if a.ObjectMap() != nil {
					t.Error("string object must have no map form")
				}
			},
		},
		{
			name: "inline object",
			raw:  `{"id":"https://a.example/a/1","type":"Create","actor":"https://a.example/u/1","object":{"id":"https://a.example/n/1","type":"Note"}}`,
			check: func(t *testing.T, a *Activity) {
				if a.ObjectIRI() != "https://a.example/n/1" {
					t.Errorf("ObjectIRI = %q", a.ObjectIRI())
				}
				if a.ObjectMap() == nil {
					t.Error("inline object must have a map form")
				}
			},
		},
		{
			name: "inline actor",
			raw:  `{"id":"https://a.example/a/1","type":"Like","actor":{"id":"https://a.example/u/1"},"object":"x"}`,
			check: func(t *testing.T, a *Activity) {
				if a.Actor != "https://a.example/u/1" {
					t.Errorf("Actor = %q", a.Actor)
				}
			},
		},
		{
			name: "to accepts single string",
			raw:  `{"id":"https://a.example/a/1","type":"Create","actor":"https://a.example/u/1","to":"https://www.w3.org/ns/activitystreams#Public","object":"x"}`,
			check: func(t *testing.T, a *Activity) {
				if len(a.To) != 1 || a.To[0] != PublicAudience {
					t.Errorf("To = %v", a.To)
				}
			},
		},
		{name: "missing id", raw: `{"type":"Follow","actor":"https://a.example/u/1"}`, wantErr: true},
		{name: "missing type", raw: `{"id":"x","actor":"https://a.example/u/1"}`, wantErr: true},
		{name: "missing actor", raw: `{"id":"x","type":"Follow"}`, wantErr: true},
		{name: "not json", raw: `follow pls`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := ParseActivity([]byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatal("want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.check != nil {
				tc.check(t, a)
			}
		})
	}
}

func TestActorHost(t *testing.T) {
	a := &Activity{Actor: "https://A.Example/users/alice"}
	host, err := a.ActorHost()
	if err != nil {
		t.Fatal(err)
	}
	if host != "a.example" {
		t.Errorf("host = %q, want case-folded a.example", host)
	}
}

func TestParseActorJSON(t *testing.T) {
	doc := map[string]interface{}{
		"id":                "https://a.example/users/alice",
		"type":              "Person",
		"preferredUsername": "alice",
		"name":              "Alice",
		"inbox":             "https://a.example/users/alice/inbox",
		"endpoints":         map[string]interface{}{"sharedInbox": "https://a.example/inbox"},
		"publicKey": map[string]interface{}{
			"id":           "https://a.example/users/alice#main-key",
			"publicKeyPem": "PEM",
		},
		"icon": map[string]interface{}{"type": "Image", "url": "https://a.example/avatar.png"},
	}

	actor, err := ParseActorJSON(doc)
	if err != nil {
		t.Fatal(err)
	}
	if actor.Host != "a.example" {
		t.Errorf("host = %q", actor.Host)
	}
	if actor.SharedInbox == nil || *actor.SharedInbox != "https://a.example/inbox" {
		t.Errorf("shared inbox = %v", actor.SharedInbox)
	}
	if actor.Icon == nil || *actor.Icon != "https://a.example/avatar.png" {
		t.Errorf("icon = %v", actor.Icon)
	}

	delete(doc, "publicKey")
	if _, err := ParseActorJSON(doc); err == nil {
		t.Error("actor without publicKey must not parse")
	}

	doc["publicKey"] = map[string]interface{}{"publicKeyPem": "PEM"}
	doc["type"] = "Note"
	if _, err := ParseActorJSON(doc); err == nil {
		t.Error("non-actor type must not parse")
	}
}

func TestParseNoteObjectQuoteOrder(t *testing.T) {
	base := func() map[string]interface{} {
		return map[string]interface{}{
			"id":           "https://a.example/notes/1",
			"type":         "Note",
			"attributedTo": "https://a.example/users/alice",
			"content":      "hi",
		}
	}

	m := base()
	m["quoteUrl"] = "first"
	m["quoteUri"] = "second"
	m["_misskey_quote"] = "third"
	draft, err := ParseNoteObject(m)
	if err != nil {
		t.Fatal(err)
	}
	if draft.QuoteURL != "first" {
		t.Errorf("quote = %q, want quoteUrl to win", draft.QuoteURL)
	}

	m = base()
	m["_misskey_quote"] = "third"
	draft, _ = ParseNoteObject(m)
	if draft.QuoteURL != "third" {
		t.Errorf("quote = %q, want _misskey_quote fallback", draft.QuoteURL)
	}
}

func TestParseNoteObjectQuestion(t *testing.T) {
	var m map[string]interface{}
	raw := `{
		"id": "https://a.example/notes/1", "type": "Question",
		"attributedTo": "https://a.example/users/alice",
		"content": "pick one",
		"endTime": "2025-06-01T00:00:00Z",
		"oneOf": [
			{"type": "Note", "name": "yes"},
			{"type": "Note", "name": "no"}
		]
	}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}

	draft, err := ParseNoteObject(m)
	if err != nil {
		t.Fatal(err)
	}
	if len(draft.PollOptions) != 2 || draft.PollMultiple {
		t.Errorf("poll = %v multiple=%v", draft.PollOptions, draft.PollMultiple)
	}
	if draft.PollExpires == nil {
		t.Error("endTime must parse")
	}
}

func TestParseNoteObjectTags(t *testing.T) {
	var m map[string]interface{}
	raw := `{
		"id": "https://a.example/notes/1", "type": "Note",
		"attributedTo": "https://a.example/users/alice",
		"content": "hello",
		"tag": [
			{"type": "Mention", "href": "https://b.example/users/bob", "name": "@bob@b.example"},
			{"type": "Hashtag", "href": "https://a.example/tags/go", "name": "#go"}
		]
	}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}

	draft, err := ParseNoteObject(m)
	if err != nil {
		t.Fatal(err)
	}
	if len(draft.Mentions) != 1 || draft.Mentions[0] != "https://b.example/users/bob" {
		t.Errorf("mentions = %v", draft.Mentions)
	}
	if len(draft.Hashtags) != 1 || draft.Hashtags[0] != "go" {
		t.Errorf("hashtags = %v", draft.Hashtags)
	}
}

func TestVisibilityFromAudience(t *testing.T) {
	followers := "https://a.example/users/alice/followers"
	cases := []struct {
		name string
		to   []string
		cc   []string
		want string
	}{
		{"public", []string{PublicAudience}, []string{followers}, "public"},
		{"home", []string{followers}, []string{PublicAudience}, "home"},
		{"followers", []string{followers}, nil, "followers"},
		{"specified", []string{"https://b.example/users/bob"}, nil, "specified"},
		{"empty", nil, nil, "specified"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := VisibilityFromAudience(tc.to, tc.cc); got != tc.want {
				t.Errorf("visibility = %q, want %q", got, tc.want)
			}
		})
	}
}
