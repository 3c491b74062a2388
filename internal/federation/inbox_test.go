package federation

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// inboxEnv bundles an inbox handler with its fakes and a signing identity
// for the remote actor alice@a.example.
type inboxEnv struct {
	handler  *InboxHandler
	store    *fakeStore
	policy   *fakePolicy
	enqueuer *fakeEnqueuer
	actor    *Actor
	keyPEM   string
}

func newInboxEnv(t *testing.T) *inboxEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newFakeStore()
	client := NewAPClient(logger)
	actors := NewActorResolver(store, client, 24*time.Hour, logger)
	guard := NewReplayGuard(store, 5*time.Minute, 48*time.Hour)
	limiter := NewHostRateLimiter(store, time.Minute, 100)
	policy := newFakePolicy()
	enqueuer := &fakeEnqueuer{}

	publicPEM, privatePEM, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	actor := &Actor{
		ID:                "https://a.example/users/alice",
		Type:              "Person",
		PreferredUsername: "alice",
		Inbox:             "https://a.example/users/alice/inbox",
		PublicKeyID:       "https://a.example/users/alice#main-key",
		PublicKeyPEM:      publicPEM,
		Host:              "a.example",
		CachedAt:          time.Now().UTC(),
	}
	store.cacheActor(actor)

	return &inboxEnv{
		handler:  NewInboxHandler(guard, limiter, actors, policy, enqueuer, logger),
		store:    store,
		policy:   policy,
		enqueuer: enqueuer,
		actor:    actor,
		keyPEM:   privatePEM,
	}
}

// signedRequest builds a POST /inbox request signed by alice's key.
func (e *inboxEnv) signedRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, "https://b.example/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Host = req.URL.Host
	req.Header.Set("Content-Type", "application/activity+json")
	if err := SignRequest(req, body, e.actor.PublicKeyID, e.keyPEM); err != nil {
		t.Fatal(err)
	}
	return req
}

func (e *inboxEnv) post(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func inboxFollowBody(activityID string) []byte {
	return []byte(fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": %q, "type": "Follow",
		"actor": "https://a.example/users/alice",
		"object": "https://b.example/users/0000000000000001"
	}`, activityID))
}

func TestInboxAcceptsAndEnqueues(t *testing.T) {
	env := newInboxEnv(t)
	body := inboxFollowBody("https://a.example/activities/1")

	rec := env.post(env.signedRequest(t, body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", rec.Code, rec.Body.String())
	}
	if len(env.enqueuer.inbox) != 1 {
		t.Fatalf("inbox jobs = %d, want 1", len(env.enqueuer.inbox))
	}
	if env.enqueuer.inbox[0].SourceHost != "a.example" {
		t.Errorf("source_host = %s, want a.example", env.enqueuer.inbox[0].SourceHost)
	}
}

func TestInboxDuplicateDropsWith202(t *testing.T) {
	env := newInboxEnv(t)
	body := inboxFollowBody("https://a.example/activities/1")

	first := env.post(env.signedRequest(t, body))
	second := env.post(env.signedRequest(t, body))

	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("status = %d/%d, want 202/202", first.Code, second.Code)
	}
	if len(env.enqueuer.inbox) != 1 {
		t.Fatalf("inbox jobs = %d after duplicate, want 1", len(env.enqueuer.inbox))
	}
}

func TestInboxTamperedBodyRejected(t *testing.T) {
	env := newInboxEnv(t)
	body := inboxFollowBody("https://a.example/activities/1")

	req := env.signedRequest(t, body)
	tampered := bytes.Replace(body, []byte("Follow"), []byte("Delete"), 1)
	req.Body = io.NopCloser(bytes.NewReader(tampered))
	req.ContentLength = int64(len(tampered))

	rec := env.post(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d for tampered body, want 401", rec.Code)
	}
	if len(env.enqueuer.inbox) != 0 {
		t.Fatal("tampered request must not be enqueued")
	}
}

func TestInboxUnsignedRejected(t *testing.T) {
	env := newInboxEnv(t)
	body := inboxFollowBody("https://a.example/activities/1")

	req, err := http.NewRequest(http.MethodPost, "https://b.example/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Host = req.URL.Host

	rec := env.post(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d for unsigned request, want 401", rec.Code)
	}
}

func TestInboxStaleDateDropped(t *testing.T) {
	env := newInboxEnv(t)
	body := inboxFollowBody("https://a.example/activities/1")

	// Sign over a Date far outside the skew window. The signature is valid
	// over the stale date, so only the replay guard can reject it.
	req, err := http.NewRequest(http.MethodPost, "https://b.example/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Host = req.URL.Host
	req.Header.Set("Date", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat))
	if err := SignRequest(req, body, env.actor.PublicKeyID, env.keyPEM); err != nil {
		t.Fatal(err)
	}

	rec := env.post(req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d for stale date, want 202", rec.Code)
	}
	if len(env.enqueuer.inbox) != 0 {
		t.Fatal("stale request must not be enqueued")
	}
}

func TestInboxBlockedHostDropped(t *testing.T) {
	env := newInboxEnv(t)
	env.policy.block("a.example")
	body := inboxFollowBody("https://a.example/activities/1")

	rec := env.post(env.signedRequest(t, body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d for blocked host, want 202", rec.Code)
	}
	if len(env.enqueuer.inbox) != 0 {
		t.Fatal("blocked host must not be enqueued")
	}
}

func TestInboxRateLimitFiresAtWindowBoundary(t *testing.T) {
	env := newInboxEnv(t)

	// Fill the current window to its limit, then the next request is the
	// 101st and must be rejected.
	windowIdx := time.Now().Unix() / 60
	key := fmt.Sprintf("federation_rate:a.example:%d", windowIdx)
	env.store.Set(t.Context(), key, "100", time.Minute)

	body := inboxFollowBody("https://a.example/activities/1")
	rec := env.post(env.signedRequest(t, body))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d for 101st request, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}

func TestInboxMissingIDMalformed(t *testing.T) {
	env := newInboxEnv(t)
	body := []byte(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"type": "Follow",
		"actor": "https://a.example/users/alice",
		"object": "https://b.example/users/0000000000000001"
	}`)

	rec := env.post(env.signedRequest(t, body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d for activity without id, want 400", rec.Code)
	}
}
