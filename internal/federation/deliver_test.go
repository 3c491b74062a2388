package federation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/driftwood-social/driftwood/internal/models"
)

type deliverEnv struct {
	deliverer  *Deliverer
	followings *fakeFollowingRepo
	policy     *fakePolicy
	enqueuer   *fakeEnqueuer
	store      *fakeStore
	addr       *Addr
}

func newDeliverEnv(t *testing.T) *deliverEnv {
	t.Helper()
	origin, err := url.Parse("https://b.example")
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	addr := NewAddr(origin)
	store := newFakeStore()
	actors := NewActorResolver(store, NewAPClient(logger), 24*time.Hour, logger)
	policy := newFakePolicy()
	enqueuer := &fakeEnqueuer{}
	followings := newFakeFollowingRepo()

	return &deliverEnv{
		deliverer:  NewDeliverer(followings, actors, policy, enqueuer, addr, logger),
		followings: followings,
		policy:     policy,
		enqueuer:   enqueuer,
		store:      store,
		addr:       addr,
	}
}

// addRemoteFollower registers a follower edge with cached inbox URLs.
func (e *deliverEnv) addRemoteFollower(followee models.ID, inbox string, shared *string) {
	e.followings.Create(context.Background(), &models.Following{
		ID:                  models.NewID(),
		FollowerID:          models.NewID(),
		FolloweeID:          followee,
		FollowerInbox:       &inbox,
		FollowerSharedInbox: shared,
		CreatedAt:           time.Now().UTC(),
	})
}

func TestDeliverCollapsesSharedInboxes(t *testing.T) {
	env := newDeliverEnv(t)
	author := &models.User{ID: models.NewID(), Username: "bob"}

	sharedA := "https://a.example/inbox"
	sharedC := "https://c.example/inbox"
	env.addRemoteFollower(author.ID, "https://a.example/users/u1/inbox", &sharedA)
	env.addRemoteFollower(author.ID, "https://a.example/users/u2/inbox", &sharedA)
	env.addRemoteFollower(author.ID, "https://c.example/users/u3/inbox", &sharedC)

	activity := json.RawMessage(`{"type":"Create"}`)
	to := []string{PublicAudience}
	cc := []string{env.addr.FollowersIRI(author.ID)}

	if err := env.deliverer.Deliver(context.Background(), author, activity, to, cc); err != nil {
		t.Fatal(err)
	}

	if len(env.enqueuer.deliveries) != 2 {
		t.Fatalf("deliveries = %d, want 2 distinct shared inboxes", len(env.enqueuer.deliveries))
	}
	seen := map[string]bool{}
	for _, job := range env.enqueuer.deliveries {
		seen[job.InboxURL] = true
		if job.ActorID != author.ID {
			t.Errorf("job actor = %s, want author", job.ActorID)
		}
	}
	if !seen[sharedA] || !seen[sharedC] {
		t.Errorf("inboxes = %v", seen)
	}
}

func TestDeliverPublicAloneTargetsNothing(t *testing.T) {
	env := newDeliverEnv(t)
	author := &models.User{ID: models.NewID(), Username: "bob"}

	if err := env.deliverer.Deliver(context.Background(), author,
		json.RawMessage(`{}`), []string{PublicAudience}, nil); err != nil {
		t.Fatal(err)
	}
	if len(env.enqueuer.deliveries) != 0 {
		t.Fatal("#Public by itself maps to no inbox")
	}
}

func TestDeliverSkipsBlockedHost(t *testing.T) {
	env := newDeliverEnv(t)
	author := &models.User{ID: models.NewID(), Username: "bob"}

	sharedA := "https://a.example/inbox"
	sharedC := "https://c.example/inbox"
	env.addRemoteFollower(author.ID, "https://a.example/users/u1/inbox", &sharedA)
	env.addRemoteFollower(author.ID, "https://c.example/users/u3/inbox", &sharedC)
	env.policy.block("a.example")

	if err := env.deliverer.Deliver(context.Background(), author,
		json.RawMessage(`{}`), []string{PublicAudience}, []string{env.addr.FollowersIRI(author.ID)}); err != nil {
		t.Fatal(err)
	}

	if len(env.enqueuer.deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1 after blocking a.example", len(env.enqueuer.deliveries))
	}
	if env.enqueuer.deliveries[0].InboxURL != sharedC {
		t.Errorf("delivered to %s, want %s", env.enqueuer.deliveries[0].InboxURL, sharedC)
	}
}

func TestDeliverExplicitRemoteRecipient(t *testing.T) {
	env := newDeliverEnv(t)
	author := &models.User{ID: models.NewID(), Username: "bob"}

	inbox := "https://a.example/users/alice/inbox"
	env.store.cacheActor(&Actor{
		ID:                "https://a.example/users/alice",
		Type:              "Person",
		PreferredUsername: "alice",
		Inbox:             inbox,
		PublicKeyID:       "https://a.example/users/alice#main-key",
		PublicKeyPEM:      "PEM",
		Host:              "a.example",
		CachedAt:          time.Now().UTC(),
	})

	if err := env.deliverer.Deliver(context.Background(), author,
		json.RawMessage(`{}`), []string{"https://a.example/users/alice"}, nil); err != nil {
		t.Fatal(err)
	}

	if len(env.enqueuer.deliveries) != 1 || env.enqueuer.deliveries[0].InboxURL != inbox {
		t.Fatalf("deliveries = %v", env.enqueuer.deliveries)
	}
}

func TestDeliverLocalRecipientSkipped(t *testing.T) {
	env := newDeliverEnv(t)
	author := &models.User{ID: models.NewID(), Username: "bob"}

	if err := env.deliverer.Deliver(context.Background(), author,
		json.RawMessage(`{}`), []string{env.addr.UserIRI(models.NewID())}, nil); err != nil {
		t.Fatal(err)
	}
	if len(env.enqueuer.deliveries) != 0 {
		t.Fatal("local recipients are reached via the bus, not HTTP")
	}
}

func TestDeliverUnresolvableRecipientSkipped(t *testing.T) {
	env := newDeliverEnv(t)
	author := &models.User{ID: models.NewID(), Username: "bob"}

	// Negative-cache the actor so resolution fails without a network call.
	env.store.Set(context.Background(), actorNegativePrefix+"https://dead.example/users/x", "1", time.Minute)

	if err := env.deliverer.Deliver(context.Background(), author,
		json.RawMessage(`{}`), []string{"https://dead.example/users/x"}, nil); err != nil {
		t.Fatal(err)
	}
	if len(env.enqueuer.deliveries) != 0 {
		t.Fatal("unresolvable recipient must be skipped, not fail the plan")
	}
}
