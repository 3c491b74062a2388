package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/driftwood-social/driftwood/internal/keyedstore"
)

// ErrActorResolution is returned when a remote actor cannot be fetched or
// parsed. The IRI is negatively cached so a dead actor does not get hammered.
var ErrActorResolution = errors.New("federation: actor resolution failed")

const (
	actorCachePrefix    = "remote_actor:"
	actorNegativePrefix = "remote_actor_failed:"
	actorNegativeTTL    = 5 * time.Minute
)

// ActorResolver is the positive/negative cache of fetched remote actor
// documents, backed by the keyed store so all nodes share one cache.
type ActorResolver struct {
	store  KeyedStore
	client *APClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewActorResolver creates a resolver with the given positive-cache TTL.
func NewActorResolver(store KeyedStore, client *APClient, ttl time.Duration, logger *slog.Logger) *ActorResolver {
	return &ActorResolver{store: store, client: client, ttl: ttl, logger: logger}
}

// Resolve returns the actor snapshot for an IRI: positive cache hit, negative
// cache hit (ErrActorResolution), or a network fetch that populates one of
// the two.
func (r *ActorResolver) Resolve(ctx context.Context, iri string) (*Actor, error) {
	if cached, err := r.store.Get(ctx, actorCachePrefix+iri); err == nil {
		var actor Actor
		if jsonErr := json.Unmarshal([]byte(cached), &actor); jsonErr == nil {
			return &actor, nil
		}
		// Corrupt entry: drop it and fall through to a fetch.
		r.store.Del(ctx, actorCachePrefix+iri)
	} else if !errors.Is(err, keyedstore.ErrNotFound) {
		return nil, fmt.Errorf("reading actor cache for %s: %w", iri, err)
	}

	if _, err := r.store.Get(ctx, actorNegativePrefix+iri); err == nil {
		return nil, fmt.Errorf("%w: %s (negative cache)", ErrActorResolution, iri)
	}

	actor, err := r.client.FetchActor(ctx, iri)
	if err != nil {
		if nErr := r.store.Set(ctx, actorNegativePrefix+iri, "1", actorNegativeTTL); nErr != nil {
			r.logger.Warn("failed to negative-cache actor",
				slog.String("iri", iri), slog.String("error", nErr.Error()))
		}
		r.logger.Info("remote actor fetch failed",
			slog.String("iri", iri), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %s: %v", ErrActorResolution, iri, err)
	}

	if err := r.cache(ctx, actor); err != nil {
		r.logger.Warn("failed to cache actor",
			slog.String("iri", iri), slog.String("error", err.Error()))
	}
	return actor, nil
}

// ResolveKey resolves a signature keyId to its owning actor by stripping the
// URL fragment.
func (r *ActorResolver) ResolveKey(ctx context.Context, keyID string) (*Actor, error) {
	iri := keyID
	if i := strings.IndexByte(iri, '#'); i >= 0 {
		iri = iri[:i]
	}
	return r.Resolve(ctx, iri)
}

// Refresh drops the positive cache entry and resolves the actor again, which
// refetches it unless a negative cache entry is present. Used by the inbox to
// retry signature verification after a key rotation.
func (r *ActorResolver) Refresh(ctx context.Context, iri string) (*Actor, error) {
	if err := r.Invalidate(ctx, iri); err != nil {
		return nil, err
	}
	return r.Resolve(ctx, iri)
}

// Invalidate drops the positive cache entry for an actor IRI.
func (r *ActorResolver) Invalidate(ctx context.Context, iri string) error {
	if err := r.store.Del(ctx, actorCachePrefix+iri); err != nil {
		return fmt.Errorf("invalidating actor cache for %s: %w", iri, err)
	}
	return nil
}

// Store caches an already-parsed actor snapshot, e.g. one received inline.
func (r *ActorResolver) Store(ctx context.Context, actor *Actor) error {
	return r.cache(ctx, actor)
}

func (r *ActorResolver) cache(ctx context.Context, actor *Actor) error {
	data, err := json.Marshal(actor)
	if err != nil {
		return fmt.Errorf("marshaling actor %s: %w", actor.ID, err)
	}
	return r.store.Set(ctx, actorCachePrefix+actor.ID, string(data), r.ttl)
}
