package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/driftwood-social/driftwood/internal/models"
	"github.com/driftwood-social/driftwood/internal/queue"
	"github.com/driftwood-social/driftwood/internal/repo"
)

// InstancePolicy is the subset of the instance registry the federation core
// consults on both paths.
type InstancePolicy interface {
	ShouldFederate(ctx context.Context, host string) (bool, error)
	ShouldShowInPublic(ctx context.Context, host string) (bool, error)
	Touch(ctx context.Context, host string) error
	IncrementCounters(host string, usersDelta, notesDelta int64)
}

// DeliveryEnqueuer is the queue capability the planner needs.
type DeliveryEnqueuer interface {
	EnqueueDelivery(ctx context.Context, job models.DeliveryJob) error
}

// Deliverer computes target inboxes for a local activity and enqueues one
// delivery job per distinct inbox URL.
type Deliverer struct {
	followings repo.FollowingRepo
	actors     *ActorResolver
	policy     InstancePolicy
	queue      DeliveryEnqueuer
	addr       *Addr
	logger     *slog.Logger
}

// NewDeliverer creates a delivery planner.
func NewDeliverer(followings repo.FollowingRepo, actors *ActorResolver, policy InstancePolicy, enqueuer DeliveryEnqueuer, addr *Addr, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		followings: followings,
		actors:     actors,
		policy:     policy,
		queue:      enqueuer,
		addr:       addr,
		logger:     logger,
	}
}

// Deliver expands the audience of a local activity to remote inbox URLs,
// collapses shared inboxes, filters blocked hosts, and enqueues one job per
// distinct URL. The #Public pseudo-IRI maps to no inbox by itself: public
// activities still go only to followers and explicitly addressed actors.
func (d *Deliverer) Deliver(ctx context.Context, actor *models.User, activity json.RawMessage, to, cc []string) error {
	inboxes := make(map[string]struct{})

	addRecipient := func(inbox string, shared *string) {
		if shared != nil && *shared != "" {
			inboxes[*shared] = struct{}{}
			return
		}
		if inbox != "" {
			inboxes[inbox] = struct{}{}
		}
	}

	for _, target := range append(append([]string{}, to...), cc...) {
		switch {
		case target == PublicAudience:
			// Addressing, not a destination.

		case d.isOwnFollowers(target, actor.ID):
			recipients, err := d.followings.RemoteFollowerInboxes(ctx, actor.ID)
			if err != nil {
				return fmt.Errorf("expanding followers of %s: %w", actor.ID, err)
			}
			for _, r := range recipients {
				addRecipient(r.Inbox, r.SharedInbox)
			}

		case d.addr.IsLocal(target):
			// Local recipients are reached through the event bus, not HTTP.

		default:
			remote, err := d.actors.Resolve(ctx, target)
			if err != nil {
				if errors.Is(err, ErrActorResolution) {
					d.logger.Info("skipping unresolvable recipient",
						slog.String("iri", target))
					continue
				}
				return fmt.Errorf("resolving recipient %s: %w", target, err)
			}
			addRecipient(remote.Inbox, remote.SharedInbox)
		}
	}

	enqueued := 0
	for inbox := range inboxes {
		host, err := hostOf(inbox)
		if err != nil {
			d.logger.Warn("skipping malformed inbox URL", slog.String("inbox", inbox))
			continue
		}
		allowed, err := d.policy.ShouldFederate(ctx, host)
		if err != nil {
			return fmt.Errorf("checking federation policy for %s: %w", host, err)
		}
		if !allowed {
			continue
		}

		job := models.DeliveryJob{
			InboxURL: inbox,
			Activity: activity,
			ActorID:  actor.ID,
			QueuedAt: time.Now().UTC(),
		}
		if err := d.queue.EnqueueDelivery(ctx, job); err != nil {
			return fmt.Errorf("enqueueing delivery to %s: %w", inbox, err)
		}
		enqueued++
	}

	d.logger.Debug("delivery planned",
		slog.String("actor_id", string(actor.ID)),
		slog.Int("inboxes", enqueued),
	)
	return nil
}

// isOwnFollowers reports whether target is the followers collection of the
// publishing actor.
func (d *Deliverer) isOwnFollowers(target string, actorID models.ID) bool {
	id, ok := d.addr.IsFollowersIRI(target)
	return ok && id == actorID
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("parsing URL %q: %w", rawURL, err)
	}
	return strings.ToLower(u.Host), nil
}

// NewDeliveryHandler returns the delivery worker body: sign the activity with
// the actor's key, POST it, and classify the outcome for the queue's retry
// policy.
func NewDeliveryHandler(keypairs repo.KeypairRepo, client *APClient, addr *Addr, logger *slog.Logger) func(ctx context.Context, job models.DeliveryJob) (queue.DeliveryResult, error) {
	return func(ctx context.Context, job models.DeliveryJob) (queue.DeliveryResult, error) {
		kp, err := keypairs.FindByUserID(ctx, job.ActorID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// The signing actor is gone; the job can never succeed.
				return queue.DeliveryPermanent, fmt.Errorf("signing key for actor %s not found", job.ActorID)
			}
			return queue.DeliveryTransient, fmt.Errorf("loading signing key for %s: %w", job.ActorID, err)
		}

		result, status, err := client.SignedPost(ctx, job.InboxURL, job.Activity, addr.KeyID(job.ActorID), kp.PrivatePEM)
		switch result {
		case PostOK:
			logger.Debug("activity delivered",
				slog.String("inbox_url", job.InboxURL),
				slog.Int("status", status),
			)
			return queue.DeliveryOK, nil
		case PostPermanent:
			return queue.DeliveryPermanent, err
		default:
			return queue.DeliveryTransient, err
		}
	}
}
