package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/driftwood-social/driftwood/internal/models"
)

// InboxEnqueuer is the queue capability the inbox handler needs.
type InboxEnqueuer interface {
	EnqueueInbox(ctx context.Context, job models.InboxJob) error
}

// InboxHandler is the HTTP receive path for peer-delivered activities:
// POST /inbox (shared) and POST /users/{id}/inbox (per-actor; semantically
// identical here). Gates run cheap-first: rate limit, then signature, then
// replay, then instance policy, and only then is the job enqueued.
type InboxHandler struct {
	guard   *ReplayGuard
	limiter *HostRateLimiter
	actors  *ActorResolver
	policy  InstancePolicy
	queue   InboxEnqueuer
	logger  *slog.Logger
}

// NewInboxHandler creates the inbox receive path.
func NewInboxHandler(guard *ReplayGuard, limiter *HostRateLimiter, actors *ActorResolver, policy InstancePolicy, enqueuer InboxEnqueuer, logger *slog.Logger) *InboxHandler {
	return &InboxHandler{
		guard:   guard,
		limiter: limiter,
		actors:  actors,
		policy:  policy,
		queue:   enqueuer,
		logger:  logger,
	}
}

// ServeHTTP handles an inbound activity POST. Drops respond 202 so peers stop
// retrying; only signature failures earn a 401 resend and rate limiting a 429.
func (h *InboxHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	activity, err := ParseActivity(body)
	if err != nil {
		h.logger.Debug("rejecting malformed activity", slog.String("error", err.Error()))
		http.Error(w, "malformed activity", http.StatusBadRequest)
		return
	}

	host, err := activity.ActorHost()
	if err != nil {
		http.Error(w, "malformed actor", http.StatusBadRequest)
		return
	}

	status, err := h.limiter.Allow(r.Context(), host)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			w.Header().Set("Retry-After", strconv.FormatInt(status.ResetInSecs, 10))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		h.logger.Error("rate limiter unavailable", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.verifySignature(r, body, activity); err != nil {
		h.logger.Info("inbox signature verification failed",
			slog.String("host", host),
			slog.String("activity_id", activity.ID),
			slog.String("error", err.Error()))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if err := h.guard.Validate(r.Context(), r.Header.Get("Date"), activity.ID); err != nil {
		switch {
		case errors.Is(err, ErrClockSkew), errors.Is(err, ErrDuplicateActivity):
			// 202 terminates peer retries; nothing is applied.
			h.logger.Debug("dropping activity at replay guard",
				slog.String("activity_id", activity.ID),
				slog.String("reason", err.Error()))
			w.WriteHeader(http.StatusAccepted)
		default:
			h.logger.Error("replay guard unavailable", slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	allowed, err := h.policy.ShouldFederate(r.Context(), host)
	if err != nil {
		h.logger.Error("federation policy unavailable", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	job := models.InboxJob{
		Activity:   activity.Raw,
		SourceHost: host,
		ReceivedAt: time.Now().UTC(),
	}
	if err := h.queue.EnqueueInbox(r.Context(), job); err != nil {
		h.logger.Error("failed to enqueue inbox job", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// verifySignature resolves the signing key to its actor and verifies the
// request, additionally requiring that the signer is the activity's actor.
func (h *InboxHandler) verifySignature(r *http.Request, body []byte, activity *Activity) error {
	keyID, err := KeyIDFromRequest(r)
	if err != nil {
		return err
	}

	actor, err := h.actors.ResolveKey(r.Context(), keyID)
	if err != nil {
		return fmt.Errorf("%w: resolving key %s: %v", ErrInvalidSignature, keyID, err)
	}
	if actor.ID != activity.Actor {
		return fmt.Errorf("%w: key owner %s does not match actor %s", ErrInvalidSignature, actor.ID, activity.Actor)
	}

	if err := VerifyRequest(r, body, actor.PublicKeyPEM); err == nil {
		return nil
	} else if !errors.Is(err, ErrInvalidSignature) {
		return err
	}

	// The stored key may be stale after a rotation: refresh once and retry.
	refreshed, err := h.actors.Refresh(r.Context(), actor.ID)
	if err != nil {
		return fmt.Errorf("%w: refreshing key owner: %v", ErrInvalidSignature, err)
	}
	return VerifyRequest(r, body, refreshed.PublicKeyPEM)
}
