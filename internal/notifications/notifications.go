// Package notifications persists server-generated notifications, streams them
// to their recipient over the event bus, and — when VAPID keys are configured
// — delivers web-push payloads to the recipient's registered browsers.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/oklog/ulid/v2"

	"github.com/driftwood-social/driftwood/internal/events"
	"github.com/driftwood-social/driftwood/internal/models"
	"github.com/driftwood-social/driftwood/internal/repo"
)

// pushTimeout bounds one web-push fan-out round.
const pushTimeout = 30 * time.Second

// Service creates and fans out notifications.
type Service struct {
	repo   repo.NotificationRepo
	bus    *events.Bus
	logger *slog.Logger

	vapidPublicKey  string
	vapidPrivateKey string
	vapidContact    string
}

// Config holds the configuration for the notification service. Web push is
// disabled when the VAPID keys are empty.
type Config struct {
	Repo              repo.NotificationRepo
	Bus               *events.Bus
	VAPIDPublicKey    string
	VAPIDPrivateKey   string
	VAPIDContactEmail string
	Logger            *slog.Logger
}

// NewService creates a notification service.
func NewService(cfg Config) *Service {
	return &Service{
		repo:            cfg.Repo,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		vapidPublicKey:  cfg.VAPIDPublicKey,
		vapidPrivateKey: cfg.VAPIDPrivateKey,
		vapidContact:    cfg.VAPIDContactEmail,
	}
}

// Notify persists a notification, publishes it on the recipient's user
// channel, and pushes it to registered browsers. Push failures are logged,
// never propagated: the row is the durable record.
func (s *Service) Notify(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}

	if err := s.repo.Create(ctx, n); err != nil {
		return fmt.Errorf("storing notification: %w", err)
	}

	if err := s.bus.Publish(ctx, events.UserChannel(string(n.UserID)), events.TypeNotification, n); err != nil {
		s.logger.Error("failed to publish notification event",
			slog.String("user_id", string(n.UserID)),
			slog.String("error", err.Error()))
	}

	if s.vapidPublicKey != "" && s.vapidPrivateKey != "" {
		go s.push(n)
	}
	return nil
}

// MarkRead marks a notification as read.
func (s *Service) MarkRead(ctx context.Context, userID models.ID, notificationID string) error {
	return s.repo.MarkRead(ctx, userID, notificationID)
}

// List returns a page of a user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID models.ID, untilID string, limit int) ([]*models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 40
	}
	return s.repo.List(ctx, userID, untilID, limit)
}

// push delivers a web-push payload to every subscription of the recipient.
func (s *Service) push(n *models.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	subs, err := s.repo.ListPushSubscriptions(ctx, n.UserID)
	if err != nil {
		s.logger.Warn("failed to list push subscriptions",
			slog.String("user_id", string(n.UserID)),
			slog.String("error", err.Error()))
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      s.vapidContact,
			VAPIDPublicKey:  s.vapidPublicKey,
			VAPIDPrivateKey: s.vapidPrivateKey,
			TTL:             3600,
		})
		if err != nil {
			s.logger.Debug("web push failed",
				slog.String("endpoint", sub.Endpoint),
				slog.String("error", err.Error()))
			continue
		}
		resp.Body.Close()
	}
}
