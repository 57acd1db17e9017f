// Package billing turns billing provider events into local records and jobs.
package billing

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/engine"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
)

const (
	SubscriptionUpdated = "subscription.updated"
	SubscriptionDeleted = "subscription.deleted"
	PriceUpdated        = "price.updated"
)

// ErrMalformed marks an event that can never be handled. It is skipped.
var ErrMalformed = errors.New("malformed billing event")

type Event struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Subscription *domain.Subscription `json:"subscription,omitempty"`
	Price        *domain.Price        `json:"price,omitempty"`
}

type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub domain.Subscription) error
}

// Enqueuer schedules jobs. *engine.Engine implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, t domain.JobType, payload string, opts ...engine.EnqueueOption) (domain.Job, error)
}

type Handler struct {
	subs SubscriptionStore
	jobs Enqueuer
	log  *zap.Logger
}

func NewHandler(subs SubscriptionStore, jobs Enqueuer, log *zap.Logger) *Handler {
	return &Handler{subs: subs, jobs: jobs, log: logging.OrNop(log).With(zap.String("component", "billing"))}
}

// Decode parses one event. Errors wrap ErrMalformed.
func Decode(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, errors.Wrapf(ErrMalformed, "decode: %v", err)
	}
	switch {
	case strings.HasPrefix(ev.Type, "subscription."):
		if ev.Subscription == nil || ev.Subscription.ID == "" {
			return Event{}, errors.Wrapf(ErrMalformed, "%s without subscription id", ev.Type)
		}
	case ev.Type == PriceUpdated:
		if ev.Price == nil || ev.Price.ID == "" {
			return Event{}, errors.Wrapf(ErrMalformed, "%s without price id", ev.Type)
		}
	}
	return ev, nil
}

// Handle applies one event: subscription events update the local record and
// queue a sync, price events queue a price mirror. Unknown types are ignored.
func (h *Handler) Handle(ctx context.Context, ev Event) error {
	switch ev.Type {
	case SubscriptionUpdated, SubscriptionDeleted:
		sub := *ev.Subscription
		if ev.Type == SubscriptionDeleted {
			sub.Status = "canceled"
		}
		if err := h.subs.UpsertSubscription(ctx, sub); err != nil {
			return errors.Wrapf(err, "store subscription %s", sub.ID)
		}
		if _, err := h.jobs.Enqueue(ctx, domain.SyncSubscription, sub.ID); err != nil {
			return errors.Wrapf(err, "enqueue sync for %s", sub.ID)
		}
		h.log.Info("subscription event applied",
			zap.String("event", ev.ID),
			zap.String("type", ev.Type),
			zap.String("subscription", sub.ID),
			zap.String("status", sub.Status))
	case PriceUpdated:
		payload, err := json.Marshal(ev.Price)
		if err != nil {
			return errors.Wrapf(ErrMalformed, "encode price: %v", err)
		}
		if _, err := h.jobs.Enqueue(ctx, domain.PriceSync, string(payload)); err != nil {
			return errors.Wrapf(err, "enqueue price sync for %s", ev.Price.ID)
		}
		h.log.Info("price event applied", zap.String("event", ev.ID), zap.String("price", ev.Price.ID))
	default:
		h.log.Debug("ignoring billing event", zap.String("event", ev.ID), zap.String("type", ev.Type))
	}
	return nil
}
