package push

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mossfell/centsible/internal/model"
	"github.com/mossfell/centsible/internal/store"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Result summarizes one Deliver call: how many endpoint attempts succeeded
// and how many failed. A user with no subscriptions yields {0, 0}.
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Event is a delivery lifecycle notification for the live ops feed.
type Event struct {
	Kind     string // "sent" or "evicted"
	UserID   int64
	Endpoint string
	Tag      string
}

// DeliveryConfig tunes the delivery engine.
type DeliveryConfig struct {
	// Timeout bounds each transport attempt so a hung push service cannot
	// stall the rest of the batch.
	Timeout time.Duration
	// MaxConcurrent bounds in-flight attempts within one Deliver call.
	MaxConcurrent int
	// SendsPerSecond throttles outbound sends process-wide; 0 disables.
	SendsPerSecond int
}

func (c *DeliveryConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
}

// Deliverer sends one payload to every live subscription of a user and
// resolves the registry state transition for each attempt.
type Deliverer struct {
	transport Sender
	subs      *store.PushStore
	cfg       DeliveryConfig
	limiter   *rate.Limiter
	onEvent   func(Event)
	logger    *slog.Logger
}

// NewDeliverer creates a delivery engine. onEvent may be nil.
func NewDeliverer(transport Sender, subs *store.PushStore, cfg DeliveryConfig, onEvent func(Event), logger *slog.Logger) *Deliverer {
	cfg.applyDefaults()
	var limiter *rate.Limiter
	if cfg.SendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), cfg.SendsPerSecond)
	}
	return &Deliverer{
		transport: transport,
		subs:      subs,
		cfg:       cfg,
		limiter:   limiter,
		onEvent:   onEvent,
		logger:    logger,
	}
}

// Deliver attempts one transport send per live subscription of the user.
// Attempts are independent: one endpoint failing never aborts the others,
// and there is no retry within a single call; the failure counter and the
// next scheduled run provide retries across invocations.
func (d *Deliverer) Deliver(ctx context.Context, userID int64, payload Payload) (Result, error) {
	subs, err := d.subs.ListByUser(userID)
	if err != nil {
		return Result{}, err
	}
	if len(subs) == 0 {
		// No registered devices is a normal state, not an error.
		return Result{}, nil
	}

	var (
		mu     sync.Mutex
		result Result
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrent)
	for i := range subs {
		sub := subs[i]
		g.Go(func() error {
			sent := d.attempt(ctx, &sub, payload)
			mu.Lock()
			if sent {
				result.Sent++
			} else {
				result.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return result, nil
}

// attempt performs a single transport send and records the outcome in the
// registry. It returns true only when the payload reached the push service
// and the success was recorded.
func (d *Deliverer) attempt(ctx context.Context, sub *model.PushSubscription, payload Payload) bool {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Warn("push send cancelled before attempt", "subscription_id", sub.ID, "error", err)
			return false
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	err := d.transport.Send(attemptCtx, sub, payload)
	switch {
	case err == nil:
		if err := d.subs.RecordSuccess(sub.ID); err != nil {
			// A success we could not record is reported as a failure so
			// bookkeeping errors stay visible in the summary.
			d.logger.Error("record push success", "subscription_id", sub.ID, "error", err)
			return false
		}
		d.emit(Event{Kind: "sent", UserID: sub.UserID, Endpoint: sub.Endpoint, Tag: payload.Tag})
		return true

	case errors.Is(err, ErrSubscriptionGone):
		// The push service says this endpoint is dead; no failure budget
		// applies, it is removed immediately.
		if err := d.subs.Evict(sub.ID); err != nil {
			d.logger.Error("evict push subscription", "subscription_id", sub.ID, "error", err)
		} else {
			d.logger.Info("push subscription gone, evicted", "subscription_id", sub.ID, "user_id", sub.UserID)
			d.emit(Event{Kind: "evicted", UserID: sub.UserID, Endpoint: sub.Endpoint})
		}
		return false

	default:
		evicted, recErr := d.subs.RecordFailure(sub.ID)
		if recErr != nil {
			d.logger.Error("record push failure", "subscription_id", sub.ID, "error", recErr)
			return false
		}
		if evicted {
			d.logger.Info("push subscription evicted after repeated failures",
				"subscription_id", sub.ID, "user_id", sub.UserID, "threshold", store.EvictionThreshold)
			d.emit(Event{Kind: "evicted", UserID: sub.UserID, Endpoint: sub.Endpoint})
		} else {
			d.logger.Warn("push send failed", "subscription_id", sub.ID, "user_id", sub.UserID, "error", err)
		}
		return false
	}
}

func (d *Deliverer) emit(ev Event) {
	if d.onEvent != nil {
		d.onEvent(ev)
	}
}
