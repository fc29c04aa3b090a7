package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mossfell/centsible/internal/model"
	"github.com/mossfell/centsible/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Evaluator produces the payload for one recurring notification type for one
// user, or nil when there is nothing to say. The budget and expense reminder
// generators are external collaborators that plug in here; none ship with
// this subsystem.
type Evaluator interface {
	Type() model.NotificationType
	Evaluate(ctx context.Context, userID int64) (*Payload, error)
}

// Summary is the outcome of one trigger run or broadcast.
type Summary struct {
	RunID           string `json:"run_id"`
	Slot            string `json:"slot,omitempty"`
	SubscribedUsers int    `json:"subscribed_users"`
	EligibleUsers   int    `json:"eligible_users"`
	Sent            int    `json:"sent"`
	Failed          int    `json:"failed"`
}

// Trigger is the periodic entry point for scheduled sends. It computes the
// current schedule slot, resolves the audience, and fans deliveries out to
// the delivery engine with bounded concurrency. The external timer may fire
// it as often as it likes: every send is deduped through the notification
// log, keyed per (user, type, slot).
type Trigger struct {
	subs       *store.PushStore
	filter     *EligibilityFilter
	deliverer  *Deliverer
	logs       *store.NotificationLogStore
	evaluators []Evaluator
	loc        *time.Location
	fanout     int
	logger     *slog.Logger
}

func NewTrigger(subs *store.PushStore, filter *EligibilityFilter, deliverer *Deliverer, logs *store.NotificationLogStore, loc *time.Location, fanout int, logger *slog.Logger) *Trigger {
	if fanout <= 0 {
		fanout = 8
	}
	return &Trigger{
		subs:      subs,
		filter:    filter,
		deliverer: deliverer,
		logs:      logs,
		loc:       loc,
		fanout:    fanout,
		logger:    logger,
	}
}

// Register adds a content evaluator for a recurring notification type.
func (t *Trigger) Register(ev Evaluator) {
	t.evaluators = append(t.evaluators, ev)
}

// Run executes one scheduled pass: slot, audience, then one evaluated send
// per (eligible user, evaluator). A failure to resolve the audience aborts
// the run; everything after that is recovered per user.
func (t *Trigger) Run(ctx context.Context) (Summary, error) {
	summary := Summary{
		RunID: uuid.NewString(),
		Slot:  SlotKey(time.Now().In(t.loc)),
	}

	candidates, err := t.subs.ListSubscribedUserIDs()
	if err != nil {
		return Summary{}, fmt.Errorf("resolve candidates: %w", err)
	}
	summary.SubscribedUsers = len(candidates)

	eligible, err := t.filter.EligibleUsers(candidates)
	if err != nil {
		return Summary{}, fmt.Errorf("resolve eligible users: %w", err)
	}
	summary.EligibleUsers = len(eligible)

	for _, ev := range t.evaluators {
		sent, failed := t.fanOut(ctx, eligible, ev.Type(), summary.Slot, func(ctx context.Context, userID int64) (*Payload, error) {
			return ev.Evaluate(ctx, userID)
		})
		summary.Sent += sent
		summary.Failed += failed
	}

	t.logger.Info("trigger run complete",
		"run_id", summary.RunID,
		"slot", summary.Slot,
		"subscribed_users", summary.SubscribedUsers,
		"eligible_users", summary.EligibleUsers,
		"sent", summary.Sent,
		"failed", summary.Failed,
	)
	return summary, nil
}

// Broadcast sends one fixed payload of the given type to every eligible
// subscribed user, at most once per (user, referenceKey). Used for one-shot
// announcements such as release updates, where referenceKey is the release
// tag.
func (t *Trigger) Broadcast(ctx context.Context, notifType model.NotificationType, referenceKey string, payload Payload) (Summary, error) {
	summary := Summary{RunID: uuid.NewString()}

	candidates, err := t.subs.ListSubscribedUserIDs()
	if err != nil {
		return Summary{}, fmt.Errorf("resolve candidates: %w", err)
	}
	summary.SubscribedUsers = len(candidates)

	eligible, err := t.filter.EligibleUsers(candidates)
	if err != nil {
		return Summary{}, fmt.Errorf("resolve eligible users: %w", err)
	}
	summary.EligibleUsers = len(eligible)

	summary.Sent, summary.Failed = t.fanOut(ctx, eligible, notifType, referenceKey, func(context.Context, int64) (*Payload, error) {
		p := payload
		return &p, nil
	})

	t.logger.Info("broadcast complete",
		"run_id", summary.RunID,
		"type", string(notifType),
		"reference", referenceKey,
		"eligible_users", summary.EligibleUsers,
		"sent", summary.Sent,
		"failed", summary.Failed,
	)
	return summary, nil
}

// fanOut delivers to each user with bounded concurrency. Per-user errors are
// logged and counted, never propagated: one user's broken endpoint must not
// starve the rest of the audience.
func (t *Trigger) fanOut(ctx context.Context, userIDs []int64, notifType model.NotificationType, referenceKey string, payloadFor func(context.Context, int64) (*Payload, error)) (sent, failed int) {
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.fanout)
	for _, userID := range userIDs {
		g.Go(func() error {
			s, f := t.sendOne(ctx, userID, notifType, referenceKey, payloadFor)
			mu.Lock()
			sent += s
			failed += f
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return sent, failed
}

func (t *Trigger) sendOne(ctx context.Context, userID int64, notifType model.NotificationType, referenceKey string, payloadFor func(context.Context, int64) (*Payload, error)) (sent, failed int) {
	already, err := t.logs.WasSent(userID, notifType, referenceKey)
	if err != nil {
		t.logger.Error("dedup check failed", "user_id", userID, "type", string(notifType), "error", err)
		return 0, 0
	}
	if already {
		return 0, 0
	}

	payload, err := payloadFor(ctx, userID)
	if err != nil {
		t.logger.Error("evaluate notification", "user_id", userID, "type", string(notifType), "error", err)
		return 0, 0
	}
	if payload == nil {
		return 0, 0
	}

	res, err := t.deliverer.Deliver(ctx, userID, *payload)
	if err != nil {
		t.logger.Error("deliver notification", "user_id", userID, "type", string(notifType), "error", err)
		return 0, 0
	}

	if res.Sent > 0 {
		if err := t.logs.Append(userID, notifType, referenceKey, payload.Title, payload.Body, model.NotifStatusSent); err != nil {
			t.logger.Error("append notification log", "user_id", userID, "type", string(notifType), "error", err)
		}
	}
	return res.Sent, res.Failed
}
