package push

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mossfell/centsible/internal/model"
	"github.com/mossfell/centsible/internal/store"
)

// OneShotResult reports the outcome of a one-shot send request.
type OneShotResult struct {
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed,omitempty"`
	Skipped bool `json:"skipped,omitempty"`
}

// OneShotNotifier sends a notification type to a user at most once. The
// notification log is the durable guard: a `sent` entry short-circuits the
// request with no transport attempts. A user who had zero subscriptions at
// send time never acquires a log entry, so they are correctly re-targeted
// once a device registers.
type OneShotNotifier struct {
	deliverer *Deliverer
	logs      *store.NotificationLogStore
	logger    *slog.Logger
}

func NewOneShotNotifier(deliverer *Deliverer, logs *store.NotificationLogStore, logger *slog.Logger) *OneShotNotifier {
	return &OneShotNotifier{deliverer: deliverer, logs: logs, logger: logger}
}

// Send delivers the payload once per (user, type, referenceKey).
func (n *OneShotNotifier) Send(ctx context.Context, userID int64, notifType model.NotificationType, referenceKey string, payload Payload) (OneShotResult, error) {
	already, err := n.logs.WasSent(userID, notifType, referenceKey)
	if err != nil {
		return OneShotResult{}, fmt.Errorf("check notification log: %w", err)
	}
	if already {
		n.logger.Debug("one-shot already sent, skipping", "user_id", userID, "type", string(notifType))
		return OneShotResult{Skipped: true}, nil
	}

	res, err := n.deliverer.Deliver(ctx, userID, payload)
	if err != nil {
		return OneShotResult{}, fmt.Errorf("deliver %s: %w", notifType, err)
	}

	if res.Sent > 0 {
		if err := n.logs.Append(userID, notifType, referenceKey, payload.Title, payload.Body, model.NotifStatusSent); err != nil {
			return OneShotResult{Sent: res.Sent, Failed: res.Failed}, fmt.Errorf("append notification log: %w", err)
		}
	}
	return OneShotResult{Sent: res.Sent, Failed: res.Failed}, nil
}

// SendWelcome sends the registration welcome notification.
func (n *OneShotNotifier) SendWelcome(ctx context.Context, userID int64) (OneShotResult, error) {
	return n.Send(ctx, userID, model.NotifTypeWelcome, "", Payload{
		Title: "Welcome to Centsible!",
		Body:  "Push notifications are set up. We'll nudge you about budgets and expenses here.",
		Tag:   "welcome",
	})
}
