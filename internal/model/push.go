package model

import (
	"database/sql"
	"time"
)

// NotificationType enumerates the kinds of push notifications the app sends.
// Keeping this closed prevents drift between the schedule trigger and the
// dedup checks against the notification log.
type NotificationType string

const (
	NotifTypeBudgetReminder  NotificationType = "budget_reminder"
	NotifTypeExpenseReminder NotificationType = "expense_reminder"
	NotifTypeReleaseUpdate   NotificationType = "release_update"
	NotifTypeWelcome         NotificationType = "welcome"
)

// Valid reports whether t is one of the known notification types.
func (t NotificationType) Valid() bool {
	switch t {
	case NotifTypeBudgetReminder, NotifTypeExpenseReminder, NotifTypeReleaseUpdate, NotifTypeWelcome:
		return true
	}
	return false
}

// Notification log statuses.
const (
	NotifStatusSent   = "sent"
	NotifStatusFailed = "failed"
)

type PushSubscription struct {
	ID            int64         `json:"id"`
	UserID        int64         `json:"user_id"`
	HouseholdID   sql.NullInt64 `json:"household_id,omitempty"`
	Endpoint      string        `json:"endpoint"`
	P256dhKey     string        `json:"p256dh_key"`
	AuthKey       string        `json:"auth_key"`
	UserAgent     string        `json:"user_agent"`
	FailureCount  int           `json:"failure_count"`
	LastSuccessAt *time.Time    `json:"last_success_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

type NotificationPreference struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	PushEnabled bool      `json:"push_enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NotificationLogEntry is an append-only record of a notification that was
// sent to a user. The dedup guards read it; nothing in this subsystem ever
// updates or deletes a row except the retention job.
type NotificationLogEntry struct {
	ID               int64            `json:"id"`
	UserID           int64            `json:"user_id"`
	NotificationType NotificationType `json:"notification_type"`
	ReferenceKey     string           `json:"reference_key"`
	Title            string           `json:"title"`
	Body             string           `json:"body"`
	Status           string           `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
}
