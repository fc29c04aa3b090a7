package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mossfell/centsible/internal/model"
)

// NotificationLogStore appends to and reads the durable notification log.
// The log is the source of truth for the dedup guards: a `sent` row for a
// (user, type, reference) triple means that notification already went out.
type NotificationLogStore struct {
	db *sql.DB
}

func NewNotificationLogStore(db *sql.DB) *NotificationLogStore {
	return &NotificationLogStore{db: db}
}

const logCols = `id, user_id, notification_type, reference_key, title, body, status, created_at`

// Append records a delivered notification. referenceKey distinguishes
// repeated sends of the same type: a schedule slot for recurring reminders,
// a release tag for release updates, empty for one-shot welcome sends.
func (s *NotificationLogStore) Append(userID int64, notifType model.NotificationType, referenceKey, title, body, status string) error {
	_, err := s.db.Exec(
		`INSERT INTO notification_log (user_id, notification_type, reference_key, title, body, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, string(notifType), referenceKey, title, body, status,
	)
	if err != nil {
		return fmt.Errorf("append notification log: %w", err)
	}
	return nil
}

// WasSent reports whether a `sent` entry exists for the given dedup key.
func (s *NotificationLogStore) WasSent(userID int64, notifType model.NotificationType, referenceKey string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM notification_log
		 WHERE user_id = ? AND notification_type = ? AND reference_key = ? AND status = ?`,
		userID, string(notifType), referenceKey, model.NotifStatusSent,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check notification log: %w", err)
	}
	return count > 0, nil
}

// ListByUser returns a user's log entries, newest first.
func (s *NotificationLogStore) ListByUser(userID int64, limit int) ([]model.NotificationLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+logCols+` FROM notification_log WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notification log: %w", err)
	}
	defer rows.Close()
	return scanLogEntries(rows)
}

// ListOlderThan returns entries created before the cutoff, oldest first.
// The retention job exports these before pruning.
func (s *NotificationLogStore) ListOlderThan(before time.Time) ([]model.NotificationLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+logCols+` FROM notification_log WHERE created_at < ? ORDER BY created_at, id`,
		sqliteTime(before),
	)
	if err != nil {
		return nil, fmt.Errorf("list old notification log entries: %w", err)
	}
	defer rows.Close()
	return scanLogEntries(rows)
}

// DeleteOlderThan prunes entries created before the cutoff and returns the
// number of rows removed.
func (s *NotificationLogStore) DeleteOlderThan(before time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM notification_log WHERE created_at < ?`, sqliteTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune notification log: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune notification log rows affected: %w", err)
	}
	return n, nil
}

// sqliteTime renders a timestamp in the same text form datetime('now')
// produces, so range comparisons against created_at compare correctly.
func sqliteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func scanLogEntries(rows *sql.Rows) ([]model.NotificationLogEntry, error) {
	var entries []model.NotificationLogEntry
	for rows.Next() {
		var e model.NotificationLogEntry
		var notifType string
		if err := rows.Scan(&e.ID, &e.UserID, &notifType, &e.ReferenceKey, &e.Title, &e.Body, &e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification log entry: %w", err)
		}
		e.NotificationType = model.NotificationType(notifType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
