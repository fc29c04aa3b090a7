package store

import (
	"database/sql"
	"fmt"

	"github.com/mossfell/centsible/internal/model"
)

// PreferenceStore reads and writes per-user notification preferences.
// The delivery subsystem only reads; rows are created by the settings API.
type PreferenceStore struct {
	db *sql.DB
}

func NewPreferenceStore(db *sql.DB) *PreferenceStore {
	return &PreferenceStore{db: db}
}

const preferenceCols = `id, user_id, push_enabled, created_at, updated_at`

// Get returns the preference row for a user, or nil if none exists.
func (s *PreferenceStore) Get(userID int64) (*model.NotificationPreference, error) {
	var p model.NotificationPreference
	var enabledInt int
	err := s.db.QueryRow(
		`SELECT `+preferenceCols+` FROM notification_preferences WHERE user_id = ?`, userID,
	).Scan(&p.ID, &p.UserID, &enabledInt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get notification preference: %w", err)
	}
	p.PushEnabled = enabledInt != 0
	return &p, nil
}

// IsPushEnabled reports whether scheduled pushes may be sent to a user.
// A missing row means enabled: the subscription itself is the consent signal,
// so only an explicit opt-out excludes a user.
func (s *PreferenceStore) IsPushEnabled(userID int64) (bool, error) {
	var enabledInt int
	err := s.db.QueryRow(
		`SELECT push_enabled FROM notification_preferences WHERE user_id = ?`, userID,
	).Scan(&enabledInt)
	if err == sql.ErrNoRows {
		return true, nil // default-allow
	}
	if err != nil {
		return false, fmt.Errorf("check notification preference: %w", err)
	}
	return enabledInt != 0, nil
}

// Set upserts a user's preference row.
func (s *PreferenceStore) Set(userID int64, pushEnabled bool) error {
	var enabledInt int
	if pushEnabled {
		enabledInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO notification_preferences (user_id, push_enabled)
		 VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET push_enabled = excluded.push_enabled, updated_at = datetime('now')`,
		userID, enabledInt,
	)
	if err != nil {
		return fmt.Errorf("set notification preference: %w", err)
	}
	return nil
}

// ListOptedOutUserIDs returns the users with an explicit push_enabled = 0 row.
// The eligibility filter subtracts this set from the candidates so a schedule
// run costs one query instead of one per user.
func (s *PreferenceStore) ListOptedOutUserIDs() ([]int64, error) {
	rows, err := s.db.Query(`SELECT user_id FROM notification_preferences WHERE push_enabled = 0`)
	if err != nil {
		return nil, fmt.Errorf("list opted-out users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan opted-out user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
