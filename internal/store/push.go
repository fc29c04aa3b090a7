package store

import (
	"database/sql"
	"fmt"

	"github.com/mossfell/centsible/internal/model"
)

// EvictionThreshold is the number of consecutive transient delivery failures
// after which a subscription is considered dead and removed. A single success
// resets the counter, so only a persistently broken endpoint reaches it.
const EvictionThreshold = 3

type PushStore struct {
	db *sql.DB
}

func NewPushStore(db *sql.DB) *PushStore {
	return &PushStore{db: db}
}

const subscriptionCols = `id, user_id, household_id, endpoint, p256dh_key, auth_key, user_agent, failure_count, last_success_at, created_at`

// UpsertSubscription registers a browser push endpoint. The endpoint is the
// natural key: re-registering an existing endpoint overwrites its key material
// and ownership instead of creating a duplicate row, and resets its failure
// count (fresh key material means the endpoint is live again).
func (s *PushStore) UpsertSubscription(userID int64, householdID *int64, endpoint, p256dh, auth, userAgent string) (*model.PushSubscription, error) {
	_, err := s.db.Exec(
		`INSERT INTO push_subscriptions (user_id, household_id, endpoint, p256dh_key, auth_key, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   user_id = excluded.user_id,
		   household_id = excluded.household_id,
		   p256dh_key = excluded.p256dh_key,
		   auth_key = excluded.auth_key,
		   user_agent = excluded.user_agent,
		   failure_count = 0`,
		userID, householdID, endpoint, p256dh, auth, userAgent,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert push subscription: %w", err)
	}
	return s.GetByEndpoint(endpoint)
}

func (s *PushStore) GetByID(id int64) (*model.PushSubscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get push subscription: %w", err)
	}
	return sub, nil
}

func (s *PushStore) GetByEndpoint(endpoint string) (*model.PushSubscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get push subscription by endpoint: %w", err)
	}
	return sub, nil
}

// ListByUser returns every live subscription for a user, one per endpoint.
func (s *PushStore) ListByUser(userID int64) ([]model.PushSubscription, error) {
	rows, err := s.db.Query(
		`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions by user: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListSubscribedUserIDs returns the distinct user IDs that currently have at
// least one live subscription. This is the candidate set for scheduled sends.
func (s *PushStore) ListSubscribedUserIDs() ([]int64, error) {
	rows, err := s.db.Query(`SELECT DISTINCT user_id FROM push_subscriptions ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list subscribed user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordSuccess resets the failure count and stamps the last successful push.
func (s *PushStore) RecordSuccess(id int64) error {
	_, err := s.db.Exec(
		`UPDATE push_subscriptions SET failure_count = 0, last_success_at = datetime('now') WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("record push success: %w", err)
	}
	return nil
}

// RecordFailure increments the consecutive failure count. When the new count
// reaches EvictionThreshold the row is deleted and evicted=true is returned.
func (s *PushStore) RecordFailure(id int64) (evicted bool, err error) {
	var count int
	err = s.db.QueryRow(
		`UPDATE push_subscriptions SET failure_count = failure_count + 1 WHERE id = ? RETURNING failure_count`,
		id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		// Already gone (concurrent unsubscribe or eviction), nothing to do.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record push failure: %w", err)
	}

	if count >= EvictionThreshold {
		if err := s.Evict(id); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Evict unconditionally deletes a subscription. Deleting a row that is
// already gone is a no-op, so concurrent evictions and unsubscribes are safe.
func (s *PushStore) Evict(id int64) error {
	_, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("evict push subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription owned by the given user. Used by
// the authenticated unsubscribe API; ownership is part of the predicate.
func (s *PushStore) DeleteSubscription(id, userID int64) error {
	_, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}

func (s *PushStore) DeleteByEndpoint(endpoint string) error {
	_, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("delete push subscription by endpoint: %w", err)
	}
	return nil
}

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	err := scanner.Scan(&sub.ID, &sub.UserID, &sub.HouseholdID, &sub.Endpoint, &sub.P256dhKey,
		&sub.AuthKey, &sub.UserAgent, &sub.FailureCount, &sub.LastSuccessAt, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}
