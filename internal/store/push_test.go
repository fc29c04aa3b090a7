package store

import (
	"database/sql"
	"testing"

	"github.com/mossfell/centsible/internal/database"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestUser(t *testing.T, db *sql.DB, email string) int64 {
	t.Helper()
	result, err := db.Exec("INSERT INTO users (email) VALUES (?)", email)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	id, _ := result.LastInsertId()
	return id
}

func TestUpsertSubscription(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	ps := NewPushStore(db)

	sub, err := ps.UpsertSubscription(uid, nil, "https://push.example.com/sub1", "p256dh_key1", "auth_key1", "Chrome Desktop")
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	if sub.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if sub.Endpoint != "https://push.example.com/sub1" {
		t.Errorf("endpoint = %q, want %q", sub.Endpoint, "https://push.example.com/sub1")
	}
	if sub.FailureCount != 0 {
		t.Errorf("failure_count = %d, want 0", sub.FailureCount)
	}
}

func TestUpsertSubscriptionEndpointUnique(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	ps := NewPushStore(db)

	sub1, _ := ps.UpsertSubscription(uid, nil, "https://push.example.com/sub1", "key1", "auth1", "Device A")
	sub2, err := ps.UpsertSubscription(uid, nil, "https://push.example.com/sub1", "key2", "auth2", "Device B")
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}

	if sub2.ID != sub1.ID {
		t.Errorf("expected same ID on upsert, got %d != %d", sub2.ID, sub1.ID)
	}
	if sub2.P256dhKey != "key2" {
		t.Errorf("p256dh = %q, want %q", sub2.P256dhKey, "key2")
	}

	subs, _ := ps.ListByUser(uid)
	if len(subs) != 1 {
		t.Fatalf("expected exactly one row per endpoint, got %d", len(subs))
	}
}

func TestUpsertResetsFailureCount(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	ps := NewPushStore(db)

	sub, _ := ps.UpsertSubscription(uid, nil, "https://push.example.com/sub1", "k1", "a1", "D1")
	if _, err := ps.RecordFailure(sub.ID); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if _, err := ps.RecordFailure(sub.ID); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	// Re-registration means the browser handed out fresh key material.
	again, err := ps.UpsertSubscription(uid, nil, "https://push.example.com/sub1", "k2", "a2", "D1")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.FailureCount != 0 {
		t.Errorf("failure_count after re-register = %d, want 0", again.FailureCount)
	}
}

func TestUpsertTransfersOwnership(t *testing.T) {
	db := setupTestDB(t)
	uid1 := createTestUser(t, db, "one@example.com")
	uid2 := createTestUser(t, db, "two@example.com")
	ps := NewPushStore(db)

	ps.UpsertSubscription(uid1, nil, "https://push.example.com/shared", "k1", "a1", "D1")
	sub, err := ps.UpsertSubscription(uid2, nil, "https://push.example.com/shared", "k2", "a2", "D2")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if sub.UserID != uid2 {
		t.Errorf("user_id = %d, want %d", sub.UserID, uid2)
	}

	subs1, _ := ps.ListByUser(uid1)
	if len(subs1) != 0 {
		t.Errorf("previous owner still has %d subscriptions, want 0", len(subs1))
	}
}

func TestRecordFailureEvictsAtThreshold(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	ps := NewPushStore(db)

	sub, _ := ps.UpsertSubscription(uid, nil, "https://push.example.com/flaky", "k1", "a1", "D1")

	for i := 1; i < EvictionThreshold; i++ {
		evicted, err := ps.RecordFailure(sub.ID)
		if err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		if evicted {
			t.Fatalf("evicted after %d failures, threshold is %d", i, EvictionThreshold)
		}
	}

	evicted, err := ps.RecordFailure(sub.ID)
	if err != nil {
		t.Fatalf("record final failure: %v", err)
	}
	if !evicted {
		t.Fatal("expected eviction at threshold")
	}

	got, _ := ps.GetByID(sub.ID)
	if got != nil {
		t.Error("expected subscription to be deleted after eviction")
	}
}

func TestRecordSuccessResetsFailureCount(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	ps := NewPushStore(db)

	sub, _ := ps.UpsertSubscription(uid, nil, "https://push.example.com/recovering", "k1", "a1", "D1")

	ps.RecordFailure(sub.ID)
	ps.RecordFailure(sub.ID)

	if err := ps.RecordSuccess(sub.ID); err != nil {
		t.Fatalf("record success: %v", err)
	}

	got, _ := ps.GetByID(sub.ID)
	if got == nil {
		t.Fatal("subscription missing")
	}
	if got.FailureCount != 0 {
		t.Errorf("failure_count = %d, want 0", got.FailureCount)
	}
	if got.LastSuccessAt == nil {
		t.Error("expected last_success_at to be set")
	}

	// Counter restarted: two more failures must not evict.
	ps.RecordFailure(sub.ID)
	evicted, _ := ps.RecordFailure(sub.ID)
	if evicted {
		t.Error("evicted two failures after a success, counter did not reset")
	}
}

func TestRecordFailureOnMissingRow(t *testing.T) {
	db := setupTestDB(t)
	ps := NewPushStore(db)

	evicted, err := ps.RecordFailure(9999)
	if err != nil {
		t.Fatalf("record failure on missing row: %v", err)
	}
	if evicted {
		t.Error("missing row reported as evicted")
	}
}

func TestEvictIdempotent(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	ps := NewPushStore(db)

	sub, _ := ps.UpsertSubscription(uid, nil, "https://push.example.com/gone", "k1", "a1", "D1")

	if err := ps.Evict(sub.ID); err != nil {
		t.Fatalf("evict: %v", err)
	}
	// Second evict of the same row is a safe no-op.
	if err := ps.Evict(sub.ID); err != nil {
		t.Fatalf("second evict: %v", err)
	}
}

func TestDeleteSubscriptionOwnership(t *testing.T) {
	db := setupTestDB(t)
	uid1 := createTestUser(t, db, "one@example.com")
	uid2 := createTestUser(t, db, "two@example.com")
	ps := NewPushStore(db)

	sub, _ := ps.UpsertSubscription(uid1, nil, "https://push.example.com/1", "k1", "a1", "D1")

	// Another user cannot delete it.
	if err := ps.DeleteSubscription(sub.ID, uid2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := ps.GetByID(sub.ID); got == nil {
		t.Fatal("subscription deleted by non-owner")
	}

	if err := ps.DeleteSubscription(sub.ID, uid1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := ps.GetByID(sub.ID); got != nil {
		t.Error("subscription still present after owner delete")
	}
}

func TestDeleteByEndpoint(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	ps := NewPushStore(db)

	ps.UpsertSubscription(uid, nil, "https://push.example.com/expired", "k1", "a1", "D1")

	if err := ps.DeleteByEndpoint("https://push.example.com/expired"); err != nil {
		t.Fatalf("delete by endpoint: %v", err)
	}
	subs, _ := ps.ListByUser(uid)
	if len(subs) != 0 {
		t.Errorf("expected 0 subs, got %d", len(subs))
	}
}

func TestListSubscribedUserIDs(t *testing.T) {
	db := setupTestDB(t)
	uid1 := createTestUser(t, db, "one@example.com")
	uid2 := createTestUser(t, db, "two@example.com")
	createTestUser(t, db, "nosub@example.com")
	ps := NewPushStore(db)

	ps.UpsertSubscription(uid1, nil, "https://push.example.com/1", "k1", "a1", "D1")
	ps.UpsertSubscription(uid1, nil, "https://push.example.com/2", "k2", "a2", "D2")
	ps.UpsertSubscription(uid2, nil, "https://push.example.com/3", "k3", "a3", "D3")

	ids, err := ps.ListSubscribedUserIDs()
	if err != nil {
		t.Fatalf("list subscribed user ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want two distinct users", ids)
	}
	if ids[0] != uid1 || ids[1] != uid2 {
		t.Errorf("ids = %v, want [%d %d]", ids, uid1, uid2)
	}
}
