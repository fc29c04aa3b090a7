package push

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/mossfell/centsible/internal/database"
	"github.com/mossfell/centsible/internal/model"
	"github.com/mossfell/centsible/internal/store"
)

// fakeSender is a scriptable transport: each endpoint can be mapped to an
// error (nil means success) and every attempt is counted.
type fakeSender struct {
	mu       sync.Mutex
	outcomes map[string]error
	attempts map[string]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		outcomes: make(map[string]error),
		attempts: make(map[string]int),
	}
}

func (f *fakeSender) Send(_ context.Context, sub *model.PushSubscription, _ Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[sub.Endpoint]++
	return f.outcomes[sub.Endpoint]
}

func (f *fakeSender) attemptCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[endpoint]
}

func (f *fakeSender) totalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.attempts {
		total += n
	}
	return total
}

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

func newTestDeliverer(transport Sender, subs *store.PushStore) *Deliverer {
	return NewDeliverer(transport, subs, DeliveryConfig{}, nil, slog.Default())
}

func TestDeliverZeroSubscriptions(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	subs := store.NewPushStore(db)
	sender := newFakeSender()
	d := newTestDeliverer(sender, subs)

	res, err := d.Deliver(context.Background(), uid, Payload{Title: "Hi", Body: "there"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Sent != 0 || res.Failed != 0 {
		t.Errorf("result = %+v, want {0 0}", res)
	}
	if sender.totalAttempts() != 0 {
		t.Errorf("transport attempts = %d, want 0", sender.totalAttempts())
	}
}

func TestDeliverFatalEvictsImmediately(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	subs := store.NewPushStore(db)

	sub, _ := subs.UpsertSubscription(uid, nil, "https://push.example.com/gone", "k1", "a1", "D1")

	sender := newFakeSender()
	sender.outcomes[sub.Endpoint] = ErrSubscriptionGone
	d := newTestDeliverer(sender, subs)

	res, err := d.Deliver(context.Background(), uid, Payload{Title: "Hi", Body: "there"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Sent != 0 || res.Failed != 1 {
		t.Errorf("result = %+v, want {0 1}", res)
	}

	// One fatal response deletes the row even at failure_count = 0.
	if got, _ := subs.GetByID(sub.ID); got != nil {
		t.Error("expected subscription to be evicted on fatal response")
	}
}

func TestDeliverTransientFailureCountsUp(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	subs := store.NewPushStore(db)

	sub, _ := subs.UpsertSubscription(uid, nil, "https://push.example.com/flaky", "k1", "a1", "D1")

	sender := newFakeSender()
	sender.outcomes[sub.Endpoint] = errors.New("push service returned 503")
	d := newTestDeliverer(sender, subs)

	// Each call makes exactly one attempt per subscription; the third
	// consecutive transient failure evicts.
	for i := 1; i <= store.EvictionThreshold; i++ {
		res, err := d.Deliver(context.Background(), uid, Payload{Title: "Hi", Body: "there"})
		if err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
		if i < store.EvictionThreshold {
			if res.Failed != 1 {
				t.Errorf("call %d: failed = %d, want 1", i, res.Failed)
			}
			if got, _ := subs.GetByID(sub.ID); got == nil {
				t.Fatalf("call %d: subscription evicted before threshold", i)
			}
		}
	}

	if got, _ := subs.GetByID(sub.ID); got != nil {
		t.Errorf("subscription still live after %d transient failures", store.EvictionThreshold)
	}
	if sender.attemptCount(sub.Endpoint) != store.EvictionThreshold {
		t.Errorf("attempts = %d, want exactly one per call", sender.attemptCount(sub.Endpoint))
	}
}

func TestDeliverSuccessResetsFailureCount(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	subs := store.NewPushStore(db)

	sub, _ := subs.UpsertSubscription(uid, nil, "https://push.example.com/recovering", "k1", "a1", "D1")
	subs.RecordFailure(sub.ID)
	subs.RecordFailure(sub.ID)

	sender := newFakeSender() // default outcome: success
	d := newTestDeliverer(sender, subs)

	res, err := d.Deliver(context.Background(), uid, Payload{Title: "Hi", Body: "there"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Sent != 1 {
		t.Errorf("sent = %d, want 1", res.Sent)
	}

	got, _ := subs.GetByID(sub.ID)
	if got == nil {
		t.Fatal("subscription missing")
	}
	if got.FailureCount != 0 {
		t.Errorf("failure_count = %d, want 0 after success", got.FailureCount)
	}
	if got.LastSuccessAt == nil {
		t.Error("expected last_success_at to be set")
	}
}

func TestDeliverOutcomesAreIndependent(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	subs := store.NewPushStore(db)

	healthy, _ := subs.UpsertSubscription(uid, nil, "https://push.example.com/healthy", "k1", "a1", "D1")
	flaky, _ := subs.UpsertSubscription(uid, nil, "https://push.example.com/flaky", "k2", "a2", "D2")
	subs.RecordFailure(flaky.ID)
	subs.RecordFailure(flaky.ID)

	sender := newFakeSender()
	sender.outcomes[flaky.Endpoint] = errors.New("push service returned 502")
	d := newTestDeliverer(sender, subs)

	res, err := d.Deliver(context.Background(), uid, Payload{Title: "Hi", Body: "there"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	// No completion-order assumption: only the aggregate counts matter.
	if res.Sent != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want {1 1}", res)
	}

	// The healthy endpoint succeeded and reset; the flaky one crossed the
	// threshold on this attempt and is gone.
	if got, _ := subs.GetByID(healthy.ID); got == nil || got.FailureCount != 0 {
		t.Errorf("healthy subscription = %+v, want live with failure_count 0", got)
	}
	if got, _ := subs.GetByID(flaky.ID); got != nil {
		t.Error("flaky subscription should have been evicted at threshold")
	}
}

func TestDeliverEmitsEvents(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	subs := store.NewPushStore(db)

	subs.UpsertSubscription(uid, nil, "https://push.example.com/ok", "k1", "a1", "D1")
	gone, _ := subs.UpsertSubscription(uid, nil, "https://push.example.com/gone", "k2", "a2", "D2")

	sender := newFakeSender()
	sender.outcomes[gone.Endpoint] = ErrSubscriptionGone

	var mu sync.Mutex
	var events []Event
	d := NewDeliverer(sender, subs, DeliveryConfig{}, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, slog.Default())

	if _, err := d.Deliver(context.Background(), uid, Payload{Title: "Hi", Body: "there", Tag: "welcome"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	kinds := map[string]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	if kinds["sent"] != 1 || kinds["evicted"] != 1 {
		t.Errorf("events = %v, want one sent and one evicted", kinds)
	}
}
