package store

import "testing"

func TestIsPushEnabledDefaultAllow(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	prefs := NewPreferenceStore(db)

	enabled, err := prefs.IsPushEnabled(uid)
	if err != nil {
		t.Fatalf("check default: %v", err)
	}
	if !enabled {
		t.Error("expected default-allow for user without a preference row")
	}
}

func TestSetPreference(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	prefs := NewPreferenceStore(db)

	if err := prefs.Set(uid, false); err != nil {
		t.Fatalf("set preference: %v", err)
	}
	enabled, _ := prefs.IsPushEnabled(uid)
	if enabled {
		t.Error("expected disabled after opt-out")
	}

	// Upsert re-enables the same row.
	if err := prefs.Set(uid, true); err != nil {
		t.Fatalf("upsert preference: %v", err)
	}
	enabled, _ = prefs.IsPushEnabled(uid)
	if !enabled {
		t.Error("expected enabled after upsert")
	}

	p, err := prefs.Get(uid)
	if err != nil {
		t.Fatalf("get preference: %v", err)
	}
	if p == nil || !p.PushEnabled {
		t.Errorf("preference row = %+v, want push_enabled=true", p)
	}
}

func TestGetPreferenceMissing(t *testing.T) {
	db := setupTestDB(t)
	uid := createTestUser(t, db, "test@example.com")
	prefs := NewPreferenceStore(db)

	p, err := prefs.Get(uid)
	if err != nil {
		t.Fatalf("get preference: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil for missing row, got %+v", p)
	}
}

func TestListOptedOutUserIDs(t *testing.T) {
	db := setupTestDB(t)
	uid1 := createTestUser(t, db, "one@example.com")
	uid2 := createTestUser(t, db, "two@example.com")
	uid3 := createTestUser(t, db, "three@example.com")
	prefs := NewPreferenceStore(db)

	prefs.Set(uid1, false)
	prefs.Set(uid2, true)
	// uid3 has no row at all.
	_ = uid3

	out, err := prefs.ListOptedOutUserIDs()
	if err != nil {
		t.Fatalf("list opted-out: %v", err)
	}
	if len(out) != 1 || out[0] != uid1 {
		t.Errorf("opted-out = %v, want [%d]", out, uid1)
	}
}
