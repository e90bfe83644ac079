package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestCreateAndGetBody(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	id, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty stream id")
	}

	body, err := store.GetBody(ctx, id)
	if err != nil {
		t.Fatalf("get body: %v", err)
	}
	if body.Text != "" || body.Status != StatusPending {
		t.Fatalf("fresh record: text=%q status=%q", body.Text, body.Status)
	}

	// reads are idempotent
	again, err := store.GetBody(ctx, id)
	if err != nil {
		t.Fatalf("get body again: %v", err)
	}
	if again != body {
		t.Fatalf("repeated read differs: %+v vs %+v", again, body)
	}
}

func TestClaimIsSingleWriter(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	id, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	token, err := store.Claim(ctx, id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a write token")
	}

	if _, err := store.Claim(ctx, id); err != ErrAlreadyClaimed {
		t.Fatalf("second claim: expected ErrAlreadyClaimed, got %v", err)
	}

	if _, err := store.Claim(ctx, "01NOTAREALSTREAMID00000000"); err != gorm.ErrRecordNotFound {
		t.Fatalf("claim unknown: expected record not found, got %v", err)
	}
}

func TestAppendOrderAndStatus(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	id, _ := store.Create(ctx)
	token, err := store.Claim(ctx, id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	body, _ := store.GetBody(ctx, id)
	if body.Status != StatusPending {
		t.Fatalf("expected pending before first append, got %q", body.Status)
	}

	deltas := []string{"Hi", " there", "!"}
	want := ""
	for _, d := range deltas {
		if err := store.Append(ctx, id, token, d); err != nil {
			t.Fatalf("append %q: %v", d, err)
		}
		want += d
		body, err := store.GetBody(ctx, id)
		if err != nil {
			t.Fatalf("get body: %v", err)
		}
		if body.Text != want {
			t.Fatalf("body after %q: got %q want %q", d, body.Text, want)
		}
		if body.Status != StatusStreaming {
			t.Fatalf("expected streaming after append, got %q", body.Status)
		}
	}
}

func TestAppendRequiresToken(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	id, _ := store.Create(ctx)
	if _, err := store.Claim(ctx, id); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := store.Append(ctx, id, "01FORGEDWRITETOKEN00000000", "x"); err != ErrNotWriter {
		t.Fatalf("expected ErrNotWriter, got %v", err)
	}
	body, _ := store.GetBody(ctx, id)
	if body.Text != "" {
		t.Fatalf("forged append mutated body: %q", body.Text)
	}
}

func TestFinalizeFreezesState(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	id, _ := store.Create(ctx)
	token, _ := store.Claim(ctx, id)

	if err := store.Append(ctx, id, token, "partial"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Finalize(ctx, id, token, StatusStreaming); err != ErrBadOutcome {
		t.Fatalf("non-terminal finalize: expected ErrBadOutcome, got %v", err)
	}
	if err := store.Finalize(ctx, id, token, StatusDone); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// late appends from a duplicate dispatch must change nothing
	if err := store.Append(ctx, id, token, " more"); err != ErrFinalized {
		t.Fatalf("append after finalize: expected ErrFinalized, got %v", err)
	}
	if err := store.Finalize(ctx, id, token, StatusError); err != ErrFinalized {
		t.Fatalf("double finalize: expected ErrFinalized, got %v", err)
	}

	body, _ := store.GetBody(ctx, id)
	if body.Text != "partial" || body.Status != StatusDone {
		t.Fatalf("frozen record changed: text=%q status=%q", body.Text, body.Status)
	}
}

func TestExpireIdle(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	stale, _ := store.Create(ctx)
	token, _ := store.Claim(ctx, stale)
	if err := store.Append(ctx, stale, token, "orphaned"); err != nil {
		t.Fatalf("append: %v", err)
	}
	fresh, _ := store.Create(ctx)

	// age the stale writer's last append
	if err := db.Model(&Record{}).
		Where("stream_id = ?", stale).
		Update("last_chunk_at", time.Now().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("age record: %v", err)
	}

	expired, err := store.ExpireIdle(ctx, time.Minute)
	if err != nil {
		t.Fatalf("expire idle: %v", err)
	}
	if len(expired) != 1 || expired[0] != stale {
		t.Fatalf("expected only the stale stream to expire, got %v", expired)
	}

	body, _ := store.GetBody(ctx, stale)
	if body.Status != StatusTimeout || body.Text != "orphaned" {
		t.Fatalf("expired record: text=%q status=%q", body.Text, body.Status)
	}
	freshBody, _ := store.GetBody(ctx, fresh)
	if freshBody.Status != StatusPending {
		t.Fatalf("fresh record should be untouched, got %q", freshBody.Status)
	}
}
