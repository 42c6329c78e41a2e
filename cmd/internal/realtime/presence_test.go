package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPresenceRegistry_OnlineOfflineRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	reg := NewPresenceRegistry(testLogger(), store)
	ctx := context.Background()

	rec := reg.SetOnline(ctx, "user-1", "sess-a")
	if rec.Status != StatusOnline || rec.UserID != "user-1" || rec.SessionID != "sess-a" {
		t.Fatalf("unexpected online record: %+v", rec)
	}
	if sess, ok := reg.SessionOf("user-1"); !ok || sess != "sess-a" {
		t.Fatalf("expected session handle sess-a, got %q ok=%v", sess, ok)
	}
	if uid, ok := reg.UserOf("sess-a"); !ok || uid != "user-1" {
		t.Fatalf("expected user-1 for sess-a, got %q ok=%v", uid, ok)
	}

	// Transition mirrors onto the user store.
	u, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Status != StatusOnline {
		t.Fatalf("expected mirrored Online, got %q", u.Status)
	}

	off, ok := reg.SetOffline(ctx, "sess-a")
	if !ok {
		t.Fatalf("expected offline transition")
	}
	if off.Status != StatusOffline || off.SessionID != "" {
		t.Fatalf("unexpected offline record: %+v", off)
	}
	if _, ok := reg.SessionOf("user-1"); ok {
		t.Fatalf("expected no session handle after offline")
	}

	u, err = store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Status != StatusOffline {
		t.Fatalf("expected mirrored Offline, got %q", u.Status)
	}
}

func TestPresenceRegistry_OfflineUnknownSessionIsNoOp(t *testing.T) {
	t.Parallel()

	reg := NewPresenceRegistry(testLogger(), nil)

	if _, ok := reg.SetOffline(context.Background(), "never-seen"); ok {
		t.Fatalf("expected no-op for unknown session handle")
	}
}

func TestPresenceRegistry_OfflineTwiceSecondIsNoOp(t *testing.T) {
	t.Parallel()

	reg := NewPresenceRegistry(testLogger(), nil)
	ctx := context.Background()

	reg.SetOnline(ctx, "user-1", "sess-a")
	if _, ok := reg.SetOffline(ctx, "sess-a"); !ok {
		t.Fatalf("first offline should transition")
	}
	if _, ok := reg.SetOffline(ctx, "sess-a"); ok {
		t.Fatalf("second offline for the same handle should be a no-op")
	}
}

func TestPresenceRegistry_ReconnectReplacesSessionHandle(t *testing.T) {
	t.Parallel()

	reg := NewPresenceRegistry(testLogger(), nil)
	ctx := context.Background()

	first := reg.SetOnline(ctx, "user-1", "sess-a")
	second := reg.SetOnline(ctx, "user-1", "sess-b")
	if second.SessionID != "sess-b" {
		t.Fatalf("expected handle replaced, got %q", second.SessionID)
	}
	if !second.LastActiveAt.Before(time.Now().Add(time.Second)) {
		t.Fatalf("unexpected LastActiveAt: %v", second.LastActiveAt)
	}
	if first.UserID != second.UserID {
		t.Fatalf("same user expected")
	}

	// The old handle no longer maps to the user.
	if _, ok := reg.UserOf("sess-a"); ok {
		t.Fatalf("stale handle should be cleared")
	}
	if sess, _ := reg.SessionOf("user-1"); sess != "sess-b" {
		t.Fatalf("expected sess-b, got %q", sess)
	}

	// Closing the stale session must not flip the user offline.
	if _, ok := reg.SetOffline(ctx, "sess-a"); ok {
		t.Fatalf("stale handle offline should be a no-op")
	}
	if rec, ok := reg.Lookup("user-1"); !ok || rec.Status != StatusOnline {
		t.Fatalf("user should remain Online after stale disconnect")
	}
}

func TestPresenceRegistry_MirrorFailureDoesNotBlockTransition(t *testing.T) {
	t.Parallel()

	reg := NewPresenceRegistry(testLogger(), failingUserStore{})
	ctx := context.Background()

	rec := reg.SetOnline(ctx, "user-1", "sess-a")
	if rec.Status != StatusOnline {
		t.Fatalf("expected in-memory transition despite mirror failure")
	}
	if _, ok := reg.SetOffline(ctx, "sess-a"); !ok {
		t.Fatalf("expected offline transition despite mirror failure")
	}
}

type failingUserStore struct{}

func (failingUserStore) GetUser(context.Context, string) (User, error) {
	return User{}, ErrUserNotFound
}

func (failingUserStore) UpdatePresence(context.Context, string, string, time.Time) error {
	return context.DeadlineExceeded
}
