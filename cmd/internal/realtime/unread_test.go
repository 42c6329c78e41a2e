package realtime

import (
	"context"
	"testing"
)

func TestUnreadAggregator_CountUnseen(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	agg := NewUnreadAggregator(store)
	ctx := context.Background()

	total, err := agg.CountUnseen(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("count with no conversations: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected 0, got %d", total)
	}

	a := mustInitConversation(t, store, testUpsert("post-a"))
	b := mustInitConversation(t, store, testUpsert("post-b"))

	// Two unseen for the buyer in a, one in b, plus the buyer's own message
	// which must not count.
	for i := 0; i < 2; i++ {
		if _, err := store.AppendMessage(ctx, a.ID, Message{AuthorID: "seller-1", Content: "ping"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.AppendMessage(ctx, b.ID, Message{AuthorID: "seller-1", Content: "ping"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendMessage(ctx, b.ID, Message{AuthorID: "buyer-1", Content: "pong"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	total, err = agg.CountUnseen(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 unseen across conversations, got %d", total)
	}

	// Reading one conversation lowers the aggregate.
	if _, err := store.MarkSeen(ctx, a.ID, "buyer-1"); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	total, err = agg.CountUnseen(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("count after read: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 after reading a, got %d", total)
	}
}
