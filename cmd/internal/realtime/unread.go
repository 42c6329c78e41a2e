package realtime

import (
	"context"
	"fmt"
)

// UnreadAggregator computes unseen-message totals per user.
//
// It is a stateless pass over the conversation store, no caching: per-user
// conversation volume is small and correctness beats latency here (a stale
// badge is worse than a slow one).
type UnreadAggregator struct {
	convs ConversationStore
}

// NewUnreadAggregator constructs an aggregator over the given store.
func NewUnreadAggregator(convs ConversationStore) *UnreadAggregator {
	return &UnreadAggregator{convs: convs}
}

// CountUnseen sums, over every conversation containing userID, the messages
// authored by someone other than userID with status unseen.
func (a *UnreadAggregator) CountUnseen(ctx context.Context, userID string) (int, error) {
	convs, err := a.convs.ListByParticipant(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count unseen: %w", err)
	}

	total := 0
	for _, c := range convs {
		total += c.UnseenBy(userID)
	}
	return total, nil
}
