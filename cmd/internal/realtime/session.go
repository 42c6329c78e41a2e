package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// SessionManager governs the lifecycle of conversations: init (find or
// create), message append, seen transitions, and deletion including the media
// cascade. It owns no connection state; the dispatcher turns its results into
// hub deliveries.
type SessionManager struct {
	log   *slog.Logger
	convs ConversationStore
	posts PostStore
	media MediaStore
}

// NewSessionManager constructs a SessionManager with injected collaborators.
func NewSessionManager(log *slog.Logger, convs ConversationStore, posts PostStore, media MediaStore) *SessionManager {
	return &SessionManager{log: log, convs: convs, posts: posts, media: media}
}

// InitConversation transitions a conversation NonExistent -> Active, or
// refreshes the cached metadata of an existing one. Exactly one conversation
// exists per (postID, postUser, selfUser) triple afterwards.
// Returns ErrPostNotFound when the referenced post no longer exists.
func (m *SessionManager) InitConversation(ctx context.Context, in ConversationUpsert) (Conversation, error) {
	if _, err := m.posts.GetPost(ctx, in.PostID); err != nil {
		return Conversation{}, fmt.Errorf("init conversation: %w", err)
	}

	conv, created, err := m.convs.UpsertByTriple(ctx, in)
	if err != nil {
		return Conversation{}, fmt.Errorf("init conversation: %w", err)
	}

	if created {
		m.log.Info("conversation.create",
			"conversation_id", conv.ID, "post_id", conv.PostID,
			"post_user_id", conv.PostUser.UserID, "self_user_id", conv.SelfUser.UserID)
	} else {
		m.log.Info("conversation.refresh", "conversation_id", conv.ID)
	}
	return conv, nil
}

// AppendResult carries everything the dispatcher needs to fan out one append:
// the stored message, the updated full sequence for the room broadcast, and
// both participant identities for the directly-addressed notifications.
type AppendResult struct {
	Conversation Conversation
	Message      Message
	// ReceiverID is the participant other than the author.
	ReceiverID string
}

// AppendMessage validates the author against the conversation, appends the
// message with status unseen, and returns the updated state. The store
// serializes appends per conversation id, so concurrent sends from both
// participants cannot lose a message.
func (m *SessionManager) AppendMessage(ctx context.Context, conversationID string, msg Message) (AppendResult, error) {
	conv, err := m.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append message: %w", err)
	}

	counterpart, ok := conv.Counterpart(msg.AuthorID)
	if !ok {
		return AppendResult{}, ErrNotParticipant
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ID == "" {
		msg.ID = NewMessageID(msg.CreatedAt)
	}

	seq, err := m.convs.AppendMessage(ctx, conversationID, msg)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append message: %w", err)
	}

	conv.Messages = seq
	stored := seq[len(seq)-1]

	m.log.Info("conversation.message.append",
		"conversation_id", conversationID, "message_id", stored.ID,
		"author_id", stored.AuthorID, "media", len(stored.Media))

	return AppendResult{
		Conversation: conv,
		Message:      stored,
		ReceiverID:   counterpart.UserID,
	}, nil
}

// MarkSeen transitions every unseen message authored by someone other than
// readerUserID. Zero transitions is a valid, non-error outcome; calling it
// twice in a row yields zero the second time.
func (m *SessionManager) MarkSeen(ctx context.Context, conversationID, readerUserID string) (MarkSeenResult, error) {
	res, err := m.convs.MarkSeen(ctx, conversationID, readerUserID)
	if err != nil {
		return MarkSeenResult{}, fmt.Errorf("mark seen: %w", err)
	}

	if res.Transitions > 0 {
		m.log.Info("conversation.seen",
			"conversation_id", conversationID, "reader_id", readerUserID,
			"transitions", res.Transitions)
	}
	return res, nil
}

// DeleteResult reports a completed teardown: per-participant unseen counts
// (for badge decrements on the receiving clients) and how many distinct media
// objects were issued a delete.
type DeleteResult struct {
	ConversationID string
	PostID         string
	// UnseenByUser maps each participant id to the count of messages that
	// participant had not seen at deletion time.
	UnseenByUser map[string]int
	MediaDeleted int
}

// DeleteConversation transitions Active -> Deleted: computes per-participant
// unseen counts, deletes every distinct media object (best-effort, parallel),
// then removes the record. Media failures are logged and do not block record
// deletion.
func (m *SessionManager) DeleteConversation(ctx context.Context, conversationID string) (DeleteResult, error) {
	conv, err := m.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete conversation: %w", err)
	}

	unseen := map[string]int{
		conv.PostUser.UserID: conv.UnseenBy(conv.PostUser.UserID),
		conv.SelfUser.UserID: conv.UnseenBy(conv.SelfUser.UserID),
	}

	keys := lo.Uniq(conv.MediaKeys())
	m.deleteMedia(ctx, conversationID, keys)

	if err := m.convs.DeleteConversation(ctx, conversationID); err != nil {
		return DeleteResult{}, fmt.Errorf("delete conversation: %w", err)
	}

	m.log.Info("conversation.delete",
		"conversation_id", conversationID, "post_id", conv.PostID, "media", len(keys))

	return DeleteResult{
		ConversationID: conversationID,
		PostID:         conv.PostID,
		UnseenByUser:   unseen,
		MediaDeleted:   len(keys),
	}, nil
}

// DeletePostCascade deletes the post's own media and record, then tears down
// every conversation referencing the post. Individual conversation teardowns
// are isolated: one failure is logged and the cascade continues.
func (m *SessionManager) DeletePostCascade(ctx context.Context, postID, deletingUserID string) ([]DeleteResult, error) {
	post, err := m.posts.GetPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("delete post: %w", err)
	}

	m.deleteMedia(ctx, "", lo.Uniq(post.Media))

	convs, err := m.convs.ListByPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("delete post: %w", err)
	}

	results := make([]DeleteResult, 0, len(convs))
	for _, c := range convs {
		res, err := m.DeleteConversation(ctx, c.ID)
		if err != nil {
			m.log.Warn("post.delete.conversation.fail",
				"post_id", postID, "conversation_id", c.ID, "err", err)
			continue
		}
		results = append(results, res)
	}

	if err := m.posts.DeletePost(ctx, postID); err != nil {
		return nil, fmt.Errorf("delete post: %w", err)
	}

	m.log.Info("post.delete",
		"post_id", postID, "user_id", deletingUserID, "conversations", len(results))
	return results, nil
}

// deleteMedia fans deletions out in parallel and waits for all of them.
// Failures leave orphaned objects; they are counted and logged, never fatal.
func (m *SessionManager) deleteMedia(ctx context.Context, conversationID string, keys []string) {
	if m.media == nil || len(keys) == 0 {
		return
	}

	var g errgroup.Group
	for _, key := range keys {
		g.Go(func() error {
			if err := m.media.Delete(ctx, key); err != nil {
				metricMediaDeleteFailures.Inc()
				m.log.Warn("media.delete.fail",
					"conversation_id", conversationID, "key", key, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
