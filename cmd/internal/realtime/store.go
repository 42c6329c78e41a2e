// Package realtime contains Bazaar's conversation and presence core: the
// WebSocket gateway, connection hub, presence registry, conversation session
// manager, unread aggregation, and the persistence primitives behind them.
package realtime

import (
	"context"
	"time"
)

// Message statuses. A message is created unseen and transitions to seen
// exactly once, when the non-author reads it. Never the reverse.
const (
	MessageStatusUnseen = "unseen"
	MessageStatusSeen   = "seen"
)

// Presence statuses.
const (
	StatusOnline  = "Online"
	StatusOffline = "Offline"
)

// Participant is one side of a conversation, with display metadata cached at
// init time (the source user record may change afterwards).
type Participant struct {
	UserID    string
	Username  string
	AvatarURL string
}

// Message is one entry in a conversation's append-only sequence.
type Message struct {
	ID         string
	AuthorID   string
	AuthorRole string
	AuthorName string
	Content    string
	Media      []string
	Status     string
	CreatedAt  time.Time
}

// Conversation is the canonical persisted conversation representation.
// At most one exists per (PostID, PostUser.UserID, SelfUser.UserID).
type Conversation struct {
	ID        string
	PostID    string
	PostTopic string
	PostUser  Participant
	SelfUser  Participant
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Counterpart returns the participant other than userID. The second return
// is false when userID is not a participant at all.
func (c Conversation) Counterpart(userID string) (Participant, bool) {
	switch userID {
	case c.PostUser.UserID:
		return c.SelfUser, true
	case c.SelfUser.UserID:
		return c.PostUser, true
	default:
		return Participant{}, false
	}
}

// UnseenBy counts messages authored by someone other than userID that userID
// has not seen yet.
func (c Conversation) UnseenBy(userID string) int {
	n := 0
	for _, m := range c.Messages {
		if m.AuthorID != userID && m.Status == MessageStatusUnseen {
			n++
		}
	}
	return n
}

// MediaKeys returns every media reference attached to any message, in order,
// duplicates included. Callers deduplicate before issuing storage deletes.
func (c Conversation) MediaKeys() []string {
	var keys []string
	for _, m := range c.Messages {
		keys = append(keys, m.Media...)
	}
	return keys
}

// Post is the external referent a conversation is about. The core only reads
// it (existence check at init) and cascade-deletes it.
type Post struct {
	ID     string
	UserID string
	Topic  string
	Media  []string
}

// User is the slice of the user record the core touches: identity plus
// mirrored presence state.
type User struct {
	ID           string
	Username     string
	AvatarURL    string
	Status       string
	LastActiveAt time.Time
}

// ConversationUpsert describes an init request: the triple plus the metadata
// to cache on the record.
type ConversationUpsert struct {
	PostID    string
	PostTopic string
	PostUser  Participant
	SelfUser  Participant
	Now       time.Time
}

// MarkSeenResult is the outcome of an atomic seen transition.
type MarkSeenResult struct {
	Conversation Conversation
	// Transitions is how many messages moved unseen -> seen. Zero is a valid,
	// non-error outcome (idempotent reads).
	Transitions int
}

// ConversationStore persists conversations and their message sequences.
//
// Requirements:
//   - UpsertByTriple enforces the at-most-one-per-triple invariant atomically.
//   - AppendMessage and MarkSeen serialize per conversation id, so concurrent
//     mutations from different connections cannot lose an update.
//   - Message order is strictly insertion order.
type ConversationStore interface {
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	// UpsertByTriple returns the existing conversation for the triple with its
	// cached metadata refreshed, or creates a new one. The bool reports
	// whether a record was created.
	UpsertByTriple(ctx context.Context, in ConversationUpsert) (Conversation, bool, error)
	ListByParticipant(ctx context.Context, userID string) ([]Conversation, error)
	ListByPost(ctx context.Context, postID string) ([]Conversation, error)
	// AppendMessage appends msg with status unseen and returns the updated
	// full message sequence.
	AppendMessage(ctx context.Context, conversationID string, msg Message) ([]Message, error)
	// MarkSeen transitions every unseen message not authored by readerUserID.
	MarkSeen(ctx context.Context, conversationID, readerUserID string) (MarkSeenResult, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	Close() error
}

// PostStore reads and deletes post records.
type PostStore interface {
	GetPost(ctx context.Context, postID string) (Post, error)
	DeletePost(ctx context.Context, postID string) error
}

// UserStore mirrors presence state onto durable user records. Failures here
// are logged and swallowed by the presence registry; they never drop a
// connection event.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (User, error)
	UpdatePresence(ctx context.Context, userID, status string, lastActiveAt time.Time) error
}
