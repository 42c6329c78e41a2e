package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is the dev/test fallback when DB is not configured. It
// implements ConversationStore, PostStore and UserStore over plain maps.
//
// Concurrency model: a single store mutex guards the maps, and every
// conversation mutation runs fully under it, so read-modify-write of a
// message sequence is serialized per store (and therefore per conversation).
type InMemoryStore struct {
	mu      sync.Mutex
	convs   map[string]*Conversation
	posts   map[string]*Post
	users   map[string]*User
	nowFunc func() time.Time
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:   make(map[string]*Conversation),
		posts:   make(map[string]*Post),
		users:   make(map[string]*User),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// ---- ConversationStore ----

// GetConversation returns a deep copy of the conversation, or ErrConversationNotFound.
func (s *InMemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return cloneConversation(*c), nil
}

// UpsertByTriple finds the conversation for (PostID, PostUser, SelfUser),
// refreshing its cached metadata, or creates a new record. The triple
// invariant holds because the lookup and the create run under one lock.
func (s *InMemoryStore) UpsertByTriple(ctx context.Context, in ConversationUpsert) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	now := in.Now
	if now.IsZero() {
		now = s.nowFunc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.convs {
		if c.PostID == in.PostID &&
			c.PostUser.UserID == in.PostUser.UserID &&
			c.SelfUser.UserID == in.SelfUser.UserID {
			c.PostTopic = in.PostTopic
			c.PostUser = in.PostUser
			c.SelfUser = in.SelfUser
			c.UpdatedAt = now
			return cloneConversation(*c), false, nil
		}
	}

	c := &Conversation{
		ID:        NewConversationID(now),
		PostID:    in.PostID,
		PostTopic: in.PostTopic,
		PostUser:  in.PostUser,
		SelfUser:  in.SelfUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[c.ID] = c
	return cloneConversation(*c), true, nil
}

// ListByParticipant returns every conversation where userID is one of the two
// sides, most recently updated first.
func (s *InMemoryStore) ListByParticipant(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Conversation
	for _, c := range s.convs {
		if c.PostUser.UserID == userID || c.SelfUser.UserID == userID {
			out = append(out, cloneConversation(*c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ListByPost returns every conversation referencing postID.
func (s *InMemoryStore) ListByPost(ctx context.Context, postID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Conversation
	for _, c := range s.convs {
		if c.PostID == postID {
			out = append(out, cloneConversation(*c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendMessage appends msg with status unseen and returns the updated full
// message sequence. The append is atomic under the store lock.
func (s *InMemoryStore) AppendMessage(ctx context.Context, conversationID string, msg Message) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := msg.CreatedAt
	if now.IsZero() {
		now = s.nowFunc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	if msg.ID == "" {
		msg.ID = NewMessageID(now)
	}
	msg.Status = MessageStatusUnseen
	msg.CreatedAt = now

	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = now

	return cloneMessages(c.Messages), nil
}

// MarkSeen transitions every unseen message not authored by readerUserID and
// returns the updated conversation plus the transition count.
func (s *InMemoryStore) MarkSeen(ctx context.Context, conversationID, readerUserID string) (MarkSeenResult, error) {
	if err := ctx.Err(); err != nil {
		return MarkSeenResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return MarkSeenResult{}, ErrConversationNotFound
	}

	transitions := 0
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.AuthorID != readerUserID && m.Status == MessageStatusUnseen {
			m.Status = MessageStatusSeen
			transitions++
		}
	}

	return MarkSeenResult{Conversation: cloneConversation(*c), Transitions: transitions}, nil
}

// DeleteConversation removes the record. Subsequent fetches return
// ErrConversationNotFound.
func (s *InMemoryStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return ErrConversationNotFound
	}
	delete(s.convs, conversationID)
	return nil
}

// ---- PostStore ----

// GetPost returns the post record, or ErrPostNotFound.
func (s *InMemoryStore) GetPost(ctx context.Context, postID string) (Post, error) {
	if err := ctx.Err(); err != nil {
		return Post{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[postID]
	if !ok {
		return Post{}, ErrPostNotFound
	}
	out := *p
	out.Media = append([]string(nil), p.Media...)
	return out, nil
}

// PutPost seeds a post record (used by fixtures and the CRUD layer).
func (s *InMemoryStore) PutPost(ctx context.Context, post Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := post
	cp.Media = append([]string(nil), post.Media...)
	s.posts[post.ID] = &cp
	return nil
}

// DeletePost removes the post record.
func (s *InMemoryStore) DeletePost(ctx context.Context, postID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.posts[postID]; !ok {
		return ErrPostNotFound
	}
	delete(s.posts, postID)
	return nil
}

// ---- UserStore ----

// GetUser returns the user record, or ErrUserNotFound.
func (s *InMemoryStore) GetUser(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *u, nil
}

// PutUser seeds a user record (used by fixtures and the CRUD layer).
func (s *InMemoryStore) PutUser(ctx context.Context, user User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := user
	s.users[user.ID] = &cp
	return nil
}

// UpdatePresence mirrors a presence transition onto the user record. Unknown
// users are created on the fly so presence mirroring never depends on the
// CRUD layer having run first.
func (s *InMemoryStore) UpdatePresence(ctx context.Context, userID, status string, lastActiveAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = &User{ID: userID}
		s.users[userID] = u
	}
	u.Status = status
	u.LastActiveAt = lastActiveAt
	return nil
}

// ---- copies ----

func cloneConversation(c Conversation) Conversation {
	c.Messages = cloneMessages(c.Messages)
	return c
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		out[i].Media = append([]string(nil), out[i].Media...)
	}
	return out
}
