// Package v1 defines the Bazaar Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Inbound types (client -> server). Wire-stable.
const (
	// TypeUpdateUserStatus records a presence transition for the session's user.
	TypeUpdateUserStatus = "updateUserStatus"
	// TypeInitConversation bootstraps (or refreshes) a conversation about a post.
	TypeInitConversation = "initConversation"
	// TypeFetchChatHistory requests the full message sequence of a conversation.
	TypeFetchChatHistory = "fetchChatHistory"
	// TypeFetchChatList requests every conversation the user participates in.
	TypeFetchChatList = "fetchChatList"
	// TypeSendMessage appends a message to a conversation.
	TypeSendMessage = "sendMessage"
	// TypeJoinConversation adds the session to a conversation room.
	TypeJoinConversation = "joinConversation"
	// TypeMarkMessagesAsSeen transitions the other side's unseen messages to seen.
	TypeMarkMessagesAsSeen = "markMessagesAsSeen"
	// TypeCountUnseenMessages requests the user's total unseen count.
	TypeCountUnseenMessages = "countUnseenMessages"
	// TypeDeleteConversation tears down one conversation and its media.
	TypeDeleteConversation = "deleteConversation"
	// TypeDeletePost tears down a post and every conversation referencing it.
	TypeDeletePost = "deletePost"
)

// Outbound types (server -> client). Wire-stable.
const (
	TypeUserStatusUpdate    = "userStatusUpdate"
	TypeChatHistory         = "chatHistory"
	TypeChatList            = "chatList"
	TypeNewMessage          = "newMessage"
	TypeUpdateMessageStatus = "updateMessageStatus"
	TypeUnseenMessagesTotal = "unseenMessagesTotal"
	TypeConversationDeleted = "conversationDeleted"
	TypePostDeleted         = "postDeleted"
	TypeError               = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeUpdateUserStatus,
		TypeInitConversation,
		TypeFetchChatHistory,
		TypeFetchChatList,
		TypeSendMessage,
		TypeJoinConversation,
		TypeMarkMessagesAsSeen,
		TypeCountUnseenMessages,
		TypeDeleteConversation,
		TypeDeletePost,
		TypeUserStatusUpdate,
		TypeChatHistory,
		TypeChatList,
		TypeNewMessage,
		TypeUpdateMessageStatus,
		TypeUnseenMessagesTotal,
		TypeConversationDeleted,
		TypePostDeleted,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Shared views ----

// ParticipantView is the cached display metadata of one conversation side.
type ParticipantView struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// MessageView is the wire representation of one stored message.
type MessageView struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorRole string    `json:"author_role,omitempty"`
	AuthorName string    `json:"author_name,omitempty"`
	Content    string    `json:"content"`
	Media      []string  `json:"media,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConversationView is the wire representation of one conversation.
type ConversationView struct {
	ConversationID string          `json:"conversation_id"`
	PostID         string          `json:"post_id"`
	PostTopic      string          `json:"post_topic,omitempty"`
	PostUser       ParticipantView `json:"post_user"`
	SelfUser       ParticipantView `json:"self_user"`
	Messages       []MessageView   `json:"messages"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ---- Inbound payloads ----

// UpdateUserStatusPayload records the session's user as Online or Offline.
type UpdateUserStatusPayload struct {
	UserID     string `json:"user_id"`
	UserStatus string `json:"user_status"`
}

// InitConversationPayload is a find-or-update-or-create request for the
// conversation identified by (post_id, post_user.user_id, self_user.user_id).
type InitConversationPayload struct {
	PostID    string          `json:"post_id"`
	PostTopic string          `json:"post_topic,omitempty"`
	PostUser  ParticipantView `json:"post_user"`
	SelfUser  ParticipantView `json:"self_user"`
}

// FetchChatHistoryPayload requests the message sequence of one conversation.
type FetchChatHistoryPayload struct {
	ConversationID string `json:"conversation_id"`
}

// FetchChatListPayload requests every conversation of one user.
type FetchChatListPayload struct {
	UserID string `json:"user_id"`
}

// SendMessagePayload appends one message to a conversation.
type SendMessagePayload struct {
	ConversationID string   `json:"conversation_id"`
	AuthorID       string   `json:"author_id"`
	AuthorRole     string   `json:"author_role,omitempty"`
	AuthorName     string   `json:"author_name,omitempty"`
	Content        string   `json:"content"`
	Media          []string `json:"media,omitempty"`
}

// JoinConversationPayload requests room membership for the session.
type JoinConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// MarkMessagesAsSeenPayload marks the other author's messages as seen by user_id.
type MarkMessagesAsSeenPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// CountUnseenMessagesPayload requests the total unseen count for user_id.
type CountUnseenMessagesPayload struct {
	UserID string `json:"user_id"`
}

// DeleteConversationPayload tears down one conversation between two users.
type DeleteConversationPayload struct {
	ConversationID string `json:"conversation_id"`
	PostID         string `json:"post_id"`
	PostUserID     string `json:"post_user_id"`
	SelfUserID     string `json:"self_user_id"`
}

// DeletePostPayload tears down a post and cascades to its conversations.
type DeletePostPayload struct {
	PostID string `json:"post_id"`
	UserID string `json:"user_id"`
}

// ---- Outbound payloads ----

// UserStatusUpdatePayload announces a presence transition to all sessions.
type UserStatusUpdatePayload struct {
	UserID     string    `json:"user_id"`
	UserStatus string    `json:"user_status"`
	LastActive time.Time `json:"last_active"`
}

// ChatHistoryPayload carries the full, ordered message sequence.
type ChatHistoryPayload struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []MessageView `json:"messages"`
}

// ChatListPayload carries every conversation of the requesting user.
type ChatListPayload struct {
	UserID        string             `json:"user_id"`
	Conversations []ConversationView `json:"conversations"`
}

// NewMessagePayload is addressed individually to sender and receiver so
// clients outside the conversation view can update badges.
type NewMessagePayload struct {
	ConversationID string      `json:"conversation_id"`
	PostID         string      `json:"post_id"`
	Message        MessageView `json:"message"`
}

// UpdateMessageStatusPayload reports seen transitions to the room.
type UpdateMessageStatusPayload struct {
	ConversationID string        `json:"conversation_id"`
	SeenCount      int           `json:"seen_count"`
	Messages       []MessageView `json:"messages"`
}

// UnseenMessagesTotalPayload carries the user's aggregate unseen count.
type UnseenMessagesTotalPayload struct {
	UserID string `json:"user_id"`
	Total  int    `json:"total"`
}

// ConversationDeletedPayload is addressed per participant; UnseenCount is the
// number of messages that participant never saw, so badge counters can be
// decremented without a refetch.
type ConversationDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	PostID         string `json:"post_id"`
	UnseenCount    int    `json:"unseen_count"`
}

// PostDeletedPayload is broadcast to all sessions; any browsing client may be
// displaying the post.
type PostDeletedPayload struct {
	PostID string `json:"post_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
