package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// actionOp enumerates the effects a handler can request. Handlers return a
// list of actions instead of touching the hub inline, which keeps the routing
// table and the side effects independently testable.
type actionOp uint8

const (
	opSendSelf actionOp = iota
	opSendRoom
	opSendUsers
	opSendAll
	opJoinRoom
	opDropRoom
)

// action is one delivery or membership instruction produced by a handler.
type action struct {
	op    actionOp
	room  string
	users []string
	env   v1.Envelope
}

func sendSelf(env v1.Envelope) action            { return action{op: opSendSelf, env: env} }
func sendRoom(room string, env v1.Envelope) action { return action{op: opSendRoom, room: room, env: env} }
func sendUsers(users []string, env v1.Envelope) action {
	return action{op: opSendUsers, users: users, env: env}
}
func sendAll(env v1.Envelope) action { return action{op: opSendAll, env: env} }
func joinRoom(room string) action    { return action{op: opJoinRoom, room: room} }
func dropRoom(room string) action    { return action{op: opDropRoom, room: room} }

// errBadPayload marks payload decoding/validation failures. Those get an
// error envelope back; domain failures degrade to silent no-ops for the
// client, which recovers via an explicit refetch.
var errBadPayload = errors.New("bad payload")

func badPayload(err error) error {
	return fmt.Errorf("%w: %v", errBadPayload, err)
}

// Dispatcher is the single demultiplexing entry point per live connection:
// it binds inbound event types to handlers, contains every handler failure at
// the boundary (log, leave the connection open), and guarantees that the
// presence-offline transition runs before any other disconnect cleanup.
type Dispatcher struct {
	log      *slog.Logger
	presence *PresenceRegistry
	hub      *Hub
	sessions *SessionManager
	unread   *UnreadAggregator
}

// NewDispatcher constructs a Dispatcher with injected components.
func NewDispatcher(log *slog.Logger, presence *PresenceRegistry, hub *Hub, sessions *SessionManager, unread *UnreadAggregator) *Dispatcher {
	return &Dispatcher{
		log:      log,
		presence: presence,
		hub:      hub,
		sessions: sessions,
		unread:   unread,
	}
}

// Dispatch routes one validated envelope from client and applies the
// resulting actions. A handler failure never terminates the connection or
// the process.
func (d *Dispatcher) Dispatch(ctx context.Context, client *Client, env v1.Envelope) {
	metricEvents.WithLabelValues(env.Type).Inc()

	acts, err := d.route(ctx, client, env)
	if err != nil {
		metricEventErrors.WithLabelValues(env.Type).Inc()
		d.log.Warn("dispatch.handler.fail",
			"type", env.Type, "session_id", client.SessionID, "err", err)
		if errors.Is(err, errBadPayload) {
			d.apply(client, []action{sendSelf(d.newEnvelope(v1.TypeError, v1.ErrorPayload{
				Code:    "bad_payload",
				Message: err.Error(),
			}))})
		}
		return
	}

	d.apply(client, acts)
}

// HandleDisconnect runs the disconnect path for a session. The presence
// offline transition always happens before connection cleanup, because the
// close event carries only the session handle and the user mapping is gone
// once the hub forgets the session.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, sessionID string) {
	rec, ok := d.presence.SetOffline(ctx, sessionID)
	if ok {
		d.hub.BroadcastAll(d.newEnvelope(v1.TypeUserStatusUpdate, v1.UserStatusUpdatePayload{
			UserID:     rec.UserID,
			UserStatus: rec.Status,
			LastActive: rec.LastActiveAt,
		}))
	}

	d.hub.Unregister(sessionID)
}

// route is the pure routing table: envelope type -> handler.
func (d *Dispatcher) route(ctx context.Context, client *Client, env v1.Envelope) (acts []action, err error) {
	defer func() {
		if r := recover(); r != nil {
			acts = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	switch env.Type {
	case v1.TypeUpdateUserStatus:
		return d.onUpdateUserStatus(ctx, client, env.Payload)
	case v1.TypeInitConversation:
		return d.onInitConversation(ctx, client, env.Payload)
	case v1.TypeFetchChatHistory:
		return d.onFetchChatHistory(ctx, env.Payload)
	case v1.TypeFetchChatList:
		return d.onFetchChatList(ctx, env.Payload)
	case v1.TypeSendMessage:
		return d.onSendMessage(ctx, env.Payload)
	case v1.TypeJoinConversation:
		return d.onJoinConversation(ctx, env.Payload)
	case v1.TypeMarkMessagesAsSeen:
		return d.onMarkMessagesAsSeen(ctx, env.Payload)
	case v1.TypeCountUnseenMessages:
		return d.onCountUnseenMessages(ctx, env.Payload)
	case v1.TypeDeleteConversation:
		return d.onDeleteConversation(ctx, env.Payload)
	case v1.TypeDeletePost:
		return d.onDeletePost(ctx, env.Payload)
	default:
		return nil, badPayload(fmt.Errorf("unsupported inbound type: %s", env.Type))
	}
}

// apply executes a handler's action list against the hub.
func (d *Dispatcher) apply(client *Client, acts []action) {
	for _, a := range acts {
		switch a.op {
		case opSendSelf:
			client.Enqueue(a.env)
		case opSendRoom:
			d.hub.BroadcastRoom(a.room, a.env)
		case opSendUsers:
			d.hub.BroadcastToUsers(a.users, a.env)
		case opSendAll:
			d.hub.BroadcastAll(a.env)
		case opJoinRoom:
			d.hub.Join(a.room, client.SessionID)
		case opDropRoom:
			d.hub.DropRoom(a.room)
		}
	}
}

// ---- handlers ----

func (d *Dispatcher) onUpdateUserStatus(ctx context.Context, client *Client, raw json.RawMessage) ([]action, error) {
	var p v1.UpdateUserStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badPayload(err)
	}

	var rec Presence
	switch p.UserStatus {
	case StatusOnline:
		if strings.TrimSpace(p.UserID) == "" {
			return nil, badPayload(errors.New("missing user_id"))
		}
		rec = d.presence.SetOnline(ctx, p.UserID, client.SessionID)
	case StatusOffline:
		var ok bool
		rec, ok = d.presence.SetOffline(ctx, client.SessionID)
		if !ok {
			// Unknown handle: silent no-op, no fabricated broadcast.
			return nil, nil
		}
	default:
		return nil, badPayload(fmt.Errorf("unknown user_status: %q", p.UserStatus))
	}

	return []action{sendAll(d.newEnvelope(v1.TypeUserStatusUpdate, v1.UserStatusUpdatePayload{
		UserID:     rec.UserID,
		UserStatus: rec.Status,
		LastActive: rec.LastActiveAt,
	}))}, nil
}

func (d *Dispatcher) onInitConversation(ctx context.Context, client *Client, raw json.RawMessage) ([]action, error) {
	var p v1.InitConversationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badPayload(err)
	}
	if strings.TrimSpace(p.PostID) == "" || p.PostUser.UserID == "" || p.SelfUser.UserID == "" {
		return nil, badPayload(errors.New("missing post_id or participant ids"))
	}

	conv, err := d.sessions.InitConversation(ctx, ConversationUpsert{
		PostID:    p.PostID,
		PostTopic: p.PostTopic,
		PostUser:  Participant{UserID: p.PostUser.UserID, Username: p.PostUser.Username, AvatarURL: p.PostUser.AvatarURL},
		SelfUser:  Participant{UserID: p.SelfUser.UserID, Username: p.SelfUser.Username, AvatarURL: p.SelfUser.AvatarURL},
	})
	if err != nil {
		return nil, err
	}

	return []action{
		joinRoom(conv.ID),
		sendSelf(d.newEnvelope(v1.TypeChatHistory, v1.ChatHistoryPayload{
			ConversationID: conv.ID,
			Messages:       messageViews(conv.Messages),
		})),
	}, nil
}

func (d *Dispatcher) onFetchChatHistory(ctx context.Context, raw json.RawMessage) ([]action, error) {
	var p v1.FetchChatHistoryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badPayload(err)
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		return nil, badPayload(errors.New("missing conversation_id"))
	}

	conv, err := d.sessions.convs.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}

	return []action{sendSelf(d.newEnvelope(v1.TypeChatHistory, v1.ChatHistoryPayload{
		ConversationID: conv.ID,
		Messages:       messageViews(conv.Messages),
	}))}, nil
}

func (d *Dispatcher) onFetchChatList(ctx context.Context, raw json.RawMessage) ([]action, error) {
	var p v1.FetchChatListPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badPayload(err)
	}
	if strings.TrimSpace(p.UserID) == "" {
		return nil, badPayload(errors.New("missing user_id"))
	}

	convs, err := d.sessions.convs.ListByParticipant(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	return []action{sendSelf(d.newEnvelope(v1.TypeChatList, v1.ChatListPayload{
		UserID:        p.UserID,
		Conversations: conversationViews(convs),
	}))}, nil
}

func (d *Dispatcher) onSendMessage(ctx context.Context, raw json.RawMessage) ([]action, error) {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badPayload(err)
	}
	if strings.TrimSpace(p.ConversationID) == "" || strings.TrimSpace(p.AuthorID) == "" {
		return nil, badPayload(errors.New("missing conversation_id or author_id"))
	}
	content := strings.TrimSpace(p.Content)
	if content == "" && len(p.Media) == 0 {
		return nil, badPayload(errors.New("empty message"))
	}
	if len([]rune(content)) > maxMessageChars {
		return nil, badPayload(fmt.Errorf("message too long: max=%d chars", maxMessageChars))
	}
	if len(p.Media) > maxMediaPerMessage {
		return nil, badPayload(fmt.Errorf("too many media refs: max=%d", maxMediaPerMessage))
	}

	res, err := d.sessions.AppendMessage(ctx, p.ConversationID, Message{
		AuthorID:   p.AuthorID,
		AuthorRole: p.AuthorRole,
		AuthorName: p.AuthorName,
		Content:    content,
		Media:      p.Media,
	})
	if err != nil {
		return nil, err
	}

	// Dual notification: the room broadcast only reaches sessions that
	// joined the conversation view; the per-user send reaches both
	// participants anywhere in the app (badge updates).
	return []action{
		joinRoom(res.Conversation.ID),
		sendRoom(res.Conversation.ID, d.newEnvelope(v1.TypeChatHistory, v1.ChatHistoryPayload{
			ConversationID: res.Conversation.ID,
			Messages:       messageViews(res.Conversation.Messages),
		})),
		sendUsers([]string{res.Message.AuthorID, res.ReceiverID},
			d.newEnvelope(v1.TypeNewMessage, v1.NewMessagePayload{
				ConversationID: res.Conversation.ID,
				PostID:         res.Conversation.PostID,
				Message:        messageView(res.Message),
			})),
	}, nil
}

func (d *Dispatcher) onJoinConversation(ctx context.Context, raw json.RawMessage) ([]action, error) {
	var p v1.JoinConversationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badPayload(err)
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		return nil, badPayload(errors.New("missing conversation_id"))
	}

	if _, err := d.sessions.convs.GetConversation(ctx, p.ConversationID); err != nil {
		return nil, err
	}

	return []action{joinRoom(p.ConversationID)}, nil
}

func (d *Dispatcher) onMarkMessagesAsSeen(ctx context.Context, raw json.RawMessage) ([]action, error) {
	var p v1.MarkMessagesAsSeenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badPayload(err)
	}
	if strings.TrimSpace(p.ConversationID) == "" || strings.TrimSpace(p.UserID) == "" {
		return nil, badPayload(errors.New("missing conversation_id or user_id"))
	}

	res, err := d.sessions.MarkSeen(ctx, p.ConversationID, p.UserID)
	if err != nil {
		return nil, err
	}

	return []action{sendRoom(p.ConversationID, d.newEnvelope(v1.TypeUpdateMessageStatus, v1.UpdateMessageStatusPayload{
		ConversationID: p.ConversationID,
		SeenCount:      res.Transitions,
		Messages:       messageViews(res.Conversation.Messages),
	}))}, nil
}

func (d *Dispatcher) onCountUnseenMessages(ctx context.Context, raw json.RawMessage) ([]action, error) {
	var p v1.CountUnseenMessagesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badPayload(err)
	}
	if strings.TrimSpace(p.UserID) == "" {
		return nil, badPayload(errors.New("missing user_id"))
	}

	total, err := d.unread.CountUnseen(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	return []action{sendSelf(d.newEnvelope(v1.TypeUnseenMessagesTotal, v1.UnseenMessagesTotalPayload{
		UserID: p.UserID,
		Total:  total,
	}))}, nil
}

func (d *Dispatcher) onDeleteConversation(ctx context.Context, raw json.RawMessage) ([]action, error) {
	var p v1.DeleteConversationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badPayload(err)
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		return nil, badPayload(errors.New("missing conversation_id"))
	}

	res, err := d.sessions.DeleteConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}

	return d.conversationDeletedActions(res), nil
}

func (d *Dispatcher) onDeletePost(ctx context.Context, raw json.RawMessage) ([]action, error) {
	var p v1.DeletePostPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badPayload(err)
	}
	if strings.TrimSpace(p.PostID) == "" {
		return nil, badPayload(errors.New("missing post_id"))
	}

	results, err := d.sessions.DeletePostCascade(ctx, p.PostID, p.UserID)
	if err != nil {
		return nil, err
	}

	var acts []action
	for _, res := range results {
		acts = append(acts, d.conversationDeletedActions(res)...)
	}
	acts = append(acts, sendAll(d.newEnvelope(v1.TypePostDeleted, v1.PostDeletedPayload{
		PostID: p.PostID,
	})))
	return acts, nil
}

// conversationDeletedActions tears down the room and notifies each
// participant individually with that participant's own unseen count.
func (d *Dispatcher) conversationDeletedActions(res DeleteResult) []action {
	acts := []action{dropRoom(res.ConversationID)}
	for userID, unseen := range res.UnseenByUser {
		acts = append(acts, sendUsers([]string{userID},
			d.newEnvelope(v1.TypeConversationDeleted, v1.ConversationDeletedPayload{
				ConversationID: res.ConversationID,
				PostID:         res.PostID,
				UnseenCount:    unseen,
			})))
	}
	return acts
}

// ---- envelope construction ----

func (d *Dispatcher) newEnvelope(typ string, payload any) v1.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payload types are our own structs; marshal failure is a programming
		// error worth a log line, not a dropped event.
		d.log.Error("envelope.marshal.fail", "type", typ, "err", err)
	}
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		TS:      now,
		Payload: raw,
	}
}
