package realtime

import (
	"context"
	"encoding/json"
	"testing"

	v1 "bazaar/shared/contracts/realtime/v1"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Hub, *PresenceRegistry, *InMemoryStore) {
	t.Helper()

	store := NewInMemoryStore()
	if err := store.PutPost(context.Background(), Post{
		ID: "post-1", UserID: "seller-1", Topic: "vintage bike",
	}); err != nil {
		t.Fatalf("seed post: %v", err)
	}

	log := testLogger()
	presence := NewPresenceRegistry(log, store)
	hub := NewHub(log, presence)
	sessions := NewSessionManager(log, store, store, NewInMemoryMediaStore())
	unread := NewUnreadAggregator(store)
	return NewDispatcher(log, presence, hub, sessions, unread), hub, presence, store
}

func connect(t *testing.T, hub *Hub, sessionID string) *Client {
	t.Helper()

	cl := NewClient(sessionID, 16)
	hub.Register(cl)
	return cl
}

func mustEnvelope(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return v1.Envelope{V: v1.Version, Type: typ, Payload: raw}
}

func typesOf(envs []v1.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func TestDispatcher_UpdateUserStatus_BroadcastsToAll(t *testing.T) {
	t.Parallel()

	d, hub, presence, _ := newTestDispatcher(t)
	ctx := context.Background()

	a := connect(t, hub, "sess-a")
	b := connect(t, hub, "sess-b")

	d.Dispatch(ctx, a, mustEnvelope(t, v1.TypeUpdateUserStatus, v1.UpdateUserStatusPayload{
		UserID: "user-1", UserStatus: StatusOnline,
	}))

	for _, cl := range []*Client{a, b} {
		envs := drain(cl)
		if len(envs) != 1 || envs[0].Type != v1.TypeUserStatusUpdate {
			t.Fatalf("session %s: expected one userStatusUpdate, got %v", cl.SessionID, typesOf(envs))
		}
		p := decodePayload[v1.UserStatusUpdatePayload](t, envs[0])
		if p.UserID != "user-1" || p.UserStatus != StatusOnline {
			t.Fatalf("unexpected payload: %+v", p)
		}
	}

	if rec, ok := presence.Lookup("user-1"); !ok || rec.Status != StatusOnline {
		t.Fatalf("expected user-1 Online in registry")
	}
}

func TestDispatcher_UpdateUserStatus_OfflineUnknownHandleSilent(t *testing.T) {
	t.Parallel()

	d, hub, _, _ := newTestDispatcher(t)
	a := connect(t, hub, "sess-a")

	d.Dispatch(context.Background(), a, mustEnvelope(t, v1.TypeUpdateUserStatus, v1.UpdateUserStatusPayload{
		UserStatus: StatusOffline,
	}))

	if envs := drain(a); len(envs) != 0 {
		t.Fatalf("expected no broadcast for unknown handle, got %v", typesOf(envs))
	}
}

func TestDispatcher_UnknownTypeGetsErrorEnvelope(t *testing.T) {
	t.Parallel()

	d, hub, _, _ := newTestDispatcher(t)
	a := connect(t, hub, "sess-a")

	d.Dispatch(context.Background(), a, v1.Envelope{V: v1.Version, Type: "definitelyNotAType"})

	envs := drain(a)
	if len(envs) != 1 || envs[0].Type != v1.TypeError {
		t.Fatalf("expected one error envelope, got %v", typesOf(envs))
	}
	p := decodePayload[v1.ErrorPayload](t, envs[0])
	if p.Code != "bad_payload" {
		t.Fatalf("expected code bad_payload, got %q", p.Code)
	}
}

func TestDispatcher_MalformedPayloadGetsErrorEnvelope(t *testing.T) {
	t.Parallel()

	d, hub, _, _ := newTestDispatcher(t)
	a := connect(t, hub, "sess-a")

	d.Dispatch(context.Background(), a, v1.Envelope{
		V: v1.Version, Type: v1.TypeSendMessage, Payload: json.RawMessage(`{"conversation_id": 42}`),
	})

	envs := drain(a)
	if len(envs) != 1 || envs[0].Type != v1.TypeError {
		t.Fatalf("expected one error envelope, got %v", typesOf(envs))
	}
}

func TestDispatcher_DomainNotFoundIsSilent(t *testing.T) {
	t.Parallel()

	d, hub, _, _ := newTestDispatcher(t)
	a := connect(t, hub, "sess-a")

	d.Dispatch(context.Background(), a, mustEnvelope(t, v1.TypeFetchChatHistory, v1.FetchChatHistoryPayload{
		ConversationID: "conv-missing",
	}))

	if envs := drain(a); len(envs) != 0 {
		t.Fatalf("expected silence for missing conversation, got %v", typesOf(envs))
	}
}

func TestDispatcher_HandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	log := testLogger()
	presence := NewPresenceRegistry(log, store)
	hub := NewHub(log, presence)
	// nil session manager makes any conversation handler panic on use.
	d := NewDispatcher(log, presence, hub, nil, NewUnreadAggregator(store))
	a := connect(t, hub, "sess-a")

	d.Dispatch(context.Background(), a, mustEnvelope(t, v1.TypeFetchChatHistory, v1.FetchChatHistoryPayload{
		ConversationID: "conv-1",
	}))

	// Contained: the process survived and no error envelope is sent for a
	// non-payload failure. The connection stays usable.
	if envs := drain(a); len(envs) != 0 {
		t.Fatalf("expected no envelopes after contained panic, got %v", typesOf(envs))
	}
}

func TestDispatcher_InitConversation_JoinsRoomAndReturnsHistory(t *testing.T) {
	t.Parallel()

	d, hub, _, _ := newTestDispatcher(t)
	a := connect(t, hub, "sess-a")

	d.Dispatch(context.Background(), a, mustEnvelope(t, v1.TypeInitConversation, v1.InitConversationPayload{
		PostID:   "post-1",
		PostUser: v1.ParticipantView{UserID: "seller-1", Username: "seller"},
		SelfUser: v1.ParticipantView{UserID: "buyer-1", Username: "buyer"},
	}))

	envs := drain(a)
	if len(envs) != 1 || envs[0].Type != v1.TypeChatHistory {
		t.Fatalf("expected chatHistory to self, got %v", typesOf(envs))
	}
	p := decodePayload[v1.ChatHistoryPayload](t, envs[0])
	if p.ConversationID == "" {
		t.Fatalf("expected conversation id in history payload")
	}
	if hub.RoomSize(p.ConversationID) != 1 {
		t.Fatalf("expected session joined to the conversation room")
	}
}

func TestDispatcher_SendMessage_RoomAndDirectNotifications(t *testing.T) {
	t.Parallel()

	d, hub, presence, store := newTestDispatcher(t)
	ctx := context.Background()

	conv := mustInitConversation(t, store, testUpsert("post-1"))

	author := connect(t, hub, "sess-author")
	receiver := connect(t, hub, "sess-receiver")
	bystander := connect(t, hub, "sess-bystander")

	presence.SetOnline(ctx, "buyer-1", "sess-author")
	presence.SetOnline(ctx, "seller-1", "sess-receiver")

	// Receiver viewing the conversation; author not yet in the room.
	hub.Join(conv.ID, "sess-receiver")

	d.Dispatch(ctx, author, mustEnvelope(t, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: conv.ID, AuthorID: "buyer-1", Content: "is it available?",
	}))

	authorEnvs := typesOf(drain(author))
	receiverEnvs := typesOf(drain(receiver))

	// Author is joined to the room before the room broadcast, so both sides
	// see the history refresh plus the direct notification.
	wantBoth := map[string]bool{v1.TypeChatHistory: false, v1.TypeNewMessage: false}
	for _, typ := range authorEnvs {
		wantBoth[typ] = true
	}
	if !wantBoth[v1.TypeChatHistory] || !wantBoth[v1.TypeNewMessage] {
		t.Fatalf("author: expected chatHistory and newMessage, got %v", authorEnvs)
	}
	wantBoth = map[string]bool{v1.TypeChatHistory: false, v1.TypeNewMessage: false}
	for _, typ := range receiverEnvs {
		wantBoth[typ] = true
	}
	if !wantBoth[v1.TypeChatHistory] || !wantBoth[v1.TypeNewMessage] {
		t.Fatalf("receiver: expected chatHistory and newMessage, got %v", receiverEnvs)
	}

	if envs := drain(bystander); len(envs) != 0 {
		t.Fatalf("bystander should receive nothing, got %v", typesOf(envs))
	}
}

func TestDispatcher_SendMessage_OfflineReceiverStillPersisted(t *testing.T) {
	t.Parallel()

	d, hub, presence, store := newTestDispatcher(t)
	ctx := context.Background()

	conv := mustInitConversation(t, store, testUpsert("post-1"))

	author := connect(t, hub, "sess-author")
	presence.SetOnline(ctx, "buyer-1", "sess-author")

	d.Dispatch(ctx, author, mustEnvelope(t, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: conv.ID, AuthorID: "buyer-1", Content: "anyone there?",
	}))

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected message persisted for offline receiver, got %d", len(got.Messages))
	}
	if got.UnseenBy("seller-1") != 1 {
		t.Fatalf("expected unseen waiting for the receiver")
	}
}

func TestDispatcher_SendMessage_Validation(t *testing.T) {
	t.Parallel()

	d, hub, _, store := newTestDispatcher(t)
	conv := mustInitConversation(t, store, testUpsert("post-1"))
	a := connect(t, hub, "sess-a")

	cases := []struct {
		name    string
		payload v1.SendMessagePayload
	}{
		{"empty content no media", v1.SendMessagePayload{ConversationID: conv.ID, AuthorID: "buyer-1"}},
		{"whitespace only", v1.SendMessagePayload{ConversationID: conv.ID, AuthorID: "buyer-1", Content: "   "}},
		{"missing author", v1.SendMessagePayload{ConversationID: conv.ID, Content: "hi"}},
		{"too many media", v1.SendMessagePayload{
			ConversationID: conv.ID, AuthorID: "buyer-1", Content: "pics",
			Media: make([]string, maxMediaPerMessage+1),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d.Dispatch(context.Background(), a, mustEnvelope(t, v1.TypeSendMessage, tc.payload))
			envs := drain(a)
			if len(envs) != 1 || envs[0].Type != v1.TypeError {
				t.Fatalf("expected one error envelope, got %v", typesOf(envs))
			}
		})
	}
}

func TestDispatcher_MarkMessagesAsSeen_NotifiesRoom(t *testing.T) {
	t.Parallel()

	d, hub, _, store := newTestDispatcher(t)
	ctx := context.Background()

	conv := mustInitConversation(t, store, testUpsert("post-1"))
	if _, err := store.AppendMessage(ctx, conv.ID, Message{AuthorID: "seller-1", Content: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	reader := connect(t, hub, "sess-reader")
	hub.Join(conv.ID, "sess-reader")

	d.Dispatch(ctx, reader, mustEnvelope(t, v1.TypeMarkMessagesAsSeen, v1.MarkMessagesAsSeenPayload{
		ConversationID: conv.ID, UserID: "buyer-1",
	}))

	envs := drain(reader)
	if len(envs) != 1 || envs[0].Type != v1.TypeUpdateMessageStatus {
		t.Fatalf("expected updateMessageStatus, got %v", typesOf(envs))
	}
	p := decodePayload[v1.UpdateMessageStatusPayload](t, envs[0])
	if p.SeenCount != 1 {
		t.Fatalf("expected seen_count=1, got %d", p.SeenCount)
	}
	if len(p.Messages) != 1 || p.Messages[0].Status != MessageStatusSeen {
		t.Fatalf("expected seen message in payload, got %+v", p.Messages)
	}
}

func TestDispatcher_CountUnseenMessages(t *testing.T) {
	t.Parallel()

	d, hub, _, store := newTestDispatcher(t)
	ctx := context.Background()

	conv := mustInitConversation(t, store, testUpsert("post-1"))
	if _, err := store.AppendMessage(ctx, conv.ID, Message{AuthorID: "seller-1", Content: "ping"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	a := connect(t, hub, "sess-a")
	d.Dispatch(ctx, a, mustEnvelope(t, v1.TypeCountUnseenMessages, v1.CountUnseenMessagesPayload{
		UserID: "buyer-1",
	}))

	envs := drain(a)
	if len(envs) != 1 || envs[0].Type != v1.TypeUnseenMessagesTotal {
		t.Fatalf("expected unseenMessagesTotal, got %v", typesOf(envs))
	}
	p := decodePayload[v1.UnseenMessagesTotalPayload](t, envs[0])
	if p.Total != 1 {
		t.Fatalf("expected total=1, got %d", p.Total)
	}
}

func TestDispatcher_DeleteConversation_PerParticipantNotification(t *testing.T) {
	t.Parallel()

	d, hub, presence, store := newTestDispatcher(t)
	ctx := context.Background()

	conv := mustInitConversation(t, store, testUpsert("post-1"))
	if _, err := store.AppendMessage(ctx, conv.ID, Message{AuthorID: "buyer-1", Content: "last words"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	buyer := connect(t, hub, "sess-buyer")
	seller := connect(t, hub, "sess-seller")
	presence.SetOnline(ctx, "buyer-1", "sess-buyer")
	presence.SetOnline(ctx, "seller-1", "sess-seller")
	hub.Join(conv.ID, "sess-buyer")

	d.Dispatch(ctx, buyer, mustEnvelope(t, v1.TypeDeleteConversation, v1.DeleteConversationPayload{
		ConversationID: conv.ID,
	}))

	if hub.RoomSize(conv.ID) != 0 {
		t.Fatalf("expected room dropped")
	}

	buyerEnvs := drain(buyer)
	sellerEnvs := drain(seller)
	if len(buyerEnvs) != 1 || buyerEnvs[0].Type != v1.TypeConversationDeleted {
		t.Fatalf("buyer: expected conversationDeleted, got %v", typesOf(buyerEnvs))
	}
	if len(sellerEnvs) != 1 || sellerEnvs[0].Type != v1.TypeConversationDeleted {
		t.Fatalf("seller: expected conversationDeleted, got %v", typesOf(sellerEnvs))
	}

	// Each participant gets their own unseen count: the buyer authored the
	// only message, so only the seller had it unseen.
	if p := decodePayload[v1.ConversationDeletedPayload](t, buyerEnvs[0]); p.UnseenCount != 0 {
		t.Fatalf("buyer: expected unseen_count=0, got %d", p.UnseenCount)
	}
	if p := decodePayload[v1.ConversationDeletedPayload](t, sellerEnvs[0]); p.UnseenCount != 1 {
		t.Fatalf("seller: expected unseen_count=1, got %d", p.UnseenCount)
	}
}

func TestDispatcher_DeletePost_BroadcastsToEveryone(t *testing.T) {
	t.Parallel()

	d, hub, _, store := newTestDispatcher(t)
	ctx := context.Background()

	conv := mustInitConversation(t, store, testUpsert("post-1"))

	a := connect(t, hub, "sess-a")
	browser := connect(t, hub, "sess-browser")
	hub.Join(conv.ID, "sess-a")

	d.Dispatch(ctx, a, mustEnvelope(t, v1.TypeDeletePost, v1.DeletePostPayload{
		PostID: "post-1", UserID: "seller-1",
	}))

	browserEnvs := drain(browser)
	if len(browserEnvs) != 1 || browserEnvs[0].Type != v1.TypePostDeleted {
		t.Fatalf("browsing session: expected postDeleted, got %v", typesOf(browserEnvs))
	}
	if hub.RoomSize(conv.ID) != 0 {
		t.Fatalf("expected conversation room dropped by cascade")
	}
	if _, err := store.GetConversation(ctx, conv.ID); err == nil {
		t.Fatalf("expected conversation deleted by cascade")
	}
}

func TestDispatcher_HandleDisconnect_PresenceFirst(t *testing.T) {
	t.Parallel()

	d, hub, presence, _ := newTestDispatcher(t)
	ctx := context.Background()

	leaving := connect(t, hub, "sess-leaving")
	watcher := connect(t, hub, "sess-watcher")
	presence.SetOnline(ctx, "user-1", "sess-leaving")

	d.HandleDisconnect(ctx, "sess-leaving")

	// The offline broadcast happens before the session is unregistered, so
	// the leaving session also had the envelope enqueued.
	envs := drain(watcher)
	if len(envs) != 1 || envs[0].Type != v1.TypeUserStatusUpdate {
		t.Fatalf("watcher: expected userStatusUpdate, got %v", typesOf(envs))
	}
	p := decodePayload[v1.UserStatusUpdatePayload](t, envs[0])
	if p.UserID != "user-1" || p.UserStatus != StatusOffline {
		t.Fatalf("unexpected payload: %+v", p)
	}

	if rec, ok := presence.Lookup("user-1"); !ok || rec.Status != StatusOffline {
		t.Fatalf("expected user offline in registry")
	}
	select {
	case <-leaving.Done():
	default:
		t.Fatalf("expected leaving client closed")
	}
}

func TestDispatcher_HandleDisconnect_AnonymousSession(t *testing.T) {
	t.Parallel()

	d, hub, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	anon := connect(t, hub, "sess-anon")
	watcher := connect(t, hub, "sess-watcher")

	// Never announced a user: no presence broadcast, just cleanup.
	d.HandleDisconnect(ctx, "sess-anon")

	if envs := drain(watcher); len(envs) != 0 {
		t.Fatalf("expected no broadcast for anonymous disconnect, got %v", typesOf(envs))
	}
	select {
	case <-anon.Done():
	default:
		t.Fatalf("expected anon client closed")
	}
}
