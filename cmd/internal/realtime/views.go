package realtime

import (
	"github.com/samber/lo"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// Wire conversions. Storage types stay free of JSON tags; the contract
// package owns the wire shapes.

func participantView(p Participant) v1.ParticipantView {
	return v1.ParticipantView{
		UserID:    p.UserID,
		Username:  p.Username,
		AvatarURL: p.AvatarURL,
	}
}

func messageView(m Message) v1.MessageView {
	return v1.MessageView{
		ID:         m.ID,
		AuthorID:   m.AuthorID,
		AuthorRole: m.AuthorRole,
		AuthorName: m.AuthorName,
		Content:    m.Content,
		Media:      m.Media,
		Status:     m.Status,
		CreatedAt:  m.CreatedAt,
	}
}

func messageViews(msgs []Message) []v1.MessageView {
	return lo.Map(msgs, func(m Message, _ int) v1.MessageView { return messageView(m) })
}

func conversationView(c Conversation) v1.ConversationView {
	return v1.ConversationView{
		ConversationID: c.ID,
		PostID:         c.PostID,
		PostTopic:      c.PostTopic,
		PostUser:       participantView(c.PostUser),
		SelfUser:       participantView(c.SelfUser),
		Messages:       messageViews(c.Messages),
		CreatedAt:      c.CreatedAt,
	}
}

func conversationViews(convs []Conversation) []v1.ConversationView {
	return lo.Map(convs, func(c Conversation, _ int) v1.ConversationView { return conversationView(c) })
}
