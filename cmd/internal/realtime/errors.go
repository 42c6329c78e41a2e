package realtime

import "errors"

// Store-level sentinels. Handlers treat NotFound as a logged early return;
// nothing in this package is fatal to the process.
var (
	ErrConversationNotFound = errors.New("realtime: conversation not found")
	ErrPostNotFound         = errors.New("realtime: post not found")
	ErrUserNotFound         = errors.New("realtime: user not found")
	ErrMediaNotFound        = errors.New("realtime: media object not found")
	ErrNotParticipant       = errors.New("realtime: user is not a conversation participant")
)
