package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a ULID used as message id.
// ULIDs are lexicographically sortable, which keeps message ids aligned with
// insertion order in logs and store keys.
func NewMessageID(now time.Time) string {
	return newULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string {
	return newULID(now)
}

// NewConversationID returns a ULID used as conversation id.
func NewConversationID(now time.Time) string {
	return newULID(now)
}

func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// ulid.New only fails when entropy fails; fall back to random hex so
		// callers never observe an empty id.
		return NewRandomHex(13)
	}
	return id.String()
}

// NewRandomHex returns a cryptographically secure random hex string of length
// 2*nBytes. Used for websocket session ids, which are opaque handles.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
