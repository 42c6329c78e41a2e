package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Presence is the in-memory presence record for one user.
// SessionID is a weak reference used for lookup/routing only; connection
// lifecycle is owned by the gateway.
type Presence struct {
	UserID       string
	Status       string
	LastActiveAt time.Time
	SessionID    string
}

// PresenceRegistry maps user identity to online/offline state and the
// session currently carrying that user. It is rebuilt from connect events;
// nothing here survives a restart.
//
// The registry optionally mirrors transitions onto a UserStore. Mirror
// failures are logged and swallowed: a broken user store must never drop a
// connection-close event (disconnects carry only the session id, so losing
// the transition would strand the user as Online).
type PresenceRegistry struct {
	log   *slog.Logger
	users UserStore

	mu        sync.RWMutex
	byUser    map[string]*Presence
	bySession map[string]string // session id -> user id
}

// NewPresenceRegistry constructs a registry. users may be nil (no mirroring).
func NewPresenceRegistry(log *slog.Logger, users UserStore) *PresenceRegistry {
	return &PresenceRegistry{
		log:       log,
		users:     users,
		byUser:    make(map[string]*Presence),
		bySession: make(map[string]string),
	}
}

// SetOnline records userID as Online on sessionID. Repeated calls for the
// same user are idempotent; a new session simply replaces the old handle.
// It returns the updated record for broadcasting.
func (p *PresenceRegistry) SetOnline(ctx context.Context, userID, sessionID string) Presence {
	now := time.Now().UTC()

	p.mu.Lock()
	rec, ok := p.byUser[userID]
	if !ok {
		rec = &Presence{UserID: userID}
		p.byUser[userID] = rec
		metricOnlineUsers.Inc()
	} else if rec.Status != StatusOnline {
		metricOnlineUsers.Inc()
	}
	if rec.SessionID != "" && rec.SessionID != sessionID {
		delete(p.bySession, rec.SessionID)
	}
	rec.Status = StatusOnline
	rec.LastActiveAt = now
	rec.SessionID = sessionID
	p.bySession[sessionID] = userID
	out := *rec
	p.mu.Unlock()

	p.mirror(ctx, userID, StatusOnline, now)
	p.log.Info("presence.online", "user_id", userID, "session_id", sessionID)
	return out
}

// SetOffline looks up the user owning sessionID and marks them Offline,
// clearing the session handle. When no user owns the handle (never
// registered, or already cleared) it is a silent no-op and the second return
// is false.
func (p *PresenceRegistry) SetOffline(ctx context.Context, sessionID string) (Presence, bool) {
	now := time.Now().UTC()

	p.mu.Lock()
	userID, ok := p.bySession[sessionID]
	if !ok {
		p.mu.Unlock()
		return Presence{}, false
	}
	delete(p.bySession, sessionID)

	rec := p.byUser[userID]
	if rec == nil {
		p.mu.Unlock()
		return Presence{}, false
	}
	if rec.Status == StatusOnline {
		metricOnlineUsers.Dec()
	}
	rec.Status = StatusOffline
	rec.LastActiveAt = now
	rec.SessionID = ""
	out := *rec
	p.mu.Unlock()

	p.mirror(ctx, userID, StatusOffline, now)
	p.log.Info("presence.offline", "user_id", userID, "session_id", sessionID)
	return out, true
}

// Lookup returns the presence record for userID.
func (p *PresenceRegistry) Lookup(userID string) (Presence, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.byUser[userID]
	if !ok {
		return Presence{}, false
	}
	return *rec, true
}

// SessionOf returns the live session handle for userID, if any. Offline users
// have no handle; events addressed to them are simply dropped.
func (p *PresenceRegistry) SessionOf(userID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.byUser[userID]
	if !ok || rec.SessionID == "" {
		return "", false
	}
	return rec.SessionID, true
}

// UserOf returns the user currently carried by sessionID, if any.
func (p *PresenceRegistry) UserOf(sessionID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	userID, ok := p.bySession[sessionID]
	return userID, ok
}

func (p *PresenceRegistry) mirror(ctx context.Context, userID, status string, at time.Time) {
	if p.users == nil {
		return
	}
	if err := p.users.UpdatePresence(ctx, userID, status, at); err != nil {
		p.log.Warn("presence.mirror.fail", "user_id", userID, "status", status, "err", err)
	}
}
