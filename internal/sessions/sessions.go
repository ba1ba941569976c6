// Package sessions implements the Session Registry (C4): the in-process,
// sharded index of live Gateway connections that the Event Fan-Out Engine
// consults to turn a dispatch target into a set of sockets to write to.
// Every AmityVox node runs one Registry holding only the sessions connected
// to that node; cross-node fan-out happens one layer up, over NATS.
package sessions

import (
	"sync"

	"github.com/google/uuid"
)

const shardCount = 32

// Sender is the minimal interface a Gateway connection must satisfy to be
// registered. It decouples the registry from the concrete websocket
// connection type.
type Sender interface {
	// Send enqueues a dispatch payload for delivery to this connection.
	// Implementations must not block the caller on a slow client.
	Send(opcode int, eventType string, data []byte) error
}

// Session is a single registered Gateway connection.
type Session struct {
	ID     string
	UserID string
	Sender Sender
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session // session id -> session
}

// Registry indexes live sessions by session ID, user ID, and guild ID so the
// Fan-Out Engine can resolve any dispatch target in roughly constant time.
type Registry struct {
	shards [shardCount]*shard

	mu          sync.RWMutex
	byUser      map[string]map[string]struct{}  // user id -> set of session ids
	byGuild     map[string]map[string]struct{}  // guild id -> set of session ids
	guildsBySID map[string]map[string]struct{}  // session id -> set of guild ids (for unregister)
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	r := &Registry{
		byUser:      make(map[string]map[string]struct{}),
		byGuild:     make(map[string]map[string]struct{}),
		guildsBySID: make(map[string]map[string]struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

// NewSessionID mints a new session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

func (r *Registry) shardFor(sessionID string) *shard {
	var h uint32
	for i := 0; i < len(sessionID); i++ {
		h = h*31 + uint32(sessionID[i])
	}
	return r.shards[h%shardCount]
}

// Register adds a session under the given user, associating it for
// multi-device fan-out (C4's "multiple concurrent sessions per user").
func (r *Registry) Register(sessionID, userID string, sender Sender) *Session {
	sess := &Session{ID: sessionID, UserID: userID, Sender: sender}

	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	sh.sessions[sessionID] = sess
	sh.mu.Unlock()

	r.mu.Lock()
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][sessionID] = struct{}{}
	r.mu.Unlock()

	return sess
}

// Unregister removes a session and all its guild subscriptions.
func (r *Registry) Unregister(sessionID string) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	sess, ok := sh.sessions[sessionID]
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.byUser[sess.UserID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byUser, sess.UserID)
		}
	}

	for guildID := range r.guildsBySID[sessionID] {
		if set, ok := r.byGuild[guildID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(r.byGuild, guildID)
			}
		}
	}
	delete(r.guildsBySID, sessionID)
}

// Lookup returns a session by ID.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	sh := r.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[sessionID]
	return sess, ok
}

// SubscribeGuild associates a session with a guild, so that guild-targeted
// and broadcast-targeted dispatches reach it.
func (r *Registry) SubscribeGuild(sessionID, guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byGuild[guildID] == nil {
		r.byGuild[guildID] = make(map[string]struct{})
	}
	r.byGuild[guildID][sessionID] = struct{}{}

	if r.guildsBySID[sessionID] == nil {
		r.guildsBySID[sessionID] = make(map[string]struct{})
	}
	r.guildsBySID[sessionID][guildID] = struct{}{}
}

// UnsubscribeGuild removes a session's subscription to a guild.
func (r *Registry) UnsubscribeGuild(sessionID, guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.byGuild[guildID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byGuild, guildID)
		}
	}
	if set, ok := r.guildsBySID[sessionID]; ok {
		delete(set, guildID)
	}
}

// SessionsForUser returns every live session ID for a user, used to fan out
// to all of a user's connected devices.
func (r *Registry) SessionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// SessionsForGuild returns every live session ID subscribed to a guild.
func (r *Registry) SessionsForGuild(guildID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byGuild[guildID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// AllSessions returns every live session ID, used for broadcast targets.
func (r *Registry) AllSessions() []string {
	var out []string
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id := range sh.sessions {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
