// Package fanout implements the Event Fan-Out Engine (C5): it turns a
// domain event plus a target descriptor into per-session dispatch opcode 0
// (Dispatch) writes, filtering out sessions that lack permission to see the
// event and buffering a sequence-numbered copy for each session so it can
// be replayed on Gateway resume.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/amityvox/amityvox/internal/permissions"
	"github.com/amityvox/amityvox/internal/sessions"
)

// TargetType identifies how a dispatch target resolves to a set of sessions.
type TargetType int

const (
	ToUser TargetType = iota
	ToChannel
	ToGuild
	Broadcast
)

// Target describes who an event should be delivered to.
type Target struct {
	Type TargetType
	ID   string // user ID, channel ID, or guild ID; ignored for Broadcast
}

// Event is the payload to dispatch. GuildID and ChannelID, when set, gate
// delivery on the recipient's effective permissions for that channel.
type Event struct {
	Type      string
	GuildID   string
	ChannelID string
	Data      json.RawMessage
}

// PermissionResolver resolves a user's effective permissions for a channel,
// used to silently drop events a session's user can no longer see (e.g. a
// channel overwrite change, a kick).
type PermissionResolver interface {
	ChannelPermissions(ctx context.Context, userID, channelID string) (uint64, error)
}

// ChannelGuildResolver resolves a channel id to its owning guild id. The
// Session Registry only indexes sessions by guild subscription, so a
// ToChannel target is fanned out to the channel's guild subscribers, then
// narrowed by the per-channel permission filter in Dispatch. A
// PermissionResolver that doesn't implement this leaves ToChannel targets
// resolving to no recipients.
type ChannelGuildResolver interface {
	ChannelGuildID(ctx context.Context, channelID string) (string, error)
}

// Buffer persists a copy of each delivered event per session for resume.
type Buffer interface {
	AppendEvent(ctx context.Context, sessionID string, seq int64, payload json.RawMessage) error
}

const opDispatch = 0

// wireEvent is the JSON envelope written to the wire for opcode 0 frames,
// matching the Gateway's GatewayMessage shape.
type wireEvent struct {
	Op   int             `json:"op"`
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
	Seq  int64           `json:"s"`
}

// Engine dispatches events to live sessions.
type Engine struct {
	registry *sessions.Registry
	perms    PermissionResolver
	buffer   Buffer
	logger   *slog.Logger

	mu    sync.Mutex
	seqs  map[string]*int64 // session id -> next sequence number
	seqMu sync.Mutex
}

// NewEngine constructs a fan-out Engine.
func NewEngine(registry *sessions.Registry, perms PermissionResolver, buffer Buffer, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		perms:    perms,
		buffer:   buffer,
		logger:   logger,
		seqs:     make(map[string]*int64),
	}
}

func (e *Engine) nextSeq(sessionID string) int64 {
	e.seqMu.Lock()
	ctr, ok := e.seqs[sessionID]
	if !ok {
		var zero int64
		ctr = &zero
		e.seqs[sessionID] = ctr
	}
	e.seqMu.Unlock()
	return atomic.AddInt64(ctr, 1)
}

// CurrentSeq returns the sequence number last assigned to a session (0 if
// none has been dispatched yet), without advancing it. Used by the Gateway
// to stamp the READY dispatch frame with "s"; RESUMED carries the sequence of
// the last replayed event instead.
func (e *Engine) CurrentSeq(sessionID string) int64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	ctr, ok := e.seqs[sessionID]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(ctr)
}

// Dispatch resolves the target to a set of sessions, applies permission
// filtering, and delivers the event to each, in channel order (the caller
// is responsible for serializing calls per channel so ordering is
// preserved — the Engine itself holds no lock across the resolution and
// delivery steps, so it never blocks other channels' dispatches).
func (e *Engine) Dispatch(ctx context.Context, target Target, ev Event) error {
	sessionIDs := e.resolveTargets(ctx, target)

	for _, sessionID := range sessionIDs {
		sess, ok := e.registry.Lookup(sessionID)
		if !ok {
			continue
		}

		if ev.ChannelID != "" && e.perms != nil {
			perms, err := e.perms.ChannelPermissions(ctx, sess.UserID, ev.ChannelID)
			if err != nil {
				e.logger.Warn("permission resolution failed during fan-out",
					slog.String("session_id", sessionID), slog.String("error", err.Error()))
				continue
			}
			if !permissions.HasPermission(perms, permissions.ViewChannel) {
				continue
			}
		}

		seq := e.nextSeq(sessionID)
		frame := wireEvent{Op: opDispatch, Type: ev.Type, Data: ev.Data, Seq: seq}
		payload, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("marshaling dispatch frame: %w", err)
		}

		if e.buffer != nil {
			if err := e.buffer.AppendEvent(ctx, sessionID, seq, payload); err != nil {
				e.logger.Warn("failed to buffer event for resume",
					slog.String("session_id", sessionID), slog.String("error", err.Error()))
			}
		}

		if err := sess.Sender.Send(opDispatch, ev.Type, payload); err != nil {
			e.logger.Debug("dropping dispatch to disconnected session",
				slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
	}

	return nil
}

func (e *Engine) resolveTargets(ctx context.Context, target Target) []string {
	switch target.Type {
	case ToUser:
		return e.registry.SessionsForUser(target.ID)
	case ToChannel:
		guildID, ok := e.resolveChannelGuild(ctx, target.ID)
		if !ok {
			return nil
		}
		return e.registry.SessionsForGuild(guildID)
	case ToGuild:
		return e.registry.SessionsForGuild(target.ID)
	case Broadcast:
		return e.registry.AllSessions()
	default:
		return nil
	}
}

// resolveChannelGuild looks up the guild a channel belongs to, so a
// channel-scoped target can be fanned out via the guild's subscriber set.
func (e *Engine) resolveChannelGuild(ctx context.Context, channelID string) (string, bool) {
	resolver, ok := e.perms.(ChannelGuildResolver)
	if !ok {
		return "", false
	}
	guildID, err := resolver.ChannelGuildID(ctx, channelID)
	if err != nil {
		e.logger.Warn("resolving channel's guild for fan-out failed",
			slog.String("channel_id", channelID), slog.String("error", err.Error()))
		return "", false
	}
	return guildID, true
}
