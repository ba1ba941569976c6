// Package models defines the shared data types for AmityVox core entities:
// User, Guild, Channel, Message, Role, Member, and the structures around
// them. Types carry JSON tags for gateway/API serialization and match the
// PostgreSQL schema in internal/database/migrations.
package models

import (
	"time"

	"github.com/amityvox/amityvox/internal/snowflake"
)

// User represents a user account. Corresponds to the users table.
type User struct {
	ID            snowflake.ID `json:"id"`
	Username      string       `json:"username"`
	Discriminator string       `json:"discriminator"`
	DisplayName   *string      `json:"display_name,omitempty"`
	AvatarID      *string      `json:"avatar_id,omitempty"`
	Email         *string      `json:"-"`
	PasswordHash  *string      `json:"-"`
	Flags         int          `json:"flags"`
	CreatedAt     time.Time    `json:"created_at"`
	DeletedAt     *time.Time   `json:"-"`
}

// UserFlags defines bitfield flags for user account status.
const (
	UserFlagAdmin = 1 << iota
	UserFlagBot
)

func (u User) IsAdmin() bool   { return u.Flags&UserFlagAdmin != 0 }
func (u User) IsBot() bool     { return u.Flags&UserFlagBot != 0 }
func (u User) IsDeleted() bool { return u.DeletedAt != nil }

// Guild represents a community server. Corresponds to the guilds table.
type Guild struct {
	ID        snowflake.ID `json:"id"`
	OwnerID   snowflake.ID `json:"owner_id"`
	Name      string       `json:"name"`
	IconID    *string      `json:"icon_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	DeletedAt *time.Time   `json:"-"`
}

// Channel represents a text, voice, category, announcement, thread, or forum
// channel. Corresponds to the channels table.
type Channel struct {
	ID                snowflake.ID  `json:"id"`
	GuildID           *snowflake.ID `json:"guild_id,omitempty"`
	ParentID          *snowflake.ID `json:"parent_id,omitempty"` // category, for non-category channels
	ChannelType       string        `json:"channel_type"`
	Name              *string       `json:"name,omitempty"`
	Topic             *string       `json:"topic,omitempty"`
	Position          int           `json:"position"`
	RateLimitPerUser  int           `json:"rate_limit_per_user"` // slow mode, seconds
	NSFW              bool          `json:"nsfw"`
	LastMessageID     *snowflake.ID `json:"last_message_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	DeletedAt         *time.Time    `json:"-"`
}

// ChannelType constants for channels.channel_type.
const (
	ChannelTypeText         = "text"
	ChannelTypeVoice        = "voice"
	ChannelTypeCategory     = "category"
	ChannelTypeAnnouncement = "announcement"
	ChannelTypeThread       = "thread"
	ChannelTypeForum        = "forum"
)

// Role represents a permission bundle within a guild: a single bitfield,
// rank-ordered by position. Position 0 is always @everyone. Corresponds to
// the roles table.
type Role struct {
	ID          snowflake.ID `json:"id"`
	GuildID     snowflake.ID `json:"guild_id"`
	Name        string       `json:"name"`
	Color       *string      `json:"color,omitempty"`
	Hoist       bool         `json:"hoist"`
	Mentionable bool         `json:"mentionable"`
	Position    int          `json:"position"`
	Permissions uint64       `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
}

// EveryoneRoleName is the name of the implicit role every member holds.
const EveryoneRoleName = "@everyone"

// GuildMember represents a user's membership in a guild. Corresponds to the
// guild_members table.
type GuildMember struct {
	GuildID      snowflake.ID   `json:"guild_id"`
	UserID       snowflake.ID   `json:"user_id"`
	Nickname     *string        `json:"nickname,omitempty"`
	JoinedAt     time.Time      `json:"joined_at"`
	TimeoutUntil *time.Time     `json:"timeout_until,omitempty"`
	User         *User          `json:"user,omitempty"`
	Roles        []snowflake.ID `json:"roles,omitempty"`
}

// IsTimedOut reports whether the member is currently timed out.
func (m GuildMember) IsTimedOut() bool {
	return m.TimeoutUntil != nil && m.TimeoutUntil.After(time.Now())
}

// MemberRole associates a guild member with a role. Corresponds to the
// member_roles table.
type MemberRole struct {
	GuildID snowflake.ID `json:"guild_id"`
	UserID  snowflake.ID `json:"user_id"`
	RoleID  snowflake.ID `json:"role_id"`
}

// ChannelPermissionOverride represents a per-channel permission override for
// a specific role or user. Corresponds to the channel_overrides table.
type ChannelPermissionOverride struct {
	ChannelID  snowflake.ID `json:"channel_id"`
	TargetType string       `json:"target_type"`
	TargetID   snowflake.ID `json:"target_id"`
	Allow      uint64       `json:"allow"`
	Deny       uint64       `json:"deny"`
}

// OverrideTargetType constants for channel_overrides.target_type.
const (
	OverrideTargetRole = "role"
	OverrideTargetUser = "user"
)

// Message represents a chat message in a channel. Corresponds to the
// messages table, partitioned by created_at.
type Message struct {
	ID          snowflake.ID   `json:"id"`
	ChannelID   snowflake.ID   `json:"channel_id"`
	GuildID     *snowflake.ID  `json:"guild_id,omitempty"`
	AuthorID    snowflake.ID   `json:"author_id"`
	Content     *string        `json:"content,omitempty"`
	MessageType int            `json:"type"`
	Flags       int            `json:"flags"`
	ReplyToID   *snowflake.ID  `json:"reply_to_id,omitempty"`
	MentionIDs  []snowflake.ID `json:"mentions,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Embeds      []Embed        `json:"embeds,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	EditedAt    *time.Time     `json:"edited_timestamp,omitempty"`
	DeletedAt   *time.Time     `json:"-"`
	Author      *User          `json:"author,omitempty"`
}

// MessageType constants for messages.type.
const (
	MessageTypeDefault = iota
	MessageTypeReply
	MessageTypeSystemJoin
	MessageTypeSystemLeave
	MessageTypeSystemPin
)

// MessageFlag constants for messages.flags bitfield.
const (
	MessageFlagPinned = 1 << iota
	MessageFlagSilent
)

// IsSilent reports whether the message has the silent flag set (no mention
// notifications).
func (m Message) IsSilent() bool { return m.Flags&MessageFlagSilent != 0 }

// IsPinned reports whether the message has the pinned flag set.
func (m Message) IsPinned() bool { return m.Flags&MessageFlagPinned != 0 }

// IsDeleted reports whether the message has been soft-deleted.
func (m Message) IsDeleted() bool { return m.DeletedAt != nil }

// Attachment represents a file attached to a message. Corresponds to the
// attachments table.
type Attachment struct {
	ID          snowflake.ID `json:"id"`
	MessageID   snowflake.ID `json:"message_id"`
	Filename    string       `json:"filename"`
	ContentType string       `json:"content_type"`
	SizeBytes   int64        `json:"size_bytes"`
	URL         string       `json:"url"`
}

// Embed represents rich content attached to a message (link previews etc.).
// Corresponds to the embeds table.
type Embed struct {
	ID          snowflake.ID `json:"id"`
	MessageID   snowflake.ID `json:"message_id"`
	EmbedType   string       `json:"embed_type"`
	URL         *string      `json:"url,omitempty"`
	Title       *string      `json:"title,omitempty"`
	Description *string      `json:"description,omitempty"`
}

// Reaction represents a user's emoji reaction to a message. Corresponds to
// the reactions table.
type Reaction struct {
	MessageID snowflake.ID `json:"message_id"`
	UserID    snowflake.ID `json:"user_id"`
	Emoji     string       `json:"emoji"`
	CreatedAt time.Time    `json:"created_at"`
}

// Pin represents a pinned message in a channel. Corresponds to the pins
// table. Pin count per channel is capped at 50 (enforced by the message
// repository, not the database).
type Pin struct {
	ChannelID snowflake.ID `json:"channel_id"`
	MessageID snowflake.ID `json:"message_id"`
	PinnedBy  snowflake.ID `json:"pinned_by"`
	PinnedAt  time.Time    `json:"pinned_at"`
}

// Invite represents a guild invite link. Corresponds to the invites table.
type Invite struct {
	Code          string       `json:"code"`
	GuildID       snowflake.ID `json:"guild_id"`
	ChannelID     snowflake.ID `json:"channel_id"`
	CreatorID     snowflake.ID `json:"creator_id"`
	MaxUses       int          `json:"max_uses"` // 0 = unlimited
	Uses          int          `json:"uses"`
	MaxAgeSeconds int          `json:"max_age_seconds"` // 0 = never
	CreatedAt     time.Time    `json:"created_at"`
}

// ExpiresAt computes the invite's expiry, or the zero time if it never expires.
func (i Invite) ExpiresAt() time.Time {
	if i.MaxAgeSeconds == 0 {
		return time.Time{}
	}
	return i.CreatedAt.Add(time.Duration(i.MaxAgeSeconds) * time.Second)
}

// IsExpired reports whether the invite has expired.
func (i Invite) IsExpired() bool {
	exp := i.ExpiresAt()
	return !exp.IsZero() && exp.Before(time.Now())
}

// IsMaxUsesReached reports whether the invite has reached its maximum usage.
func (i Invite) IsMaxUsesReached() bool {
	return i.MaxUses != 0 && i.Uses >= i.MaxUses
}

// GuildBan represents a user ban from a guild. Corresponds to the
// guild_bans table.
type GuildBan struct {
	GuildID   snowflake.ID `json:"guild_id"`
	UserID    snowflake.ID `json:"user_id"`
	Reason    *string      `json:"reason,omitempty"`
	BannedBy  snowflake.ID `json:"banned_by"`
	CreatedAt time.Time    `json:"created_at"`
}

// AuditLogEntry represents an administrative action recorded for auditing.
// Corresponds to the single logical audit_log table (see SPEC_FULL.md for the
// naming decision where the distilled spec noted two source names).
type AuditLogEntry struct {
	ID         snowflake.ID  `json:"id"`
	GuildID    snowflake.ID  `json:"guild_id"`
	ActorID    snowflake.ID  `json:"actor_id"`
	Action     string        `json:"action"`
	TargetType *string       `json:"target_type,omitempty"`
	TargetID   *snowflake.ID `json:"target_id,omitempty"`
	Reason     *string       `json:"reason,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Audit log action constants.
const (
	AuditActionGuildUpdate   = "guild_update"
	AuditActionChannelCreate = "channel_create"
	AuditActionChannelUpdate = "channel_update"
	AuditActionChannelDelete = "channel_delete"
	AuditActionRoleCreate    = "role_create"
	AuditActionRoleUpdate    = "role_update"
	AuditActionRoleDelete    = "role_delete"
	AuditActionMemberKick    = "member_kick"
	AuditActionMemberBan     = "member_ban"
	AuditActionMemberUnban   = "member_unban"
	AuditActionMessageDelete = "message_delete"
)

// RefreshTokenSession represents a hashed refresh-token session used to mint
// new bearer tokens. Corresponds to the refresh_token_sessions table. Tokens
// are single-use: RotatedAt is set (and a successor row created) on each
// refresh, and Revoked can be set to kill a session early.
type RefreshTokenSession struct {
	ID         snowflake.ID `json:"id"`
	UserID     snowflake.ID `json:"user_id"`
	TokenHash  string       `json:"-"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	RotatedAt  *time.Time   `json:"-"`
	Revoked    bool         `json:"-"`
}
