// Package permissions implements the 64-bit bitfield permission system: the
// permission constants and the CalculatePermissions algorithm that computes
// the effective permission set for a (user, channel) pair, plus helpers for
// checking, combining, and displaying permission sets.
package permissions

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Server-scoped permissions (bits 0-19).
const (
	ManageChannels    uint64 = 1 << 0
	ManageGuild       uint64 = 1 << 1
	ManagePermissions uint64 = 1 << 2
	ManageRoles       uint64 = 1 << 3
	ManageEmoji       uint64 = 1 << 4
	ManageWebhooks    uint64 = 1 << 5
	KickMembers       uint64 = 1 << 6
	BanMembers        uint64 = 1 << 7
	TimeoutMembers    uint64 = 1 << 8
	AssignRoles       uint64 = 1 << 9
	ChangeNickname    uint64 = 1 << 10
	ManageNicknames   uint64 = 1 << 11
	ViewAuditLog      uint64 = 1 << 12
	MentionEveryone   uint64 = 1 << 13
)

// Channel-scoped permissions (bits 20-39).
const (
	ViewChannel      uint64 = 1 << 20
	ReadHistory      uint64 = 1 << 21
	SendMessages     uint64 = 1 << 22
	ManageMessages   uint64 = 1 << 23
	EmbedLinks       uint64 = 1 << 24
	AttachFiles      uint64 = 1 << 25
	AddReactions     uint64 = 1 << 26
	UseExternalEmoji uint64 = 1 << 27
	Connect          uint64 = 1 << 28
	Speak            uint64 = 1 << 29
	CreateInvite     uint64 = 1 << 30
	ManageThreads    uint64 = 1 << 31
	CreateThreads    uint64 = 1 << 32
)

// Administrator (bit 63) bypasses all other permission checks.
const Administrator uint64 = 1 << 63

// AllPermissions is the bitmask with every defined permission bit set.
const AllPermissions uint64 = ManageChannels | ManageGuild | ManagePermissions |
	ManageRoles | ManageEmoji | ManageWebhooks | KickMembers | BanMembers |
	TimeoutMembers | AssignRoles | ChangeNickname | ManageNicknames |
	ViewAuditLog | MentionEveryone | ViewChannel | ReadHistory | SendMessages |
	ManageMessages | EmbedLinks | AttachFiles | AddReactions |
	UseExternalEmoji | Connect | Speak | CreateInvite | ManageThreads |
	CreateThreads | Administrator

// TimeoutActionMask contains the permissions stripped from timed-out members.
const TimeoutActionMask uint64 = SendMessages | AddReactions | Connect |
	Speak | CreateThreads | CreateInvite

// permissionNames maps each permission bit to a human-readable name.
var permissionNames = map[uint64]string{
	ManageChannels:    "ManageChannels",
	ManageGuild:       "ManageGuild",
	ManagePermissions: "ManagePermissions",
	ManageRoles:       "ManageRoles",
	ManageEmoji:       "ManageEmoji",
	ManageWebhooks:    "ManageWebhooks",
	KickMembers:       "KickMembers",
	BanMembers:        "BanMembers",
	TimeoutMembers:    "TimeoutMembers",
	AssignRoles:       "AssignRoles",
	ChangeNickname:    "ChangeNickname",
	ManageNicknames:   "ManageNicknames",
	ViewAuditLog:      "ViewAuditLog",
	MentionEveryone:   "MentionEveryone",
	ViewChannel:       "ViewChannel",
	ReadHistory:       "ReadHistory",
	SendMessages:      "SendMessages",
	ManageMessages:    "ManageMessages",
	EmbedLinks:        "EmbedLinks",
	AttachFiles:       "AttachFiles",
	AddReactions:      "AddReactions",
	UseExternalEmoji:  "UseExternalEmoji",
	Connect:           "Connect",
	Speak:             "Speak",
	CreateInvite:      "CreateInvite",
	ManageThreads:     "ManageThreads",
	CreateThreads:     "CreateThreads",
	Administrator:     "Administrator",
}

// MemberInfo holds the fields needed to calculate permissions for a guild member.
type MemberInfo struct {
	UserID       string
	TimeoutUntil *time.Time
}

// GuildInfo holds the guild-level fields needed for permission calculation.
type GuildInfo struct {
	OwnerID string
}

// RoleInfo holds a role's single permission bitfield and its position.
// Position 0 is always the @everyone role; every member implicitly holds it.
type RoleInfo struct {
	ID          string
	Position    int
	Permissions uint64
}

// ChannelOverride holds a channel-level permission override for a role or
// member. TargetType is "role" or "user". Allow and Deny never share bits.
type ChannelOverride struct {
	TargetType string
	TargetID   string
	Allow      uint64
	Deny       uint64
}

// ChannelInfo holds the channel-level fields needed for permission
// calculation.
type ChannelInfo struct {
	Overrides []ChannelOverride
}

// CalculatePermissions computes the effective permission set for a member in
// a specific channel.
//
// Resolution order:
//  1. Guild owner gets all permissions.
//  2. base = OR of all role permission bitfields held by the member,
//     including @everyone.
//  3. If base has ADMINISTRATOR, return all permissions.
//  4. With a channel context: apply the @everyone override, then role
//     overrides ascending by role position, then the member-specific
//     override (deny bits first, then allow bits, at each step).
//  5. Timeouts strip action permissions.
//  6. No VIEW_CHANNEL means no permissions at all.
func CalculatePermissions(member MemberInfo, guild GuildInfo, roles []RoleInfo, channel *ChannelInfo) uint64 {
	if member.UserID == guild.OwnerID {
		return AllPermissions
	}

	var base uint64
	for _, role := range roles {
		base |= role.Permissions
	}

	if base&Administrator != 0 {
		return AllPermissions
	}

	perms := base

	if channel == nil {
		return perms
	}

	sorted := make([]RoleInfo, len(roles))
	copy(sorted, roles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	overridesByRole := make(map[string]ChannelOverride, len(channel.Overrides))
	var memberOverride *ChannelOverride
	for i, ov := range channel.Overrides {
		if ov.TargetType == "role" {
			overridesByRole[ov.TargetID] = channel.Overrides[i]
		} else if ov.TargetType == "user" && ov.TargetID == member.UserID {
			memberOverride = &channel.Overrides[i]
		}
	}

	// Role overrides applied ascending by position; @everyone (position 0)
	// necessarily applies first.
	for _, role := range sorted {
		if ov, ok := overridesByRole[role.ID]; ok {
			perms &^= ov.Deny
			perms |= ov.Allow
		}
	}

	if memberOverride != nil {
		perms &^= memberOverride.Deny
		perms |= memberOverride.Allow
	}

	if member.TimeoutUntil != nil && member.TimeoutUntil.After(time.Now()) {
		perms &^= TimeoutActionMask
	}

	if perms&ViewChannel == 0 {
		return 0
	}

	return perms
}

// HasPermission reports whether the given permission set includes the specified permission.
func HasPermission(perms, perm uint64) bool {
	return perms&perm == perm
}

// HasAnyPermission reports whether the given permission set includes any of the
// specified permissions.
func HasAnyPermission(perms uint64, checkPerms ...uint64) bool {
	for _, p := range checkPerms {
		if perms&p == p {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the given permission set includes all of the
// specified permissions.
func HasAllPermissions(perms uint64, checkPerms ...uint64) bool {
	for _, p := range checkPerms {
		if perms&p != p {
			return false
		}
	}
	return true
}

// Names returns a slice of human-readable names for all set permission bits.
func Names(perms uint64) []string {
	var names []string
	for bit, name := range permissionNames {
		if perms&bit == bit {
			names = append(names, name)
		}
	}
	return names
}

// String returns a human-readable comma-separated list of set permission names.
func String(perms uint64) string {
	names := Names(perms)
	if len(names) == 0 {
		return "none"
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Debug returns a detailed debug string showing the permission bitfield value
// and all set permission names.
func Debug(perms uint64) string {
	return fmt.Sprintf("0x%016X [%s]", perms, String(perms))
}
