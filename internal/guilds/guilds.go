// Package guilds implements the guild/channel/role/member stores the
// Permission Evaluator and Event Fan-Out Engine depend on: atomic guild
// creation, channel and role CRUD, membership management, and a cached
// ChannelPermissions resolver satisfying fanout.PermissionResolver.
package guilds

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/amityvox/internal/apperror"
	"github.com/amityvox/amityvox/internal/models"
	"github.com/amityvox/amityvox/internal/permissions"
	"github.com/amityvox/amityvox/internal/presence"
	"github.com/amityvox/amityvox/internal/snowflake"
)

// defaultRolePermissions is what @everyone gets in a freshly created guild:
// enough to view and chat in the default channel.
const defaultRolePermissions = permissions.ViewChannel | permissions.SendMessages |
	permissions.ReadHistory | permissions.AddReactions

// Repository persists guilds, channels, roles, members, and overrides, and
// resolves effective channel permissions on their behalf.
type Repository struct {
	pool  *pgxpool.Pool
	gen   *snowflake.Generator
	cache *presence.Store // optional; nil disables the permission cache
}

// NewRepository constructs a guild Repository. cache may be nil, in which
// case ChannelPermissions always computes from the database.
func NewRepository(pool *pgxpool.Pool, gen *snowflake.Generator, cache *presence.Store) *Repository {
	return &Repository{pool: pool, gen: gen, cache: cache}
}

// CreateGuild atomically creates a guild, its @everyone role, a default text
// channel, and the owner's membership row.
func (r *Repository) CreateGuild(ctx context.Context, ownerID snowflake.ID, name string) (models.Guild, models.Channel, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Guild{}, models.Channel{}, apperror.NewDatastoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	guildID, err := r.gen.Next()
	if err != nil {
		return models.Guild{}, models.Channel{}, err
	}
	guild := models.Guild{ID: guildID, OwnerID: ownerID, Name: name}
	if err := tx.QueryRow(ctx,
		`INSERT INTO guilds (id, owner_id, name, created_at) VALUES ($1,$2,$3, now()) RETURNING created_at`,
		guild.ID, guild.OwnerID, guild.Name).Scan(&guild.CreatedAt); err != nil {
		return models.Guild{}, models.Channel{}, apperror.NewDatastoreUnavailable(err)
	}

	everyoneID, err := r.gen.Next()
	if err != nil {
		return models.Guild{}, models.Channel{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO roles (id, guild_id, name, position, permissions, created_at) VALUES ($1,$2,$3,0,$4, now())`,
		everyoneID, guild.ID, models.EveryoneRoleName, uint64(defaultRolePermissions)); err != nil {
		return models.Guild{}, models.Channel{}, apperror.NewDatastoreUnavailable(err)
	}

	channelID, err := r.gen.Next()
	if err != nil {
		return models.Guild{}, models.Channel{}, err
	}
	channel := models.Channel{ID: channelID, GuildID: &guild.ID, ChannelType: models.ChannelTypeText, Name: strPtr("general")}
	if err := tx.QueryRow(ctx,
		`INSERT INTO channels (id, guild_id, channel_type, name, position, created_at)
		 VALUES ($1,$2,$3,$4,0, now()) RETURNING created_at`,
		channel.ID, guild.ID, channel.ChannelType, channel.Name).Scan(&channel.CreatedAt); err != nil {
		return models.Guild{}, models.Channel{}, apperror.NewDatastoreUnavailable(err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO guild_members (guild_id, user_id, joined_at) VALUES ($1,$2, now())`,
		guild.ID, ownerID); err != nil {
		return models.Guild{}, models.Channel{}, apperror.NewDatastoreUnavailable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Guild{}, models.Channel{}, apperror.NewDatastoreUnavailable(err)
	}
	return guild, channel, nil
}

func strPtr(s string) *string { return &s }

// CreateChannel adds a channel to an existing guild.
func (r *Repository) CreateChannel(ctx context.Context, guildID snowflake.ID, channelType, name string) (models.Channel, error) {
	id, err := r.gen.Next()
	if err != nil {
		return models.Channel{}, err
	}
	ch := models.Channel{ID: id, GuildID: &guildID, ChannelType: channelType, Name: &name}
	if err := r.pool.QueryRow(ctx,
		`INSERT INTO channels (id, guild_id, channel_type, name, position, created_at)
		 VALUES ($1,$2,$3,$4,0, now()) RETURNING created_at`,
		ch.ID, guildID, channelType, name).Scan(&ch.CreatedAt); err != nil {
		return models.Channel{}, apperror.NewDatastoreUnavailable(err)
	}
	return ch, nil
}

// GetChannel returns a single non-deleted channel.
func (r *Repository) GetChannel(ctx context.Context, channelID snowflake.ID) (models.Channel, error) {
	var ch models.Channel
	var guildID, parentID, lastMessageID snowflake.ID
	err := r.pool.QueryRow(ctx, `
		SELECT id, guild_id, parent_id, channel_type, name, topic, position,
		       rate_limit_per_user, nsfw, last_message_id, created_at
		FROM channels WHERE id = $1 AND deleted_at IS NULL`, channelID).
		Scan(&ch.ID, &guildID, &parentID, &ch.ChannelType, &ch.Name, &ch.Topic,
			&ch.Position, &ch.RateLimitPerUser, &ch.NSFW, &lastMessageID, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, apperror.NewNotFound("channel")
	}
	if err != nil {
		return models.Channel{}, apperror.NewDatastoreUnavailable(err)
	}
	if !guildID.IsZero() {
		ch.GuildID = &guildID
	}
	if !parentID.IsZero() {
		ch.ParentID = &parentID
	}
	if !lastMessageID.IsZero() {
		ch.LastMessageID = &lastMessageID
	}
	return ch, nil
}

// AddMember inserts a guild_members row, making userID a member of guildID.
func (r *Repository) AddMember(ctx context.Context, guildID, userID snowflake.ID) error {
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO guild_members (guild_id, user_id, joined_at) VALUES ($1,$2, now())
		 ON CONFLICT (guild_id, user_id) DO NOTHING`, guildID, userID); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	r.invalidateGuild(ctx, guildID)
	return nil
}

// RemoveMember removes userID's membership (and role assignments) in guildID.
// actorID is recorded in the audit log as the user who performed the kick.
func (r *Repository) RemoveMember(ctx context.Context, guildID, userID, actorID snowflake.ID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM member_roles WHERE guild_id = $1 AND user_id = $2`, guildID, userID); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM guild_members WHERE guild_id = $1 AND user_id = $2`, guildID, userID); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	if err := r.writeAuditLog(ctx, tx, guildID, actorID, models.AuditActionMemberKick, "user", &userID, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	r.invalidateGuild(ctx, guildID)
	return nil
}

// writeAuditLog records an administrative action against a guild. targetType
// and targetID may be nil for actions with no single target. Errors are
// wrapped the same way as the rest of the repository so a failed audit write
// fails the enclosing transaction rather than silently dropping the record.
func (r *Repository) writeAuditLog(ctx context.Context, tx pgx.Tx, guildID, actorID snowflake.ID, action string, targetType string, targetID *snowflake.ID, reason *string) error {
	id, err := r.gen.Next()
	if err != nil {
		return err
	}
	var tt *string
	if targetType != "" {
		tt = &targetType
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_log (id, guild_id, actor_id, action, target_type, target_id, reason, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7, now())`,
		id, guildID, actorID, action, tt, targetID, reason); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	return nil
}

// GuildIDsForUser lists the guilds userID belongs to, as decimal strings,
// for the Gateway's IDENTIFY/RESUME guild subscription and for
// gateway.IdentityStore.
func (r *Repository) GuildIDsForUser(ctx context.Context, userIDStr string) ([]string, error) {
	userID, err := snowflake.ParseID(userIDStr)
	if err != nil {
		return nil, apperror.NewValidation("invalid user id")
	}
	rows, err := r.pool.Query(ctx, `SELECT guild_id FROM guild_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, apperror.NewDatastoreUnavailable(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var gid snowflake.ID
		if err := rows.Scan(&gid); err != nil {
			return nil, apperror.NewDatastoreUnavailable(err)
		}
		ids = append(ids, gid.String())
	}
	return ids, rows.Err()
}

// CreateRole adds a role to a guild at the given position with the given
// permission bitfield. actorID is recorded in the audit log.
func (r *Repository) CreateRole(ctx context.Context, guildID, actorID snowflake.ID, name string, position int, perms uint64) (models.Role, error) {
	id, err := r.gen.Next()
	if err != nil {
		return models.Role{}, err
	}
	role := models.Role{ID: id, GuildID: guildID, Name: name, Position: position, Permissions: perms}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Role{}, apperror.NewDatastoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx,
		`INSERT INTO roles (id, guild_id, name, position, permissions, created_at)
		 VALUES ($1,$2,$3,$4,$5, now()) RETURNING created_at`,
		role.ID, role.GuildID, role.Name, role.Position, role.Permissions).Scan(&role.CreatedAt); err != nil {
		return models.Role{}, apperror.NewDatastoreUnavailable(err)
	}
	if err := r.writeAuditLog(ctx, tx, guildID, actorID, models.AuditActionRoleCreate, "role", &role.ID, nil); err != nil {
		return models.Role{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Role{}, apperror.NewDatastoreUnavailable(err)
	}
	return role, nil
}

// SetRolePermissions updates a role's permission bitfield and invalidates
// every cached permission entry for the guild (spec's conservative option).
// actorID is recorded in the audit log.
func (r *Repository) SetRolePermissions(ctx context.Context, guildID, roleID, actorID snowflake.ID, perms uint64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE roles SET permissions = $1 WHERE id = $2 AND guild_id = $3`, perms, roleID, guildID); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	if err := r.writeAuditLog(ctx, tx, guildID, actorID, models.AuditActionRoleUpdate, "role", &roleID, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	r.invalidateGuild(ctx, guildID)
	return nil
}

// AssignRole grants roleID to userID in guildID.
func (r *Repository) AssignRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO member_roles (guild_id, user_id, role_id) VALUES ($1,$2,$3)
		 ON CONFLICT DO NOTHING`, guildID, userID, roleID); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	r.invalidateGuild(ctx, guildID)
	return nil
}

// RevokeRole removes roleID from userID in guildID.
func (r *Repository) RevokeRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM member_roles WHERE guild_id = $1 AND user_id = $2 AND role_id = $3`,
		guildID, userID, roleID); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	r.invalidateGuild(ctx, guildID)
	return nil
}

// SetChannelOverride upserts a per-channel permission override for a role or
// member and invalidates that guild's permission cache.
func (r *Repository) SetChannelOverride(ctx context.Context, guildID, channelID, targetID snowflake.ID, targetType string, allow, deny uint64) error {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO channel_overrides (channel_id, target_type, target_id, allow, deny)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (channel_id, target_type, target_id) DO UPDATE SET allow = $4, deny = $5`,
		channelID, targetType, targetID, allow, deny); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	r.invalidateGuild(ctx, guildID)
	return nil
}

// ChannelPermissions computes userID's effective permission bitfield for
// channelID, satisfying fanout.PermissionResolver. Results are cached per
// spec's Cache Layer namespace (perms:{user}:{channel}, 5 min TTL); a
// per-guild epoch counter is bumped on every role/member/override mutation
// so stale entries are ignored rather than read, converging within one TTL
// window even without enumerating affected keys.
func (r *Repository) ChannelPermissions(ctx context.Context, userIDStr, channelIDStr string) (uint64, error) {
	userID, err := snowflake.ParseID(userIDStr)
	if err != nil {
		return 0, apperror.NewValidation("invalid user id")
	}
	channelID, err := snowflake.ParseID(channelIDStr)
	if err != nil {
		return 0, apperror.NewValidation("invalid channel id")
	}

	ch, err := r.GetChannel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	if ch.GuildID == nil {
		return permissions.AllPermissions, nil // DM-style channel; no guild scoping in this module
	}
	guildID := *ch.GuildID

	epoch := r.guildEpoch(ctx, guildID)
	cacheKey := "perms:" + strconv.FormatInt(int64(epoch), 10) + ":" + userIDStr + ":" + channelIDStr
	if r.cache != nil {
		var cached uint64
		if r.cache.CacheGet(ctx, cacheKey, &cached) {
			return cached, nil
		}
	}

	perms, err := r.computeChannelPermissions(ctx, userID, guildID, channelID)
	if err != nil {
		return 0, err
	}
	if r.cache != nil {
		r.cache.CacheSet(ctx, cacheKey, perms, presence.TTLPerms)
	}
	return perms, nil
}

// ChannelGuildID resolves a channel id to its owning guild id, for the
// Fan-Out Engine's ToChannel target resolution. Satisfies
// fanout.ChannelGuildResolver.
func (r *Repository) ChannelGuildID(ctx context.Context, channelIDStr string) (string, error) {
	channelID, err := snowflake.ParseID(channelIDStr)
	if err != nil {
		return "", apperror.NewValidation("invalid channel id")
	}
	ch, err := r.GetChannel(ctx, channelID)
	if err != nil {
		return "", err
	}
	if ch.GuildID == nil {
		return "", apperror.NewNotFound("guild")
	}
	return ch.GuildID.String(), nil
}

func (r *Repository) computeChannelPermissions(ctx context.Context, userID, guildID, channelID snowflake.ID) (uint64, error) {
	var guild models.Guild
	if err := r.pool.QueryRow(ctx, `SELECT owner_id FROM guilds WHERE id = $1`, guildID).Scan(&guild.OwnerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperror.NewNotFound("guild")
		}
		return 0, apperror.NewDatastoreUnavailable(err)
	}

	var member models.GuildMember
	err := r.pool.QueryRow(ctx,
		`SELECT timeout_until FROM guild_members WHERE guild_id = $1 AND user_id = $2`,
		guildID, userID).Scan(&member.TimeoutUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil // not a member: no permissions
	}
	if err != nil {
		return 0, apperror.NewDatastoreUnavailable(err)
	}

	roleRows, err := r.pool.Query(ctx, `
		SELECT roles.id, roles.position, roles.permissions
		FROM roles
		WHERE roles.guild_id = $1
		  AND (roles.position = 0 OR roles.id IN (
		        SELECT role_id FROM member_roles WHERE guild_id = $1 AND user_id = $2))`,
		guildID, userID)
	if err != nil {
		return 0, apperror.NewDatastoreUnavailable(err)
	}
	var roles []permissions.RoleInfo
	for roleRows.Next() {
		var id snowflake.ID
		var ri permissions.RoleInfo
		if err := roleRows.Scan(&id, &ri.Position, &ri.Permissions); err != nil {
			roleRows.Close()
			return 0, apperror.NewDatastoreUnavailable(err)
		}
		ri.ID = id.String()
		roles = append(roles, ri)
	}
	roleRows.Close()
	if err := roleRows.Err(); err != nil {
		return 0, apperror.NewDatastoreUnavailable(err)
	}

	overrideRows, err := r.pool.Query(ctx,
		`SELECT target_type, target_id, allow, deny FROM channel_overrides WHERE channel_id = $1`, channelID)
	if err != nil {
		return 0, apperror.NewDatastoreUnavailable(err)
	}
	var overrides []permissions.ChannelOverride
	for overrideRows.Next() {
		var o permissions.ChannelOverride
		var targetID snowflake.ID
		if err := overrideRows.Scan(&o.TargetType, &targetID, &o.Allow, &o.Deny); err != nil {
			overrideRows.Close()
			return 0, apperror.NewDatastoreUnavailable(err)
		}
		o.TargetID = targetID.String()
		overrides = append(overrides, o)
	}
	overrideRows.Close()
	if err := overrideRows.Err(); err != nil {
		return 0, apperror.NewDatastoreUnavailable(err)
	}

	memberInfo := permissions.MemberInfo{UserID: userID.String(), TimeoutUntil: member.TimeoutUntil}
	guildInfo := permissions.GuildInfo{OwnerID: guild.OwnerID.String()}
	channelInfo := &permissions.ChannelInfo{Overrides: overrides}

	return permissions.CalculatePermissions(memberInfo, guildInfo, roles, channelInfo), nil
}

// guildEpoch returns the current invalidation epoch for a guild, defaulting
// to 0 (and thus to the cache's own TTL) when no mutation has bumped it yet
// or the cache is unavailable.
func (r *Repository) guildEpoch(ctx context.Context, guildID snowflake.ID) int64 {
	if r.cache == nil {
		return 0
	}
	var epoch int64
	r.cache.CacheGet(ctx, "permepoch:"+guildID.String(), &epoch)
	return epoch
}

// invalidateGuild bumps the guild's permission epoch, orphaning every
// previously cached perms:* entry for that guild without needing to
// enumerate them.
func (r *Repository) invalidateGuild(ctx context.Context, guildID snowflake.ID) {
	if r.cache == nil {
		return
	}
	next := time.Now().UnixNano()
	r.cache.CacheSet(ctx, "permepoch:"+guildID.String(), next, presence.TTLPerms)
}
