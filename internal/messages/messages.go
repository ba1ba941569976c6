// Package messages implements the Message Repository (C3): message
// persistence, keyset pagination, soft deletion, and pinning over the
// partitioned messages table.
package messages

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/amityvox/internal/apperror"
	"github.com/amityvox/amityvox/internal/models"
	"github.com/amityvox/amityvox/internal/snowflake"
)

const (
	maxContentLength  = 2000
	maxPinsPerChannel = 50
)

// Anchor selects where a paginated list begins relative to a message id.
type Anchor struct {
	Before snowflake.ID
	After  snowflake.ID
	Around snowflake.ID
	Latest bool
}

// Draft is the caller-supplied content for a new message. The repository
// does not check SEND_MESSAGES; callers are responsible for that.
type Draft struct {
	Content     *string
	ReplyToID   *snowflake.ID
	MentionIDs  []snowflake.ID
	Attachments []models.Attachment
	Embeds      []models.Embed
}

// Repository persists messages against PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	gen  *snowflake.Generator
}

// NewRepository constructs a message Repository.
func NewRepository(pool *pgxpool.Pool, gen *snowflake.Generator) *Repository {
	return &Repository{pool: pool, gen: gen}
}

func validateDraft(d Draft) error {
	hasContent := d.Content != nil && *d.Content != ""
	hasAttachment := len(d.Attachments) > 0
	hasEmbed := len(d.Embeds) > 0
	if !hasContent && !hasAttachment && !hasEmbed {
		return apperror.NewValidation("message must have content, an embed, or an attachment")
	}
	if d.Content != nil && utf8.RuneCountInString(*d.Content) > maxContentLength {
		return apperror.NewValidation("content exceeds %d characters", maxContentLength)
	}
	return nil
}

func idsToInt64(ids []snowflake.ID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func int64sToIDs(ids []int64) []snowflake.ID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]snowflake.ID, len(ids))
	for i, id := range ids {
		out[i] = snowflake.ID(id)
	}
	return out
}

// Create persists a new message in channel on behalf of author, along with
// any attachments and embeds, in a single transaction.
func (r *Repository) Create(ctx context.Context, channelID, guildID, authorID snowflake.ID, d Draft) (models.Message, error) {
	if err := validateDraft(d); err != nil {
		return models.Message{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Message{}, apperror.NewDatastoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM channels WHERE id = $1 AND deleted_at IS NULL)`, channelID).Scan(&exists); err != nil {
		return models.Message{}, apperror.NewDatastoreUnavailable(err)
	}
	if !exists {
		return models.Message{}, apperror.NewNotFound("channel")
	}

	id, err := r.gen.Next()
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:          id,
		ChannelID:   channelID,
		AuthorID:    authorID,
		Content:     d.Content,
		ReplyToID:   d.ReplyToID,
		MentionIDs:  d.MentionIDs,
		Attachments: d.Attachments,
		Embeds:      d.Embeds,
	}
	if !guildID.IsZero() {
		msg.GuildID = &guildID
	}
	if d.ReplyToID != nil {
		msg.MessageType = models.MessageTypeReply
	}

	var guildIDArg, replyToArg snowflake.ID
	if msg.GuildID != nil {
		guildIDArg = *msg.GuildID
	}
	if msg.ReplyToID != nil {
		replyToArg = *msg.ReplyToID
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, channel_id, guild_id, author_id, content, type, flags,
		                       reply_to_id, mentions, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8, now())
		 RETURNING created_at`,
		msg.ID, msg.ChannelID, guildIDArg, msg.AuthorID, msg.Content, msg.MessageType,
		replyToArg, idsToInt64(d.MentionIDs),
	).Scan(&msg.CreatedAt)
	if err != nil {
		return models.Message{}, apperror.NewDatastoreUnavailable(err)
	}

	for i := range msg.Attachments {
		a := &msg.Attachments[i]
		aid, err := r.gen.Next()
		if err != nil {
			return models.Message{}, err
		}
		a.ID = aid
		a.MessageID = msg.ID
		if _, err := tx.Exec(ctx,
			`INSERT INTO attachments (id, message_id, filename, content_type, size_bytes, url)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			a.ID, a.MessageID, a.Filename, a.ContentType, a.SizeBytes, a.URL); err != nil {
			return models.Message{}, apperror.NewDatastoreUnavailable(err)
		}
	}

	for i := range msg.Embeds {
		e := &msg.Embeds[i]
		eid, err := r.gen.Next()
		if err != nil {
			return models.Message{}, err
		}
		e.ID = eid
		e.MessageID = msg.ID
		if _, err := tx.Exec(ctx,
			`INSERT INTO embeds (id, message_id, embed_type, url, title, description)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			e.ID, e.MessageID, e.EmbedType, e.URL, e.Title, e.Description); err != nil {
			return models.Message{}, apperror.NewDatastoreUnavailable(err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE channels SET last_message_id = $1 WHERE id = $2`, msg.ID, channelID); err != nil {
		return models.Message{}, apperror.NewDatastoreUnavailable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, apperror.NewDatastoreUnavailable(err)
	}

	return msg, nil
}

const selectColumns = `SELECT id, channel_id, guild_id, author_id, content, type, flags,
	reply_to_id, mentions, created_at, edited_timestamp
	FROM messages`

func scanMessage(row pgx.Row) (models.Message, error) {
	var msg models.Message
	var guildID, replyToID snowflake.ID
	var mentions []int64
	err := row.Scan(&msg.ID, &msg.ChannelID, &guildID, &msg.AuthorID, &msg.Content,
		&msg.MessageType, &msg.Flags, &replyToID, &mentions,
		&msg.CreatedAt, &msg.EditedAt)
	if err != nil {
		return models.Message{}, err
	}
	if !guildID.IsZero() {
		msg.GuildID = &guildID
	}
	if !replyToID.IsZero() {
		msg.ReplyToID = &replyToID
	}
	msg.MentionIDs = int64sToIDs(mentions)
	return msg, nil
}

// attachRelated fills in the attachments and embeds for each message in msgs,
// querying the supporting tables in two round trips rather than per message.
func (r *Repository) attachRelated(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	byID := make(map[int64]*models.Message, len(msgs))
	for i := range msgs {
		ids[i] = int64(msgs[i].ID)
		byID[int64(msgs[i].ID)] = &msgs[i]
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, message_id, filename, content_type, size_bytes, url
		 FROM attachments WHERE message_id = ANY($1)`, ids)
	if err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.ContentType, &a.SizeBytes, &a.URL); err != nil {
			rows.Close()
			return apperror.NewDatastoreUnavailable(err)
		}
		if m, ok := byID[int64(a.MessageID)]; ok {
			m.Attachments = append(m.Attachments, a)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}

	rows, err = r.pool.Query(ctx,
		`SELECT id, message_id, embed_type, url, title, description
		 FROM embeds WHERE message_id = ANY($1)`, ids)
	if err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	defer rows.Close()
	for rows.Next() {
		var e models.Embed
		if err := rows.Scan(&e.ID, &e.MessageID, &e.EmbedType, &e.URL, &e.Title, &e.Description); err != nil {
			return apperror.NewDatastoreUnavailable(err)
		}
		if m, ok := byID[int64(e.MessageID)]; ok {
			m.Embeds = append(m.Embeds, e)
		}
	}
	return rows.Err()
}

// Get returns a single non-deleted message, with attachments and embeds.
func (r *Repository) Get(ctx context.Context, channelID, messageID snowflake.ID) (models.Message, error) {
	row := r.pool.QueryRow(ctx, selectColumns+`
		 WHERE channel_id = $1 AND id = $2 AND deleted_at IS NULL`, channelID, messageID)
	msg, err := scanMessage(row)
	if err == pgx.ErrNoRows {
		return models.Message{}, apperror.NewNotFound("message")
	}
	if err != nil {
		return models.Message{}, apperror.NewDatastoreUnavailable(err)
	}
	if err := r.attachRelated(ctx, []models.Message{msg}); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// List returns messages in channel per the anchor, newest-first within each
// page, using keyset pagination over (created_at DESC, id DESC).
func (r *Repository) List(ctx context.Context, channelID snowflake.ID, anchor Anchor, limit int) ([]models.Message, error) {
	if limit < 1 || limit > 100 {
		return nil, apperror.NewValidation("limit must be between 1 and 100")
	}

	var msgs []models.Message
	var err error
	switch {
	case anchor.Around != 0:
		before, berr := r.listBefore(ctx, channelID, anchor.Around, limit/2+1, true)
		if berr != nil {
			return nil, berr
		}
		after, aerr := r.listAfter(ctx, channelID, anchor.Around, limit/2)
		if aerr != nil {
			return nil, aerr
		}
		msgs = append(after, before...)
	case anchor.Before != 0:
		msgs, err = r.listBefore(ctx, channelID, anchor.Before, limit, false)
	case anchor.After != 0:
		msgs, err = r.listAfter(ctx, channelID, anchor.After, limit)
	default:
		msgs, err = r.listBefore(ctx, channelID, 0, limit, false)
	}
	if err != nil {
		return nil, err
	}
	if err := r.attachRelated(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repository) listBefore(ctx context.Context, channelID, anchor snowflake.ID, limit int, includeAnchor bool) ([]models.Message, error) {
	op := "<"
	if includeAnchor {
		op = "<="
	}
	query := fmt.Sprintf(selectColumns+`
		 WHERE channel_id = $1 AND deleted_at IS NULL AND ($2 = 0 OR id %s $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`, op)
	rows, err := r.pool.Query(ctx, query, channelID, int64(anchor), limit)
	if err != nil {
		return nil, apperror.NewDatastoreUnavailable(err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *Repository) listAfter(ctx context.Context, channelID, anchor snowflake.ID, limit int) ([]models.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT * FROM (`+selectColumns+`
		 WHERE channel_id = $1 AND deleted_at IS NULL AND id > $2
		 ORDER BY created_at ASC, id ASC
		 LIMIT $3) AS page
		ORDER BY created_at DESC, id DESC`, channelID, int64(anchor), limit)
	if err != nil {
		return nil, apperror.NewDatastoreUnavailable(err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, apperror.NewDatastoreUnavailable(err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.NewDatastoreUnavailable(err)
	}
	return out, nil
}

// Edit updates a message's content and stamps the edited timestamp.
func (r *Repository) Edit(ctx context.Context, channelID, messageID snowflake.ID, newContent string) (models.Message, error) {
	if utf8.RuneCountInString(newContent) > maxContentLength {
		return models.Message{}, apperror.NewValidation("content exceeds %d characters", maxContentLength)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE messages SET content = $1, edited_timestamp = now()
		WHERE channel_id = $2 AND id = $3 AND deleted_at IS NULL
		RETURNING id, channel_id, guild_id, author_id, content, type, flags,
		          reply_to_id, mentions, created_at, edited_timestamp`,
		newContent, channelID, messageID)
	msg, err := scanMessage(row)
	if err == pgx.ErrNoRows {
		return models.Message{}, apperror.NewNotFound("message")
	}
	if err != nil {
		return models.Message{}, apperror.NewDatastoreUnavailable(err)
	}
	if err := r.attachRelated(ctx, []models.Message{msg}); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// Delete soft-deletes a message. Idempotent: deleting an already-deleted or
// missing message is not an error.
func (r *Repository) Delete(ctx context.Context, channelID, messageID snowflake.ID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE messages SET deleted_at = now()
		WHERE channel_id = $1 AND id = $2 AND deleted_at IS NULL`, channelID, messageID)
	if err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	return nil
}

// Pin pins or unpins a message, enforcing the 50-pin-per-channel cap.
func (r *Repository) Pin(ctx context.Context, channelID, messageID, pinnedBy snowflake.ID, pin bool) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	if !pin {
		if _, err := tx.Exec(ctx, `DELETE FROM pins WHERE channel_id = $1 AND message_id = $2`, channelID, messageID); err != nil {
			return apperror.NewDatastoreUnavailable(err)
		}
		if _, err := tx.Exec(ctx, `UPDATE messages SET flags = flags & ~$1 WHERE id = $2`, models.MessageFlagPinned, messageID); err != nil {
			return apperror.NewDatastoreUnavailable(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return apperror.NewDatastoreUnavailable(err)
		}
		return nil
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM pins WHERE channel_id = $1`, channelID).Scan(&count); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	if count >= maxPinsPerChannel {
		return apperror.NewValidation("channel has reached the %d pin limit", maxPinsPerChannel)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO pins (channel_id, message_id, pinned_by, pinned_at) VALUES ($1,$2,$3, now())
		ON CONFLICT (channel_id, message_id) DO NOTHING`, channelID, messageID, pinnedBy); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	if _, err := tx.Exec(ctx, `UPDATE messages SET flags = flags | $1 WHERE id = $2`, models.MessageFlagPinned, messageID); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperror.NewDatastoreUnavailable(err)
	}
	return nil
}

// ListPins returns every pinned, non-deleted message in a channel, newest
// pin first.
func (r *Repository) ListPins(ctx context.Context, channelID snowflake.ID) ([]models.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT messages.id, messages.channel_id, messages.guild_id, messages.author_id,
		       messages.content, messages.type, messages.flags, messages.reply_to_id,
		       messages.mentions, messages.created_at, messages.edited_timestamp
		 FROM messages
		 JOIN pins ON pins.message_id = messages.id
		 WHERE messages.channel_id = $1 AND messages.deleted_at IS NULL
		 ORDER BY pins.pinned_at DESC`, channelID)
	if err != nil {
		return nil, apperror.NewDatastoreUnavailable(err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if err := r.attachRelated(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
