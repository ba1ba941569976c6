// Package api implements the minimal REST surface fronting the Gateway,
// Permission Evaluator, and Message Repository: auth, guild/channel/role/
// member bootstrap, and message CRUD/pagination/pins. It registers routes
// under /api/v1/, mounts the Gateway's WebSocket upgrade handler, and
// exposes JSON response helpers for a consistent API envelope.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/amityvox/amityvox/internal/apperror"
	"github.com/amityvox/amityvox/internal/auth"
	"github.com/amityvox/amityvox/internal/config"
	"github.com/amityvox/amityvox/internal/database"
	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/guilds"
	"github.com/amityvox/amityvox/internal/mentions"
	"github.com/amityvox/amityvox/internal/messages"
	mw "github.com/amityvox/amityvox/internal/middleware"
	"github.com/amityvox/amityvox/internal/presence"
	"github.com/amityvox/amityvox/internal/snowflake"
)

// Server is the HTTP API server. It holds the chi router, service
// references, configuration, and logger.
type Server struct {
	Router      *chi.Mux
	DB          *database.DB
	Config      *config.Config
	AuthService *auth.Service
	EventBus    *events.Bus
	Cache       *presence.Store
	Messages    *messages.Repository
	Guilds      *guilds.Repository
	Gateway     http.Handler // the Gateway's WebSocket upgrade handler, mounted at /gateway
	InstanceID  string
	Version     string
	Logger      *slog.Logger
	server      *http.Server
}

// NewServer creates a new API server with all routes and middleware registered.
func NewServer(db *database.DB, cfg *config.Config, authSvc *auth.Service, bus *events.Bus, cache *presence.Store,
	msgRepo *messages.Repository, guildRepo *guilds.Repository, gatewayHandler http.Handler, instanceID string, logger *slog.Logger) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		DB:          db,
		Config:      cfg,
		AuthService: authSvc,
		EventBus:    bus,
		Cache:       cache,
		Messages:    msgRepo,
		Guilds:      guildRepo,
		Gateway:     gatewayHandler,
		InstanceID:  instanceID,
		Version:     "1.0.0",
		Logger:      logger,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

// registerMiddleware adds global middleware to the router.
func (s *Server) registerMiddleware() {
	s.Router.Use(middleware.RealIP)
	s.Router.Use(mw.CorrelationID)
	s.Router.Use(mw.TracingLogger(s.Logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(mw.SecurityHeaders)
	s.Router.Use(corsMiddleware(s.Config.HTTP.CORSOrigins))
	s.Router.Use(middleware.Compress(5))
	s.Router.Use(middleware.Timeout(30 * time.Second))
	s.Router.Use(maxBodySize(1 << 20)) // 1MB default body limit
	s.Router.Use(s.RateLimitStandard)
}

// registerRoutes mounts all route groups on the router.
func (s *Server) registerRoutes() {
	s.Router.Get("/health", s.handleHealthCheck)
	s.Router.Get("/health/deep", s.handleDeepHealthCheck)
	s.Router.Get("/metrics", s.handleMetrics)

	if s.Gateway != nil {
		s.Router.With(s.RateLimitGatewayOpen).Handle("/gateway", s.Gateway)
	}

	s.Router.Route("/api/v1", func(r chi.Router) {
		// Auth routes — public, no Bearer token required.
		r.With(s.RateLimitAuth).Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
		})

		// Authenticated routes — require Bearer token.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(s.AuthService))

			r.Route("/guilds", func(r chi.Router) {
				r.Post("/", s.handleCreateGuild)
				r.Get("/{guildID}/channels", s.handleGetGuildIDsForUser) // placeholder kept minimal; see handler doc
				r.Post("/{guildID}/channels", s.handleCreateChannel)
				r.Post("/{guildID}/members/{userID}", s.handleAddMember)
				r.Delete("/{guildID}/members/{userID}", s.handleRemoveMember)
				r.Post("/{guildID}/roles", s.handleCreateRole)
				r.Patch("/{guildID}/roles/{roleID}", s.handleSetRolePermissions)
				r.Put("/{guildID}/roles/{roleID}/members/{userID}", s.handleAssignRole)
				r.Delete("/{guildID}/roles/{roleID}/members/{userID}", s.handleRevokeRole)
				r.Put("/{guildID}/channels/{channelID}/overrides/{targetType}/{targetID}", s.handleSetChannelOverride)
			})

			r.Route("/channels/{channelID}", func(r chi.Router) {
				r.Get("/", s.handleGetChannel)
				r.Get("/permissions", s.handleGetChannelPermissions)
				r.Get("/messages", s.handleListMessages)
				r.With(s.messageRateLimit).Post("/messages", s.handleCreateMessage)
				r.Get("/messages/{messageID}", s.handleGetMessage)
				r.Patch("/messages/{messageID}", s.handleEditMessage)
				r.Delete("/messages/{messageID}", s.handleDeleteMessage)
				r.Get("/pins", s.handleListPins)
				r.With(s.RateLimitHighFrequency).Put("/pins/{messageID}", s.handlePinMessage)
				r.With(s.RateLimitHighFrequency).Delete("/pins/{messageID}", s.handleUnpinMessage)
			})

			r.Get("/users/@me/guilds", s.handleGetSelfGuilds)
		})
	})
}

// messageRateLimit wraps RateLimitMessagePost, resolving the channel's
// configured rate_limit_per_user at request time.
func (s *Server) messageRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channelID, err := snowflake.ParseID(chi.URLParam(r, "channelID"))
		if err != nil {
			writeAppError(w, apperror.NewValidation("invalid channel id"))
			return
		}
		ch, err := s.Guilds.GetChannel(r.Context(), channelID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		s.RateLimitMessagePost(ch.RateLimitPerUser, next).ServeHTTP(w, r)
	})
}

// Start begins listening for HTTP requests on the configured address.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Config.HTTP.Listen,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.Logger.Info("HTTP server starting", slog.String("listen", s.Config.HTTP.Listen))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// --- Auth handlers ---

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	user, access, refresh, err := s.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"user":          user,
		"access_token":  access,
		"refresh_token": refresh,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	user, access, refresh, err := s.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	s.Logger.Info("user login",
		slog.String("user_id", user.ID.String()),
		slog.String("ip_subnet", mw.NormalizeIPSubnet(r.RemoteAddr, 24, 48)),
	)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user":          user,
		"access_token":  access,
		"refresh_token": refresh,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	access, refresh, err := s.AuthService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

// --- Guild/channel/role/member handlers ---

type createGuildRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateGuild(w http.ResponseWriter, r *http.Request) {
	userID, err := snowflake.ParseID(auth.UserIDFromContext(r.Context()))
	if err != nil {
		writeAppError(w, apperror.NewUnauthorized("invalid session"))
		return
	}
	var req createGuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		WriteError(w, http.StatusBadRequest, "invalid_body", "name is required")
		return
	}
	guild, channel, err := s.Guilds.CreateGuild(r.Context(), userID, req.Name)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if s.EventBus != nil {
		s.EventBus.PublishGuildEvent(r.Context(), events.SubjectGuildCreate, "GUILD_CREATE", guild.ID.String(), guild)
	}
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"guild": guild, "default_channel": channel})
}

type createChannelRequest struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	guildID, err := snowflake.ParseID(chi.URLParam(r, "guildID"))
	if err != nil {
		writeAppError(w, apperror.NewValidation("invalid guild id"))
		return
	}
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		WriteError(w, http.StatusBadRequest, "invalid_body", "name is required")
		return
	}
	ch, err := s.Guilds.CreateChannel(r.Context(), guildID, req.Type, req.Name)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if s.EventBus != nil {
		s.EventBus.PublishGuildEvent(r.Context(), events.SubjectChannelCreate, "CHANNEL_CREATE", guildID.String(), ch)
	}
	WriteJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := snowflake.ParseID(chi.URLParam(r, "channelID"))
	if err != nil {
		writeAppError(w, apperror.NewValidation("invalid channel id"))
		return
	}
	ch, err := s.Guilds.GetChannel(r.Context(), channelID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ch)
}

func (s *Server) handleGetChannelPermissions(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")
	perms, err := s.Guilds.ChannelPermissions(r.Context(), userID, channelID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"permissions": perms})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	guildID, userID, err := parseGuildUser(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.Guilds.AddMember(r.Context(), guildID, userID); err != nil {
		writeAppError(w, err)
		return
	}
	if s.EventBus != nil {
		s.EventBus.PublishGuildEvent(r.Context(), events.SubjectGuildMemberAdd, "GUILD_MEMBER_ADD", guildID.String(),
			map[string]string{"guild_id": guildID.String(), "user_id": userID.String()})
	}
	WriteNoContent(w)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	guildID, userID, err := parseGuildUser(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	actorID, err := snowflake.ParseID(auth.UserIDFromContext(r.Context()))
	if err != nil {
		writeAppError(w, apperror.NewUnauthorized("invalid session"))
		return
	}
	if err := s.Guilds.RemoveMember(r.Context(), guildID, userID, actorID); err != nil {
		writeAppError(w, err)
		return
	}
	if s.EventBus != nil {
		s.EventBus.PublishGuildEvent(r.Context(), events.SubjectGuildMemberRemove, "GUILD_MEMBER_REMOVE", guildID.String(),
			map[string]string{"guild_id": guildID.String(), "user_id": userID.String()})
	}
	WriteNoContent(w)
}

func parseGuildUser(r *http.Request) (guildID, userID snowflake.ID, err error) {
	guildID, err = snowflake.ParseID(chi.URLParam(r, "guildID"))
	if err != nil {
		return 0, 0, apperror.NewValidation("invalid guild id")
	}
	userID, err = snowflake.ParseID(chi.URLParam(r, "userID"))
	if err != nil {
		return 0, 0, apperror.NewValidation("invalid user id")
	}
	return guildID, userID, nil
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Position    int    `json:"position"`
	Permissions uint64 `json:"permissions"`
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	guildID, err := snowflake.ParseID(chi.URLParam(r, "guildID"))
	if err != nil {
		writeAppError(w, apperror.NewValidation("invalid guild id"))
		return
	}
	var req createRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		WriteError(w, http.StatusBadRequest, "invalid_body", "name is required")
		return
	}
	actorID, err := snowflake.ParseID(auth.UserIDFromContext(r.Context()))
	if err != nil {
		writeAppError(w, apperror.NewUnauthorized("invalid session"))
		return
	}
	role, err := s.Guilds.CreateRole(r.Context(), guildID, actorID, req.Name, req.Position, req.Permissions)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if s.EventBus != nil {
		s.EventBus.PublishGuildEvent(r.Context(), events.SubjectGuildRoleCreate, "GUILD_ROLE_CREATE", guildID.String(), role)
	}
	WriteJSON(w, http.StatusCreated, role)
}

type setRolePermissionsRequest struct {
	Permissions uint64 `json:"permissions"`
}

func (s *Server) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	guildID, err := snowflake.ParseID(chi.URLParam(r, "guildID"))
	if err != nil {
		writeAppError(w, apperror.NewValidation("invalid guild id"))
		return
	}
	roleID, err := snowflake.ParseID(chi.URLParam(r, "roleID"))
	if err != nil {
		writeAppError(w, apperror.NewValidation("invalid role id"))
		return
	}
	var req setRolePermissionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	actorID, err := snowflake.ParseID(auth.UserIDFromContext(r.Context()))
	if err != nil {
		writeAppError(w, apperror.NewUnauthorized("invalid session"))
		return
	}
	if err := s.Guilds.SetRolePermissions(r.Context(), guildID, roleID, actorID, req.Permissions); err != nil {
		writeAppError(w, err)
		return
	}
	if s.EventBus != nil {
		s.EventBus.PublishGuildEvent(r.Context(), events.SubjectGuildRoleUpdate, "GUILD_ROLE_UPDATE", guildID.String(),
			map[string]interface{}{"role_id": roleID.String(), "permissions": req.Permissions})
	}
	WriteNoContent(w)
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	guildID, userID, roleID, err := parseGuildUserRole(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.Guilds.AssignRole(r.Context(), guildID, userID, roleID); err != nil {
		writeAppError(w, err)
		return
	}
	WriteNoContent(w)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	guildID, userID, roleID, err := parseGuildUserRole(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.Guilds.RevokeRole(r.Context(), guildID, userID, roleID); err != nil {
		writeAppError(w, err)
		return
	}
	WriteNoContent(w)
}

func parseGuildUserRole(r *http.Request) (guildID, userID, roleID snowflake.ID, err error) {
	guildID, userID, err = parseGuildUser(r)
	if err != nil {
		return 0, 0, 0, err
	}
	roleID, err = snowflake.ParseID(chi.URLParam(r, "roleID"))
	if err != nil {
		return 0, 0, 0, apperror.NewValidation("invalid role id")
	}
	return guildID, userID, roleID, nil
}

type setOverrideRequest struct {
	Allow uint64 `json:"allow"`
	Deny  uint64 `json:"deny"`
}

func (s *Server) handleSetChannelOverride(w http.ResponseWriter, r *http.Request) {
	guildID, err := snowflake.ParseID(chi.URLParam(r, "guildID"))
	if err != nil {
		writeAppError(w, apperror.NewValidation("invalid guild id"))
		return
	}
	channelID, err := snowflake.ParseID(chi.URLParam(r, "channelID"))
	if err != nil {
		writeAppError(w, apperror.NewValidation("invalid channel id"))
		return
	}
	targetID, err := snowflake.ParseID(chi.URLParam(r, "targetID"))
	if err != nil {
		writeAppError(w, apperror.NewValidation("invalid target id"))
		return
	}
	targetType := chi.URLParam(r, "targetType")
	var req setOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if err := s.Guilds.SetChannelOverride(r.Context(), guildID, channelID, targetID, targetType, req.Allow, req.Deny); err != nil {
		writeAppError(w, err)
		return
	}
	if s.EventBus != nil {
		s.EventBus.PublishChannelEvent(r.Context(), events.SubjectChannelUpdate, "CHANNEL_UPDATE", channelID.String(),
			map[string]string{"channel_id": channelID.String()})
	}
	WriteNoContent(w)
}

func (s *Server) handleGetSelfGuilds(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	ids, err := s.Guilds.GuildIDsForUser(r.Context(), userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"guild_ids": ids})
}

// handleGetGuildIDsForUser is a minimal stand-in for a guild channel listing
// endpoint: this module does not implement full channel listing/ordering
// (out of scope), only the channel bootstrap CreateChannel/GetChannel pair
// the rest of the spec depends on.
func (s *Server) handleGetGuildIDsForUser(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotImplemented, "not_implemented", "guild channel listing is out of scope for this module")
}

// --- Message handlers ---

type createMessageRequest struct {
	Content   *string          `json:"content"`
	ReplyToID *string          `json:"reply_to_id"`
	Mentions  []string         `json:"mentions"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	channelID, err := snowflake.ParseID(chi.URLParam(r, "channelID"))
	if err != nil {
		writeAppError(w, apperror.NewValidation("invalid channel id"))
		return
	}
	authorID, err := snowflake.ParseID(auth.UserIDFromContext(r.Context()))
	if err != nil {
		writeAppError(w, apperror.NewUnauthorized("invalid session"))
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	draft := messages.Draft{Content: req.Content}
	if req.ReplyToID != nil {
		id, err := snowflake.ParseID(*req.ReplyToID)
		if err != nil {
			writeAppError(w, apperror.NewValidation("invalid reply_to_id"))
			return
		}
		draft.ReplyToID = &id
	}

	// Explicit mentions from the client win; otherwise derive them from
	// <@id> syntax in the content itself.
	rawMentions := req.Mentions
	if len(rawMentions) == 0 && draft.Content != nil {
		rawMentions = mentions.Parse(*draft.Content).UserIDs
	}
	for _, m := range rawMentions {
		id, err := snowflake.ParseID(m)
		if err != nil {
			writeAppError(w, apperror.NewValidation("invalid mention id"))
			return
		}
		draft.MentionIDs = append(draft.MentionIDs, id)
	}

	ch, err := s.Guilds.GetChannel(r.Context(), channelID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var guildID snowflake.ID
	if ch.GuildID != nil {
		guildID = *ch.GuildID
	}

	msg, err := s.Messages.Create(r.Context(), channelID, guildID, authorID, draft)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if s.EventBus != nil {
		s.EventBus.PublishChannelEvent(r.Context(), events.SubjectMessageCreate, "MESSAGE_CREATE", channelID.String(), msg)
	}
	WriteJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	channelID, err := snowflake.ParseID(chi.URLParam(r, "channelID"))
	if err != nil {
		writeAppError(w, apperror.NewValidation("invalid channel id"))
		return
	}
	anchor, limit, err := parseListQuery(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	msgs, err := s.Messages.List(r.Context(), channelID, anchor, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, msgs)
}

func parseListQuery(r *http.Request) (messages.Anchor, int, error) {
	q := r.URL.Query()
	var anchor messages.Anchor
	set := 0
	if v := q.Get("before"); v != "" {
		id, err := snowflake.ParseID(v)
		if err != nil {
			return anchor, 0, apperror.NewValidation("invalid before id")
		}
		anchor.Before = id
		set++
	}
	if v := q.Get("after"); v != "" {
		id, err := snowflake.ParseID(v)
		if err != nil {
			return anchor, 0, apperror.NewValidation("invalid after id")
		}
		anchor.After = id
		set++
	}
	if v := q.Get("around"); v != "" {
		id, err := snowflake.ParseID(v)
		if err != nil {
			return anchor, 0, apperror.NewValidation("invalid around id")
		}
		anchor.Around = id
		set++
	}
	if set == 0 {
		anchor.Latest = true
	}
	if set > 1 {
		return anchor, 0, apperror.NewValidation("only one of before/after/around may be set")
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return anchor, 0, apperror.NewValidation("invalid limit")
		}
		limit = n
	}
	return anchor, limit, nil
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	channelID, messageID, err := parseChannelMessage(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	msg, err := s.Messages.Get(r.Context(), channelID, messageID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, msg)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	channelID, messageID, err := parseChannelMessage(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	msg, err := s.Messages.Edit(r.Context(), channelID, messageID, req.Content)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if s.EventBus != nil {
		s.EventBus.PublishChannelEvent(r.Context(), events.SubjectMessageUpdate, "MESSAGE_UPDATE", channelID.String(), msg)
	}
	WriteJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	channelID, messageID, err := parseChannelMessage(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.Messages.Delete(r.Context(), channelID, messageID); err != nil {
		writeAppError(w, err)
		return
	}
	if s.EventBus != nil {
		s.EventBus.PublishChannelEvent(r.Context(), events.SubjectMessageDelete, "MESSAGE_DELETE", channelID.String(),
			map[string]string{"id": messageID.String(), "channel_id": channelID.String()})
	}
	WriteNoContent(w)
}

func (s *Server) handleListPins(w http.ResponseWriter, r *http.Request) {
	channelID, err := snowflake.ParseID(chi.URLParam(r, "channelID"))
	if err != nil {
		writeAppError(w, apperror.NewValidation("invalid channel id"))
		return
	}
	pins, err := s.Messages.ListPins(r.Context(), channelID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, pins)
}

func (s *Server) handlePinMessage(w http.ResponseWriter, r *http.Request) {
	s.setPin(w, r, true)
}

func (s *Server) handleUnpinMessage(w http.ResponseWriter, r *http.Request) {
	s.setPin(w, r, false)
}

func (s *Server) setPin(w http.ResponseWriter, r *http.Request, pin bool) {
	channelID, messageID, err := parseChannelMessage(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	pinnedBy, err := snowflake.ParseID(auth.UserIDFromContext(r.Context()))
	if err != nil {
		writeAppError(w, apperror.NewUnauthorized("invalid session"))
		return
	}
	if err := s.Messages.Pin(r.Context(), channelID, messageID, pinnedBy, pin); err != nil {
		writeAppError(w, err)
		return
	}
	if s.EventBus != nil {
		s.EventBus.PublishChannelEvent(r.Context(), events.SubjectChannelPinsUpdate, "CHANNEL_PINS_UPDATE", channelID.String(),
			map[string]string{"channel_id": channelID.String()})
	}
	WriteNoContent(w)
}

func parseChannelMessage(r *http.Request) (channelID, messageID snowflake.ID, err error) {
	channelID, err = snowflake.ParseID(chi.URLParam(r, "channelID"))
	if err != nil {
		return 0, 0, apperror.NewValidation("invalid channel id")
	}
	messageID, err = snowflake.ParseID(chi.URLParam(r, "messageID"))
	if err != nil {
		return 0, 0, apperror.NewValidation("invalid message id")
	}
	return channelID, messageID, nil
}

// --- Health ---

// handleHealthCheck responds with the health status of the server and its dependencies.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "version": s.Version}

	if err := s.DB.HealthCheck(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = "unhealthy"
	} else {
		status["database"] = "healthy"
	}

	if s.EventBus != nil {
		if err := s.EventBus.HealthCheck(); err != nil {
			status["status"] = "degraded"
			status["nats"] = "unhealthy"
		} else {
			status["nats"] = "healthy"
		}
	}

	if s.Cache != nil {
		if err := s.Cache.HealthCheck(r.Context()); err != nil {
			status["status"] = "degraded"
			status["cache"] = "unhealthy"
		} else {
			status["cache"] = "healthy"
		}
	}

	httpStatus := http.StatusOK
	if status["status"] != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	WriteJSON(w, httpStatus, status)
}

// --- Error envelope helpers ---

// ErrorResponse is the standard error envelope returned by the API.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error code and human-readable message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse is the standard success envelope returned by the API.
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// WriteJSON writes a JSON response with the given status code and data wrapped
// in the standard success envelope {"data": ...}.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(SuccessResponse{Data: data})
}

// WriteError writes a JSON error response with the given status code, error code,
// and message using the standard error envelope {"error": {"code": ..., "message": ...}}.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// WriteNoContent writes a 204 No Content response with no body.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeAppError maps an apperror.Error (or any error) to the standard
// envelope, using its Kind-derived HTTP status when available.
func writeAppError(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apperror.Error); ok {
		WriteError(w, ae.HTTPStatus(), string(apperror.KindOf(ae)), ae.Message)
		return
	}
	WriteError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
}

// writeAuthError maps an auth.AuthError (or any error) to the standard envelope.
func writeAuthError(w http.ResponseWriter, err error) {
	if ae, ok := err.(*auth.AuthError); ok {
		WriteError(w, ae.Status, ae.Code, ae.Message)
		return
	}
	writeAppError(w, err)
}

// maxBodySize limits the request body to the given number of bytes.
// Skips multipart/form-data requests (file uploads set their own limit).
func maxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			if r.Body != nil && !strings.HasPrefix(ct, "multipart/form-data") {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware returns a chi middleware that sets CORS headers for the given
// allowed origins.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := false
			for _, o := range origins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				isWildcard := len(origins) == 1 && origins[0] == "*"
				if !isWildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
