// Package gateway implements the real-time WebSocket protocol: the
// Hello/Identify/Ready handshake, heartbeating and zombie-connection
// detection, Resume-based reconnection, and routing inbound client frames
// while outbound dispatches arrive from the Event Fan-Out Engine.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/amityvox/amityvox/internal/auth"
	"github.com/amityvox/amityvox/internal/fanout"
	"github.com/amityvox/amityvox/internal/presence"
	"github.com/amityvox/amityvox/internal/sessions"
)

// Gateway opcodes. There is intentionally no opcode 5; the numbering
// matches the wire protocol this Gateway is compatible with.
const (
	OpDispatch           = 0
	OpHeartbeat          = 1
	OpIdentify           = 2
	OpPresenceUpdate     = 3
	OpVoiceStateUpdate   = 4
	OpResume             = 6
	OpReconnect          = 7
	OpRequestGuildMembers = 8
	OpInvalidSession     = 9
	OpHello              = 10
	OpHeartbeatAck       = 11
)

// Close codes sent when the server terminates a connection.
const (
	closeUnknownOpcode        = 4001
	closeDecodeError          = 4002
	closeNotAuthenticated     = 4003
	closeAuthenticationFailed = 4004
	closeAlreadyAuthenticated = 4005
	closeInvalidSeq           = 4007
	closeRateLimited          = 4008
	closeSessionTimedOut      = 4009
)

// GatewayMessage is the wire envelope for every frame exchanged with a
// client, in both directions.
type GatewayMessage struct {
	Op   int             `json:"op"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
}

// IdentifyPayload is the client's opcode 2 payload.
type IdentifyPayload struct {
	Token string `json:"token"`
}

// ResumePayload is the client's opcode 6 payload.
type ResumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// HelloPayload is the server's opcode 10 payload.
type HelloPayload struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// ReadyPayload is the READY dispatch payload sent once a session is
// authenticated, carrying enough state for the client to build its cache.
type ReadyPayload struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	GuildIDs  []string `json:"guild_ids"`
}

// connState is the per-connection state machine described by the protocol:
// Connecting -> AwaitingHello -> AwaitingIdentify -> (Authenticating |
// Resuming) -> Ready -> Disconnecting -> Disconnected.
type connState int32

const (
	stateConnecting connState = iota
	stateAwaitingHello
	stateAwaitingIdentify
	stateAuthenticating
	stateResuming
	stateReady
	stateDisconnecting
	stateDisconnected
)

// IdentityStore resolves a token to a user ID and, separately, a guild
// membership list for the READY payload. Implemented by the REST/guild
// layer; kept as an interface here to avoid an import cycle.
type IdentityStore interface {
	ValidateSession(ctx context.Context, token string) (userID string, err error)
	GuildIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Server accepts WebSocket upgrades and runs the Gateway protocol over
// them. One Server per node; the Registry it owns holds only sessions
// connected to that node.
type Server struct {
	identity IdentityStore
	registry *sessions.Registry
	engine   *fanout.Engine
	store    *presence.Store
	logger   *slog.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	identifyTimeout   time.Duration
}

// NewServer constructs a Gateway Server.
func NewServer(identity IdentityStore, registry *sessions.Registry, engine *fanout.Engine, store *presence.Store, heartbeatInterval, heartbeatTimeout time.Duration, logger *slog.Logger) *Server {
	return &Server{
		identity:          identity,
		registry:          registry,
		engine:            engine,
		store:             store,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		identifyTimeout:   heartbeatTimeout,
	}
}

// Registry exposes the Session Registry this Gateway server populates, for
// wiring into services that need to resolve fan-out targets.
func (s *Server) Registry() *sessions.Registry {
	return s.registry
}

// Engine exposes the Fan-Out Engine this Gateway server shares sessions
// with, for wiring into services that dispatch events.
func (s *Server) Engine() *fanout.Engine {
	return s.engine
}

// conn is a single client connection and its session state.
type conn struct {
	ws     *websocket.Conn
	server *Server

	sessionID string
	userID    string

	state int32 // connState, accessed atomically

	sendMu sync.Mutex

	lastHeartbeatMu sync.Mutex
	lastHeartbeat   time.Time
}

// Send implements sessions.Sender. data is a fully-encoded GatewayMessage
// frame produced by the fan-out engine; it is written to the socket as-is.
func (c *conn) Send(opcode int, eventType string, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) writeMessage(ctx context.Context, msg GatewayMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling gateway message: %w", err)
	}
	return c.writeRaw(ctx, data)
}

// writeRaw writes an already-encoded frame to the socket as-is, without
// wrapping it in another GatewayMessage envelope. Used to replay buffered
// events on resume, which are stored pre-marshaled by the fan-out engine.
func (c *conn) writeRaw(ctx context.Context, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) setState(s connState) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *conn) getState() connState {
	return connState(atomic.LoadInt32(&c.state))
}

// ServeHTTP upgrades the connection and runs the protocol to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	c := &conn{ws: ws, server: s, lastHeartbeat: time.Now()}
	c.setState(stateConnecting)

	ctx := context.Background()
	defer ws.CloseNow()

	if err := s.handshake(ctx, c); err != nil {
		s.logger.Info("gateway handshake failed", slog.String("error", err.Error()))
		return
	}

	s.readLoop(ctx, c)
}

// handshake runs Hello -> (Identify | Resume) -> Ready.
func (s *Server) handshake(ctx context.Context, c *conn) error {
	c.setState(stateAwaitingHello)
	hello := GatewayMessage{
		Op:   OpHello,
		Data: mustMarshal(HelloPayload{HeartbeatInterval: int(s.heartbeatInterval.Milliseconds())}),
	}
	if err := c.writeMessage(ctx, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	c.setState(stateAwaitingIdentify)
	identifyCtx, cancel := context.WithTimeout(ctx, s.identifyTimeout)
	defer cancel()

	_, data, err := c.ws.Read(identifyCtx)
	if err != nil {
		return fmt.Errorf("reading identify/resume: %w", err)
	}

	var msg GatewayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.ws.Close(closeDecodeError, "invalid payload")
		return fmt.Errorf("decoding identify/resume: %w", err)
	}

	switch msg.Op {
	case OpIdentify:
		return s.identify(ctx, c, msg)
	case OpResume:
		return s.resume(ctx, c, msg)
	default:
		c.ws.Close(closeNotAuthenticated, "expected identify or resume")
		return fmt.Errorf("unexpected opcode %d before authentication", msg.Op)
	}
}

func (s *Server) identify(ctx context.Context, c *conn, msg GatewayMessage) error {
	c.setState(stateAuthenticating)

	var payload IdentifyPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.ws.Close(closeDecodeError, "invalid identify payload")
		return fmt.Errorf("decoding identify payload: %w", err)
	}

	userID, err := s.identity.ValidateSession(ctx, payload.Token)
	if err != nil {
		c.ws.Close(closeAuthenticationFailed, "authentication failed")
		return fmt.Errorf("validating identify token: %w", err)
	}

	sessionID := sessions.NewSessionID()
	c.sessionID = sessionID
	c.userID = userID
	s.registry.Register(sessionID, userID, c)

	guildIDs, err := s.identity.GuildIDsForUser(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to load guilds for ready payload", slog.String("error", err.Error()))
		guildIDs = nil
	}
	for _, gid := range guildIDs {
		s.registry.SubscribeGuild(sessionID, gid)
	}

	c.setState(stateReady)
	seq := s.engine.CurrentSeq(sessionID)
	ready := GatewayMessage{
		Op:   OpDispatch,
		Type: "READY",
		Data: mustMarshal(ReadyPayload{SessionID: sessionID, UserID: userID, GuildIDs: guildIDs}),
		Seq:  &seq,
	}
	return c.writeMessage(ctx, ready)
}

func (s *Server) resume(ctx context.Context, c *conn, msg GatewayMessage) error {
	c.setState(stateResuming)

	var payload ResumePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.ws.Close(closeDecodeError, "invalid resume payload")
		return fmt.Errorf("decoding resume payload: %w", err)
	}

	userID, err := s.identity.ValidateSession(ctx, payload.Token)
	if err != nil {
		c.ws.Close(closeAuthenticationFailed, "authentication failed")
		return fmt.Errorf("validating resume token: %w", err)
	}

	events, ok, err := s.store.RangeEvents(ctx, payload.SessionID, payload.Seq)
	if err != nil || !ok {
		invalid := GatewayMessage{Op: OpInvalidSession, Data: json.RawMessage("false")}
		c.writeMessage(ctx, invalid)
		c.ws.Close(websocket.StatusNormalClosure, "session not resumable")
		return fmt.Errorf("session %s not resumable: ok=%v err=%v", payload.SessionID, ok, err)
	}

	c.sessionID = payload.SessionID
	c.userID = userID
	s.registry.Register(c.sessionID, userID, c)

	var lastSeq int64
	for _, ev := range events {
		if err := c.writeRaw(ctx, ev.Payload); err != nil {
			return fmt.Errorf("replaying buffered event: %w", err)
		}
		lastSeq = ev.Sequence
	}

	c.setState(stateReady)
	resumed := GatewayMessage{Op: OpDispatch, Type: "RESUMED", Data: mustMarshal(struct{}{}), Seq: &lastSeq}
	return c.writeMessage(ctx, resumed)
}

// readLoop processes inbound frames (heartbeats, presence updates) until the
// connection closes or goes zombie.
func (s *Server) readLoop(ctx context.Context, c *conn) {
	defer func() {
		c.setState(stateDisconnecting)
		if c.sessionID != "" {
			s.registry.Unregister(c.sessionID)
		}
		c.setState(stateDisconnected)
	}()

	zombieCtx, cancelZombie := context.WithCancel(ctx)
	defer cancelZombie()
	go s.watchZombie(zombieCtx, c)

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		var msg GatewayMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.ws.Close(closeDecodeError, "invalid payload")
			return
		}

		switch msg.Op {
		case OpHeartbeat:
			c.lastHeartbeatMu.Lock()
			c.lastHeartbeat = time.Now()
			c.lastHeartbeatMu.Unlock()
			if err := c.writeMessage(ctx, GatewayMessage{Op: OpHeartbeatAck}); err != nil {
				return
			}
		case OpPresenceUpdate:
			s.handlePresenceUpdate(ctx, c, msg)
		case OpVoiceStateUpdate, OpRequestGuildMembers:
			// Accepted for protocol compatibility; voice and member-list
			// scanning are out of scope here.
		default:
			c.ws.Close(closeUnknownOpcode, "unknown opcode")
			return
		}
	}
}

func (s *Server) handlePresenceUpdate(ctx context.Context, c *conn, msg GatewayMessage) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Status == "" {
		return
	}
	if err := s.store.SetPresence(ctx, c.userID, payload.Status); err != nil {
		s.logger.Debug("failed to record presence update", slog.String("error", err.Error()))
	}
}

// watchZombie closes the connection if no heartbeat has been received
// within the configured heartbeat timeout (by default 2x the heartbeat
// interval), per the zombie-connection check.
func (s *Server) watchZombie(ctx context.Context, c *conn) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.lastHeartbeatMu.Lock()
			last := c.lastHeartbeat
			c.lastHeartbeatMu.Unlock()

			if time.Since(last) > s.heartbeatTimeout {
				c.ws.Close(closeSessionTimedOut, "heartbeat timeout")
				return
			}
		}
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("gateway: failed to marshal known-good value: %v", err))
	}
	return b
}

// staticAuthIdentity adapts an *auth.Service plus a guild lookup function
// into an IdentityStore, used by cmd/amityvox to wire the Gateway without
// the gateway package importing the guilds package directly.
type staticAuthIdentity struct {
	authSvc        *auth.Service
	guildIDsForUser func(ctx context.Context, userID string) ([]string, error)
}

// NewIdentityStore builds an IdentityStore from an auth.Service and a guild
// membership lookup function.
func NewIdentityStore(authSvc *auth.Service, guildIDsForUser func(ctx context.Context, userID string) ([]string, error)) IdentityStore {
	return &staticAuthIdentity{authSvc: authSvc, guildIDsForUser: guildIDsForUser}
}

func (a *staticAuthIdentity) ValidateSession(ctx context.Context, token string) (string, error) {
	return a.authSvc.ValidateSession(ctx, token)
}

func (a *staticAuthIdentity) GuildIDsForUser(ctx context.Context, userID string) ([]string, error) {
	if a.guildIDsForUser == nil {
		return nil, nil
	}
	return a.guildIDsForUser(ctx, userID)
}
