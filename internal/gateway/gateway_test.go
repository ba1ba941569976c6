package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/amityvox/amityvox/internal/fanout"
	"github.com/amityvox/amityvox/internal/sessions"
)

func TestOpcodeConstants(t *testing.T) {
	opcodes := map[string]int{
		"Dispatch":          OpDispatch,
		"Heartbeat":         OpHeartbeat,
		"Identify":          OpIdentify,
		"PresenceUpdate":    OpPresenceUpdate,
		"VoiceStateUpdate":  OpVoiceStateUpdate,
		"Resume":            OpResume,
		"Reconnect":         OpReconnect,
		"RequestGuildMembers": OpRequestGuildMembers,
		"InvalidSession":    OpInvalidSession,
		"Hello":             OpHello,
		"HeartbeatAck":      OpHeartbeatAck,
	}

	seen := make(map[int]string)
	for name, op := range opcodes {
		if existing, ok := seen[op]; ok {
			t.Errorf("duplicate opcode %d: %s and %s", op, existing, name)
		}
		seen[op] = name
	}

	// There is intentionally no opcode 5.
	for _, op := range opcodes {
		if op == 5 {
			t.Errorf("opcode 5 must not be assigned")
		}
	}

	if OpDispatch != 0 {
		t.Errorf("OpDispatch = %d, want 0", OpDispatch)
	}
	if OpHello != 10 {
		t.Errorf("OpHello = %d, want 10", OpHello)
	}
	if OpHeartbeatAck != 11 {
		t.Errorf("OpHeartbeatAck = %d, want 11", OpHeartbeatAck)
	}
}

func TestGatewayMessage_JSON(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"key": "value"})
	seq := int64(42)
	msg := GatewayMessage{
		Op:   OpDispatch,
		Type: "MESSAGE_CREATE",
		Data: data,
		Seq:  &seq,
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded GatewayMessage
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.Op != OpDispatch {
		t.Errorf("op = %d, want %d", decoded.Op, OpDispatch)
	}
	if decoded.Type != "MESSAGE_CREATE" {
		t.Errorf("type = %q, want %q", decoded.Type, "MESSAGE_CREATE")
	}
	if decoded.Seq == nil || *decoded.Seq != 42 {
		t.Errorf("seq = %v, want 42", decoded.Seq)
	}
}

func TestGatewayMessage_Omitempty(t *testing.T) {
	msg := GatewayMessage{Op: OpHeartbeat}

	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded map[string]interface{}
	json.Unmarshal(encoded, &decoded)

	if _, ok := decoded["s"]; ok {
		t.Errorf("seq should be omitted, got: %s", string(encoded))
	}
	if _, ok := decoded["t"]; ok {
		t.Errorf("type should be omitted, got: %s", string(encoded))
	}
}

func TestIdentifyPayload_JSON(t *testing.T) {
	payload := IdentifyPayload{Token: "my-secret-token"}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded IdentifyPayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.Token != "my-secret-token" {
		t.Errorf("token = %q, want %q", decoded.Token, "my-secret-token")
	}
}

func TestHelloPayload_JSON(t *testing.T) {
	payload := HelloPayload{HeartbeatInterval: 30000}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded HelloPayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.HeartbeatInterval != 30000 {
		t.Errorf("heartbeat_interval = %d, want %d", decoded.HeartbeatInterval, 30000)
	}
}

func TestGatewayMessage_FromJSON(t *testing.T) {
	raw := `{"op":2,"d":{"token":"abc123"}}`
	var msg GatewayMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if msg.Op != OpIdentify {
		t.Errorf("op = %d, want %d", msg.Op, OpIdentify)
	}

	var identify IdentifyPayload
	if err := json.Unmarshal(msg.Data, &identify); err != nil {
		t.Fatalf("unmarshal data error: %v", err)
	}
	if identify.Token != "abc123" {
		t.Errorf("token = %q, want %q", identify.Token, "abc123")
	}
}

type fakeIdentity struct {
	userID   string
	guildIDs []string
	err      error
}

func (f *fakeIdentity) ValidateSession(ctx context.Context, token string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.userID, nil
}

func (f *fakeIdentity) GuildIDsForUser(ctx context.Context, userID string) ([]string, error) {
	return f.guildIDs, nil
}

func testServer(identity IdentityStore) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := sessions.NewRegistry()
	engine := fanout.NewEngine(registry, nil, nil, logger)
	return NewServer(identity, registry, engine, nil, 50*time.Millisecond, 200*time.Millisecond, logger)
}

func TestHandshake_IdentifySucceeds(t *testing.T) {
	srv := testServer(&fakeIdentity{userID: "user1", guildIDs: []string{"guild1"}})
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading hello: %v", err)
	}
	var hello GatewayMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		t.Fatalf("decoding hello: %v", err)
	}
	if hello.Op != OpHello {
		t.Fatalf("op = %d, want OpHello", hello.Op)
	}

	identify := GatewayMessage{Op: OpIdentify, Data: mustMarshal(IdentifyPayload{Token: "tok"})}
	payload, _ := json.Marshal(identify)
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("writing identify: %v", err)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading ready: %v", err)
	}
	var ready GatewayMessage
	if err := json.Unmarshal(data, &ready); err != nil {
		t.Fatalf("decoding ready: %v", err)
	}
	if ready.Op != OpDispatch || ready.Type != "READY" {
		t.Fatalf("expected READY dispatch, got op=%d type=%q", ready.Op, ready.Type)
	}

	var readyPayload ReadyPayload
	if err := json.Unmarshal(ready.Data, &readyPayload); err != nil {
		t.Fatalf("decoding ready payload: %v", err)
	}
	if readyPayload.UserID != "user1" {
		t.Errorf("ready user_id = %q, want user1", readyPayload.UserID)
	}
	if ready.Seq == nil {
		t.Error("expected READY to carry a sequence number, got nil")
	}
}

func TestHandshake_InvalidTokenCloses(t *testing.T) {
	srv := testServer(&fakeIdentity{err: context.DeadlineExceeded})
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("reading hello: %v", err)
	}

	identify := GatewayMessage{Op: OpIdentify, Data: mustMarshal(IdentifyPayload{Token: "bad"})}
	payload, _ := json.Marshal(identify)
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("writing identify: %v", err)
	}

	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected connection to close after failed authentication")
	}
}

func TestConnState_Transitions(t *testing.T) {
	c := &conn{}
	c.setState(stateConnecting)
	if c.getState() != stateConnecting {
		t.Fatalf("expected stateConnecting")
	}
	c.setState(stateReady)
	if c.getState() != stateReady {
		t.Fatalf("expected stateReady")
	}
}

func TestWatchZombie_ClosesAfterTimeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := sessions.NewRegistry()
	engine := fanout.NewEngine(registry, nil, nil, logger)
	srv := NewServer(&fakeIdentity{}, registry, engine, nil, 20*time.Millisecond, 40*time.Millisecond, logger)

	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	if _, _, err := c.Read(ctx); err != nil {
		t.Fatalf("reading hello: %v", err)
	}

	identify := GatewayMessage{Op: OpIdentify, Data: mustMarshal(IdentifyPayload{Token: "tok"})}
	payload, _ := json.Marshal(identify)
	if err := c.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("writing identify: %v", err)
	}
	if _, _, err := c.Read(ctx); err != nil {
		t.Fatalf("reading ready: %v", err)
	}

	// Send no heartbeats; the server should close the connection once the
	// zombie timeout elapses.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
	t.Fatal("expected connection to be closed due to heartbeat timeout")
}
