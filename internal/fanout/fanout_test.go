package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/amityvox/amityvox/internal/permissions"
	"github.com/amityvox/amityvox/internal/sessions"
)

type recordingSender struct {
	received []string
}

func (r *recordingSender) Send(opcode int, eventType string, data []byte) error {
	r.received = append(r.received, eventType)
	return nil
}

type fakeResolver struct {
	perms    map[string]uint64 // userID -> perms
	channels map[string]string // channelID -> guildID
}

func (f *fakeResolver) ChannelPermissions(ctx context.Context, userID, channelID string) (uint64, error) {
	return f.perms[userID], nil
}

func (f *fakeResolver) ChannelGuildID(ctx context.Context, channelID string) (string, error) {
	guildID, ok := f.channels[channelID]
	if !ok {
		return "", errors.New("channel not found")
	}
	return guildID, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatch_ToUser(t *testing.T) {
	reg := sessions.NewRegistry()
	sender := &recordingSender{}
	reg.Register("sess1", "user1", sender)

	e := NewEngine(reg, nil, nil, testLogger())
	err := e.Dispatch(context.Background(), Target{Type: ToUser, ID: "user1"}, Event{Type: "MESSAGE_CREATE", Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	if len(sender.received) != 1 || sender.received[0] != "MESSAGE_CREATE" {
		t.Errorf("expected MESSAGE_CREATE delivered, got %v", sender.received)
	}
}

func TestDispatch_PermissionFiltered(t *testing.T) {
	reg := sessions.NewRegistry()
	allowed := &recordingSender{}
	denied := &recordingSender{}
	reg.Register("sess-allowed", "user-allowed", allowed)
	reg.Register("sess-denied", "user-denied", denied)
	reg.SubscribeGuild("sess-allowed", "guild1")
	reg.SubscribeGuild("sess-denied", "guild1")

	resolver := &fakeResolver{perms: map[string]uint64{
		"user-allowed": permissions.ViewChannel,
		"user-denied":  0,
	}}

	e := NewEngine(reg, resolver, nil, testLogger())
	err := e.Dispatch(context.Background(), Target{Type: ToGuild, ID: "guild1"}, Event{
		Type: "MESSAGE_CREATE", ChannelID: "chan1", Data: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	if len(allowed.received) != 1 {
		t.Errorf("expected allowed session to receive event, got %v", allowed.received)
	}
	if len(denied.received) != 0 {
		t.Errorf("expected denied session to receive nothing, got %v", denied.received)
	}
}

func TestDispatch_Broadcast(t *testing.T) {
	reg := sessions.NewRegistry()
	a := &recordingSender{}
	b := &recordingSender{}
	reg.Register("sess1", "user1", a)
	reg.Register("sess2", "user2", b)

	e := NewEngine(reg, nil, nil, testLogger())
	if err := e.Dispatch(context.Background(), Target{Type: Broadcast}, Event{Type: "READY", Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	if len(a.received) != 1 || len(b.received) != 1 {
		t.Errorf("expected broadcast delivered to both sessions, got a=%v b=%v", a.received, b.received)
	}
}

func TestDispatch_ToChannel(t *testing.T) {
	reg := sessions.NewRegistry()
	inGuild := &recordingSender{}
	elsewhere := &recordingSender{}
	reg.Register("sess-in-guild", "user-in-guild", inGuild)
	reg.Register("sess-elsewhere", "user-elsewhere", elsewhere)
	reg.SubscribeGuild("sess-in-guild", "guild1")

	resolver := &fakeResolver{
		perms:    map[string]uint64{"user-in-guild": permissions.ViewChannel},
		channels: map[string]string{"chan1": "guild1"},
	}

	e := NewEngine(reg, resolver, nil, testLogger())
	err := e.Dispatch(context.Background(), Target{Type: ToChannel, ID: "chan1"}, Event{
		Type: "MESSAGE_CREATE", ChannelID: "chan1", Data: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	if len(inGuild.received) != 1 || inGuild.received[0] != "MESSAGE_CREATE" {
		t.Errorf("expected the channel's guild subscriber to receive MESSAGE_CREATE, got %v", inGuild.received)
	}
	if len(elsewhere.received) != 0 {
		t.Errorf("expected session outside the channel's guild to receive nothing, got %v", elsewhere.received)
	}
}

func TestDispatch_ToChannel_UnresolvableChannelDropsSilently(t *testing.T) {
	reg := sessions.NewRegistry()
	sender := &recordingSender{}
	reg.Register("sess1", "user1", sender)
	reg.SubscribeGuild("sess1", "guild1")

	resolver := &fakeResolver{channels: map[string]string{}}

	e := NewEngine(reg, resolver, nil, testLogger())
	if err := e.Dispatch(context.Background(), Target{Type: ToChannel, ID: "unknown-chan"}, Event{
		Type: "MESSAGE_CREATE", ChannelID: "unknown-chan", Data: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	if len(sender.received) != 0 {
		t.Errorf("expected no delivery for an unresolvable channel, got %v", sender.received)
	}
}

func TestDispatch_SequenceMonotonic(t *testing.T) {
	reg := sessions.NewRegistry()
	sender := &recordingSender{}
	reg.Register("sess1", "user1", sender)

	e := NewEngine(reg, nil, nil, testLogger())
	for i := 0; i < 5; i++ {
		if err := e.Dispatch(context.Background(), Target{Type: ToUser, ID: "user1"}, Event{Type: "X", Data: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("Dispatch error: %v", err)
		}
	}

	if got := e.nextSeq("sess1"); got != 6 {
		t.Errorf("expected next sequence to be 6 after 5 dispatches, got %d", got)
	}
}
