package sessions

import "testing"

type fakeSender struct {
	sent []string
}

func (f *fakeSender) Send(opcode int, eventType string, data []byte) error {
	f.sent = append(f.sent, eventType)
	return nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	sess := r.Register("sess1", "user1", &fakeSender{})

	got, ok := r.Lookup("sess1")
	if !ok {
		t.Fatal("expected session to be found")
	}
	if got != sess {
		t.Error("Lookup returned a different session")
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("sess1", "user1", &fakeSender{})
	r.Unregister("sess1")

	if _, ok := r.Lookup("sess1"); ok {
		t.Error("expected session to be gone after Unregister")
	}
	if ids := r.SessionsForUser("user1"); len(ids) != 0 {
		t.Errorf("expected no sessions for user1, got %v", ids)
	}
}

func TestMultiDeviceFanOut(t *testing.T) {
	r := NewRegistry()
	r.Register("sess1", "user1", &fakeSender{})
	r.Register("sess2", "user1", &fakeSender{})
	r.Register("sess3", "user2", &fakeSender{})

	ids := r.SessionsForUser("user1")
	if len(ids) != 2 {
		t.Fatalf("expected 2 sessions for user1, got %d", len(ids))
	}
}

func TestGuildSubscription(t *testing.T) {
	r := NewRegistry()
	r.Register("sess1", "user1", &fakeSender{})
	r.Register("sess2", "user2", &fakeSender{})

	r.SubscribeGuild("sess1", "guild1")
	r.SubscribeGuild("sess2", "guild1")

	ids := r.SessionsForGuild("guild1")
	if len(ids) != 2 {
		t.Fatalf("expected 2 sessions for guild1, got %d", len(ids))
	}

	r.UnsubscribeGuild("sess1", "guild1")
	ids = r.SessionsForGuild("guild1")
	if len(ids) != 1 {
		t.Fatalf("expected 1 session for guild1 after unsubscribe, got %d", len(ids))
	}
}

func TestUnregisterClearsGuildSubscriptions(t *testing.T) {
	r := NewRegistry()
	r.Register("sess1", "user1", &fakeSender{})
	r.SubscribeGuild("sess1", "guild1")
	r.Unregister("sess1")

	if ids := r.SessionsForGuild("guild1"); len(ids) != 0 {
		t.Errorf("expected guild1 to have no sessions after unregister, got %v", ids)
	}
}

func TestCount(t *testing.T) {
	r := NewRegistry()
	if r.Count() != 0 {
		t.Fatal("expected empty registry to have count 0")
	}
	r.Register("sess1", "user1", &fakeSender{})
	r.Register("sess2", "user2", &fakeSender{})
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
}

func TestAllSessions(t *testing.T) {
	r := NewRegistry()
	r.Register("sess1", "user1", &fakeSender{})
	r.Register("sess2", "user2", &fakeSender{})

	all := r.AllSessions()
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}
}

func TestNewSessionIDUnique(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	if a == b {
		t.Error("expected unique session IDs")
	}
}
