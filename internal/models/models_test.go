package models

import (
	"testing"
	"time"

	"github.com/amityvox/amityvox/internal/snowflake"
)

func TestUser_FlagHelpers(t *testing.T) {
	u := User{Flags: UserFlagAdmin}
	if !u.IsAdmin() {
		t.Error("expected IsAdmin true")
	}
	if u.IsBot() {
		t.Error("expected IsBot false")
	}
}

func TestUser_IsDeleted(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		deletedAt *time.Time
		want      bool
	}{
		{"active", nil, false},
		{"deleted", &now, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := User{DeletedAt: tt.deletedAt}
			if got := u.IsDeleted(); got != tt.want {
				t.Errorf("IsDeleted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGuildMember_IsTimedOut(t *testing.T) {
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name         string
		timeoutUntil *time.Time
		want         bool
	}{
		{"no timeout", nil, false},
		{"future timeout", &future, true},
		{"expired timeout", &past, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := GuildMember{TimeoutUntil: tt.timeoutUntil}
			if got := m.IsTimedOut(); got != tt.want {
				t.Errorf("IsTimedOut() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage_FlagHelpers(t *testing.T) {
	m := Message{Flags: MessageFlagPinned | MessageFlagSilent}
	if !m.IsPinned() {
		t.Error("expected IsPinned true")
	}
	if !m.IsSilent() {
		t.Error("expected IsSilent true")
	}

	plain := Message{}
	if plain.IsPinned() || plain.IsSilent() {
		t.Error("expected zero-value message to have no flags set")
	}
}

func TestMessage_IsDeleted(t *testing.T) {
	now := time.Now()
	m := Message{DeletedAt: &now}
	if !m.IsDeleted() {
		t.Error("expected IsDeleted true")
	}
}

func TestInvite_ExpiresAt(t *testing.T) {
	created := time.Now()

	never := Invite{CreatedAt: created, MaxAgeSeconds: 0}
	if !never.ExpiresAt().IsZero() {
		t.Error("zero MaxAgeSeconds should mean no expiry")
	}

	bounded := Invite{CreatedAt: created, MaxAgeSeconds: 60}
	want := created.Add(60 * time.Second)
	if !bounded.ExpiresAt().Equal(want) {
		t.Errorf("ExpiresAt() = %v, want %v", bounded.ExpiresAt(), want)
	}
}

func TestInvite_IsExpired(t *testing.T) {
	past := Invite{CreatedAt: time.Now().Add(-time.Hour), MaxAgeSeconds: 60}
	if !past.IsExpired() {
		t.Error("expected expired invite to report IsExpired true")
	}

	future := Invite{CreatedAt: time.Now(), MaxAgeSeconds: 3600}
	if future.IsExpired() {
		t.Error("expected non-expired invite to report IsExpired false")
	}

	unlimited := Invite{CreatedAt: time.Now().Add(-24 * time.Hour), MaxAgeSeconds: 0}
	if unlimited.IsExpired() {
		t.Error("expected unlimited-age invite never to expire")
	}
}

func TestInvite_IsMaxUsesReached(t *testing.T) {
	unlimited := Invite{MaxUses: 0, Uses: 1000}
	if unlimited.IsMaxUsesReached() {
		t.Error("MaxUses 0 should mean unlimited")
	}

	reached := Invite{MaxUses: 5, Uses: 5}
	if !reached.IsMaxUsesReached() {
		t.Error("expected max uses reached")
	}

	remaining := Invite{MaxUses: 5, Uses: 4}
	if remaining.IsMaxUsesReached() {
		t.Error("expected max uses not yet reached")
	}
}

func TestEveryoneRoleName(t *testing.T) {
	role := Role{ID: snowflake.ID(1), Position: 0, Name: EveryoneRoleName}
	if role.Name != "@everyone" {
		t.Errorf("EveryoneRoleName = %q, want @everyone", role.Name)
	}
}
