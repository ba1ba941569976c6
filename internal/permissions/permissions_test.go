package permissions

import (
	"testing"
	"time"
)

func TestPermissionConstants_NoDuplicates(t *testing.T) {
	seen := make(map[uint64]string)
	for bit, name := range permissionNames {
		if existing, ok := seen[bit]; ok {
			t.Errorf("duplicate bit 0x%X: %s and %s", bit, existing, name)
		}
		seen[bit] = name
	}
}

func TestPermissionConstants_ArePowersOfTwo(t *testing.T) {
	for bit, name := range permissionNames {
		if bit == 0 || (bit&(bit-1)) != 0 {
			t.Errorf("permission %s (0x%X) is not a power of two", name, bit)
		}
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name   string
		perms  uint64
		perm   uint64
		expect bool
	}{
		{"has single", SendMessages, SendMessages, true},
		{"missing", SendMessages, ManageGuild, false},
		{"has among many", SendMessages | ViewChannel | ReadHistory, ViewChannel, true},
		{"zero perms", 0, SendMessages, false},
		{"administrator", Administrator, Administrator, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasPermission(tc.perms, tc.perm); got != tc.expect {
				t.Errorf("HasPermission(0x%X, 0x%X) = %v, want %v", tc.perms, tc.perm, got, tc.expect)
			}
		})
	}
}

func TestHasAnyPermission(t *testing.T) {
	perms := SendMessages | ViewChannel
	if !HasAnyPermission(perms, ManageGuild, SendMessages) {
		t.Error("HasAnyPermission should return true when one matches")
	}
	if HasAnyPermission(perms, ManageGuild, BanMembers) {
		t.Error("HasAnyPermission should return false when none match")
	}
}

func TestHasAllPermissions(t *testing.T) {
	perms := SendMessages | ViewChannel | ReadHistory
	if !HasAllPermissions(perms, SendMessages, ViewChannel) {
		t.Error("HasAllPermissions should return true when all present")
	}
	if HasAllPermissions(perms, SendMessages, ManageGuild) {
		t.Error("HasAllPermissions should return false when one missing")
	}
}

func TestCalculatePermissions_OwnerGetsAll(t *testing.T) {
	member := MemberInfo{UserID: "owner123"}
	guild := GuildInfo{OwnerID: "owner123"}
	everyone := []RoleInfo{{ID: "everyone", Position: 0, Permissions: ViewChannel}}

	got := CalculatePermissions(member, guild, everyone, nil)
	if got != AllPermissions {
		t.Errorf("owner should get AllPermissions, got 0x%X", got)
	}
}

func TestCalculatePermissions_EveryoneBase(t *testing.T) {
	member := MemberInfo{UserID: "user1"}
	guild := GuildInfo{OwnerID: "other"}
	roles := []RoleInfo{{ID: "everyone", Position: 0, Permissions: ViewChannel | SendMessages}}

	got := CalculatePermissions(member, guild, roles, nil)
	if got != ViewChannel|SendMessages {
		t.Errorf("got 0x%X, want 0x%X", got, ViewChannel|SendMessages)
	}
}

func TestCalculatePermissions_RoleUnion(t *testing.T) {
	member := MemberInfo{UserID: "user1"}
	guild := GuildInfo{OwnerID: "other"}
	roles := []RoleInfo{
		{ID: "everyone", Position: 0, Permissions: ViewChannel | ReadHistory},
		{ID: "role1", Position: 1, Permissions: ManageGuild},
	}

	got := CalculatePermissions(member, guild, roles, nil)
	if !HasPermission(got, ManageGuild) {
		t.Error("role permissions should grant ManageGuild")
	}
	if !HasPermission(got, ViewChannel) {
		t.Error("@everyone permissions should remain")
	}
}

func TestCalculatePermissions_AdministratorBypass(t *testing.T) {
	member := MemberInfo{UserID: "user1"}
	guild := GuildInfo{OwnerID: "other"}
	roles := []RoleInfo{
		{ID: "everyone", Position: 0, Permissions: ViewChannel},
		{ID: "admin", Position: 1, Permissions: Administrator},
	}

	got := CalculatePermissions(member, guild, roles, nil)
	if got != AllPermissions {
		t.Errorf("administrator should get AllPermissions, got 0x%X", got)
	}
}

func TestCalculatePermissions_OverrideOrdering(t *testing.T) {
	member := MemberInfo{UserID: "user1"}
	guild := GuildInfo{OwnerID: "other"}
	roles := []RoleInfo{
		{ID: "everyone", Position: 0, Permissions: ViewChannel},
		{ID: "role1", Position: 1, Permissions: ViewChannel},
	}

	// @everyone denies SendMessages; role1 (higher position) allows it back.
	channel := &ChannelInfo{
		Overrides: []ChannelOverride{
			{TargetType: "role", TargetID: "everyone", Deny: SendMessages},
			{TargetType: "role", TargetID: "role1", Allow: SendMessages},
		},
	}

	got := CalculatePermissions(member, guild, roles, channel)
	if !HasPermission(got, SendMessages) {
		t.Error("later role override should win over @everyone deny")
	}

	// Reversed stacking: role1 denies, @everyone allows — @everyone still
	// applies first so role1's deny (applied after) wins.
	channel2 := &ChannelInfo{
		Overrides: []ChannelOverride{
			{TargetType: "role", TargetID: "everyone", Allow: SendMessages},
			{TargetType: "role", TargetID: "role1", Deny: SendMessages},
		},
	}
	got2 := CalculatePermissions(member, guild, roles, channel2)
	if HasPermission(got2, SendMessages) {
		t.Error("higher-position role deny should win over @everyone allow")
	}
}

func TestCalculatePermissions_MemberOverrideAppliesLast(t *testing.T) {
	member := MemberInfo{UserID: "user1"}
	guild := GuildInfo{OwnerID: "other"}
	roles := []RoleInfo{
		{ID: "everyone", Position: 0, Permissions: ViewChannel},
		{ID: "role1", Position: 1, Permissions: ReadHistory},
	}

	channel := &ChannelInfo{
		Overrides: []ChannelOverride{
			{TargetType: "role", TargetID: "role1", Allow: ManageMessages},
			{TargetType: "user", TargetID: "user1", Deny: ManageMessages},
		},
	}

	got := CalculatePermissions(member, guild, roles, channel)
	if HasPermission(got, ManageMessages) {
		t.Error("member override should apply after role overrides and win")
	}
}

func TestCalculatePermissions_Timeout(t *testing.T) {
	future := time.Now().Add(1 * time.Hour)
	member := MemberInfo{UserID: "user1", TimeoutUntil: &future}
	guild := GuildInfo{OwnerID: "other"}
	roles := []RoleInfo{{ID: "everyone", Position: 0, Permissions: ViewChannel | SendMessages | AddReactions | Connect}}

	channel := &ChannelInfo{}
	got := CalculatePermissions(member, guild, roles, channel)
	if HasPermission(got, SendMessages) {
		t.Error("timed-out member should not have SendMessages")
	}
	if HasPermission(got, AddReactions) {
		t.Error("timed-out member should not have AddReactions")
	}
	if !HasPermission(got, ViewChannel) {
		t.Error("timed-out member should still have ViewChannel")
	}
}

func TestCalculatePermissions_NoViewNoPerms(t *testing.T) {
	member := MemberInfo{UserID: "user1"}
	guild := GuildInfo{OwnerID: "other"}
	roles := []RoleInfo{{ID: "everyone", Position: 0, Permissions: SendMessages | ReadHistory}}

	channel := &ChannelInfo{
		Overrides: []ChannelOverride{
			{TargetType: "role", TargetID: "everyone", Deny: 0},
		},
	}

	got := CalculatePermissions(member, guild, roles, channel)
	if got != 0 {
		t.Errorf("no ViewChannel should result in 0 perms, got 0x%X", got)
	}
}

func TestNames(t *testing.T) {
	perms := SendMessages | ViewChannel
	names := Names(perms)
	if len(names) != 2 {
		t.Fatalf("Names returned %d names, want 2", len(names))
	}

	nameMap := make(map[string]bool)
	for _, n := range names {
		nameMap[n] = true
	}
	if !nameMap["SendMessages"] || !nameMap["ViewChannel"] {
		t.Errorf("Names(%d) = %v, want SendMessages and ViewChannel", perms, names)
	}
}

func TestString(t *testing.T) {
	if s := String(0); s != "none" {
		t.Errorf("String(0) = %q, want %q", s, "none")
	}
	s := String(SendMessages)
	if s != "SendMessages" {
		t.Errorf("String(SendMessages) = %q, want %q", s, "SendMessages")
	}
}

func TestDebug(t *testing.T) {
	d := Debug(SendMessages)
	if d == "" {
		t.Fatal("Debug returned empty string")
	}
	if len(d) < 10 {
		t.Errorf("Debug output too short: %q", d)
	}
}

func TestAllPermissions_IncludesAdministrator(t *testing.T) {
	if AllPermissions&Administrator == 0 {
		t.Error("AllPermissions should include Administrator")
	}
}

func TestTimeoutActionMask_DoesNotIncludeView(t *testing.T) {
	if TimeoutActionMask&ViewChannel != 0 {
		t.Error("TimeoutActionMask should not include ViewChannel")
	}
	if TimeoutActionMask&SendMessages == 0 {
		t.Error("TimeoutActionMask should include SendMessages")
	}
}
