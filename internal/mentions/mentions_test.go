package mentions

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantUsers []string
		wantRoles []string
		wantHere  bool
	}{
		{
			name:      "no mentions",
			content:   "hello world",
			wantUsers: nil,
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "single user mention",
			content:   "hey <@123456789012345>!",
			wantUsers: []string{"123456789012345"},
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "multiple user mentions",
			content:   "<@123456789012345> and <@223456789012345>",
			wantUsers: []string{"123456789012345", "223456789012345"},
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "duplicate user mentions deduplicated",
			content:   "<@123456789012345> said <@123456789012345>",
			wantUsers: []string{"123456789012345"},
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "single role mention",
			content:   "hey <@&123456789012345>",
			wantUsers: nil,
			wantRoles: []string{"123456789012345"},
			wantHere:  false,
		},
		{
			name:      "duplicate role mentions deduplicated",
			content:   "<@&123456789012345> <@&123456789012345>",
			wantRoles: []string{"123456789012345"},
			wantHere:  false,
		},
		{
			name:      "@here detected",
			content:   "attention @here please read",
			wantUsers: nil,
			wantRoles: nil,
			wantHere:  true,
		},
		{
			name:      "mixed mentions",
			content:   "<@123456789012345> <@&223456789012345> @here",
			wantUsers: []string{"123456789012345"},
			wantRoles: []string{"223456789012345"},
			wantHere:  true,
		},
		{
			name:      "user mention inside code block ignored",
			content:   "```\n<@123456789012345>\n```",
			wantUsers: nil,
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "user mention inside inline code ignored",
			content:   "use `<@123456789012345>` syntax",
			wantUsers: nil,
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "@here inside code block ignored",
			content:   "```\n@here\n```",
			wantUsers: nil,
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "@here inside inline code ignored",
			content:   "type `@here` to ping",
			wantUsers: nil,
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "mention outside code block still detected",
			content:   "```\ncode\n``` <@123456789012345>",
			wantUsers: []string{"123456789012345"},
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "role mention inside inline code ignored",
			content:   "`<@&123456789012345>`",
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "non-numeric id ignored",
			content:   "<@SHORT> <@&SHORT>",
			wantUsers: nil,
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "@here inside email not detected",
			content:   "contact user@here.com for help",
			wantUsers: nil,
			wantRoles: nil,
			wantHere:  false,
		},
		{
			name:      "@here with punctuation detected",
			content:   "hey @here, read this!",
			wantUsers: nil,
			wantRoles: nil,
			wantHere:  true,
		},
		{
			name:      "empty content",
			content:   "",
			wantUsers: nil,
			wantRoles: nil,
			wantHere:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.content)

			if !sliceEqual(got.UserIDs, tt.wantUsers) {
				t.Errorf("UserIDs = %v, want %v", got.UserIDs, tt.wantUsers)
			}
			if !sliceEqual(got.RoleIDs, tt.wantRoles) {
				t.Errorf("RoleIDs = %v, want %v", got.RoleIDs, tt.wantRoles)
			}
			if got.MentionHere != tt.wantHere {
				t.Errorf("MentionHere = %v, want %v", got.MentionHere, tt.wantHere)
			}
		})
	}
}

func sliceEqual(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
