package command

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		prefix string
		want   Parsed
	}{
		{
			name:   "simple command",
			text:   "!help",
			prefix: "!",
			want:   Parsed{IsCommand: true, Name: "help", Args: []string{}, RawArgs: ""},
		},
		{
			name:   "command name lower-cased with args",
			text:   "!GroupID one  two",
			prefix: "!",
			want:   Parsed{IsCommand: true, Name: "groupid", Args: []string{"one", "two"}, RawArgs: "one two"},
		},
		{
			name:   "space after prefix tolerated",
			text:   "! status",
			prefix: "!",
			want:   Parsed{IsCommand: true, Name: "status", Args: []string{}, RawArgs: ""},
		},
		{
			name:   "plain text is not a command",
			text:   "hello there",
			prefix: "!",
			want:   Parsed{},
		},
		{
			name:   "prefix mid-text is not a command",
			text:   "say !help",
			prefix: "!",
			want:   Parsed{},
		},
		{
			name:   "bare prefix is not a command",
			text:   "!",
			prefix: "!",
			want:   Parsed{},
		},
		{
			name:   "multi-character prefix",
			text:   "##status",
			prefix: "##",
			want:   Parsed{IsCommand: true, Name: "status", Args: []string{}, RawArgs: ""},
		},
		{
			name:   "empty prefix never matches",
			text:   "help",
			prefix: "",
			want:   Parsed{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text, tt.prefix)
			if got.IsCommand != tt.want.IsCommand || got.Name != tt.want.Name || got.RawArgs != tt.want.RawArgs {
				t.Errorf("Parse(%q, %q) = %+v, want %+v", tt.text, tt.prefix, got, tt.want)
			}
			if tt.want.IsCommand && !reflect.DeepEqual(got.Args, tt.want.Args) {
				t.Errorf("args = %v, want %v", got.Args, tt.want.Args)
			}
		})
	}
}

func TestStripLeadingMentions(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"@bot !help now", "!help now"},
		{"@bot @other !status", "!status"},
		{"!help", "!help"},
		{"hello @bot", "hello @bot"},
		{"@bot", ""},
		{"  @bot   !help", "!help"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := StripLeadingMentions(tt.in); got != tt.want {
			t.Errorf("StripLeadingMentions(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
