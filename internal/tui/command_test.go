package tui

import "testing"

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		name string
		args string
	}{
		{"unread", "unread", ""},
		{"  FIND  bruno silva ", "find", "bruno silva"},
		{"q", "q", ""},
		{"refresh", "refresh", ""},
		{"", "", ""},
	}
	for _, c := range cases {
		got := ParseCommand(c.in)
		if got.Name != c.name || got.Args != c.args {
			t.Errorf("ParseCommand(%q) = %+v, want {%s %s}", c.in, got, c.name, c.args)
		}
	}
}
