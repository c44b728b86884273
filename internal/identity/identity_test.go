// ABOUTME: Tests for identity string slugification
// ABOUTME: Verifies determinism and filesystem-safe output

package identity

import "testing"

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"did:example:alice", "did_example_alice"},
		{"simple", "simple"},
		{"user.name-1_ok", "user.name-1_ok"},
		{"a/b\\c:d", "a_b_c_d"},
		{"", ""},
		{"ümlaut", "__mlaut"}, // multibyte runes map byte-wise
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
