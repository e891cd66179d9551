package timeparse

import "testing"

func TestParseSeconds(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"5s", 5, false},
		{"4w", 4 * 604800, false},
		{"1d", 86400, false},
		{"10mins", 600, false},
		{"2hours", 7200, false},
		{"0s", 0, false},
		{"", 0, true},
		{"5", 0, true},
		{"s", 0, true},
		{"5x", 0, true},
		{"18446744073709551615w", 0, true}, // overflow
	}

	for _, c := range cases {
		got, err := ParseSeconds(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseSeconds(%q): expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSeconds(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseSeconds(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
