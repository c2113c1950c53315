package executor

import (
	"reflect"
	"testing"
)

func TestSplitArgs(t *testing.T) {
	cases := []struct {
		line string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"--ini /etc/comskip.ini", []string{"--ini", "/etc/comskip.ini"}},
		{`"/media/My Show/ep 1.ts" -v`, []string{"/media/My Show/ep 1.ts", "-v"}},
		{`'it''s'`, []string{"its"}},
		{`a\ b c`, []string{"a b", "c"}},
		{`'a\b'`, []string{`a\b`}},
		{`""`, []string{""}},
		{"x\ty\nz", []string{"x", "y", "z"}},
	}
	for _, tc := range cases {
		got, err := SplitArgs(tc.line)
		if err != nil {
			t.Fatalf("SplitArgs(%q): %v", tc.line, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitArgs(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
}

func TestSplitArgsRejectsUnbalancedInput(t *testing.T) {
	for _, line := range []string{`"open`, `'open`, `trailing\`} {
		if _, err := SplitArgs(line); err == nil {
			t.Errorf("SplitArgs(%q) accepted malformed input", line)
		}
	}
}
