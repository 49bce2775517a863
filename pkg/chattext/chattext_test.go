package chattext

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMention(t *testing.T) {
	t.Parallel()
	if got := Mention("", 42).String(); got != `<a href="tg://user?id=42">@42</a>` {
		t.Fatalf("Mention = %q", got)
	}
	if got := Mention("<bob>", 1).String(); !strings.Contains(got, "&lt;bob&gt;") {
		t.Fatalf("name not escaped: %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"充电站空闲", 2, "充电…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()
	if got := Split("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("Split short = %q", got)
	}

	text := "line one\nline two\nline three"
	got := Split(text, 12)
	want := []string{"line one", "line two", "line three"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("Split = %q, want %q", got, want)
	}

	long := strings.Repeat("站", 25)
	for _, c := range Split(long, 10) {
		if utf8.RuneCountInString(c) > 10 {
			t.Fatalf("chunk too long: %d runes", utf8.RuneCountInString(c))
		}
	}
	if strings.Join(Split(long, 10), "") != long {
		t.Fatal("hard cut lost content")
	}
}
