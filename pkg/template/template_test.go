package template

import (
	"strings"
	"testing"
	"time"
)

func TestExpandReplacesEveryOccurrence(t *testing.T) {
	got := Expand("Hi {name}, bye {name}", map[string]string{"name": "Ana"})
	want := "Hi Ana, bye Ana"
	if got != want {
		t.Fatalf("Expand() = %q, want %q", got, want)
	}
}

func TestExpandWithoutPlaceholders(t *testing.T) {
	body := "Plain message, no tokens."
	if got := Expand(body, map[string]string{"name": "Ana"}); got != body {
		t.Fatalf("Expand() = %q, want unchanged %q", got, body)
	}
}

func TestExpandUnknownTokenLeftUntouched(t *testing.T) {
	got := Expand("Hi {nmae}", map[string]string{"name": "Ana"})
	if got != "Hi {nmae}" {
		t.Fatalf("Expand() = %q, want placeholder preserved", got)
	}
}

func TestExpandAtAutoFields(t *testing.T) {
	now := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)

	cases := []struct {
		body string
		want string
	}{
		{"Today is {date}", "Today is 2026-03-09"},
		{"At {time}", "At 14:30"},
		{"{datetime}", "2026-03-09 14:30"},
		{"Happy {day}!", "Happy Monday!"},
	}
	for _, tc := range cases {
		if got := ExpandAt(tc.body, nil, now); got != tc.want {
			t.Errorf("ExpandAt(%q) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestExpandRecipientDataWinsOverAuto(t *testing.T) {
	now := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)
	got := ExpandAt("{date}", map[string]string{"date": "someday"}, now)
	if got != "someday" {
		t.Fatalf("ExpandAt() = %q, recipient data should shadow auto fields", got)
	}
}

func TestTokens(t *testing.T) {
	tokens := Tokens("Hi {name}, your order {order_id} ships {date}. Bye {name}")
	want := []string{"name", "order_id", "date"}
	if len(tokens) != len(want) {
		t.Fatalf("Tokens() = %v, want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("Tokens()[%d] = %q, want %q", i, tokens[i], want[i])
		}
	}
}

func TestRenderedLengthCountsGraphemes(t *testing.T) {
	// 4 letters + 1 family emoji (multiple code points, one cluster)
	if got := RenderedLength("hey 👨‍👩‍👧"); got != 5 {
		t.Fatalf("RenderedLength() = %d, want 5", got)
	}
}

func TestPreviewStripsEmojiAndTruncates(t *testing.T) {
	preview := Preview("hello 🎉 world", 0)
	if strings.Contains(preview, "🎉") {
		t.Fatalf("Preview() = %q, emoji should be stripped", preview)
	}

	truncated := Preview("abcdefghij", 4)
	if truncated != "abcd…" {
		t.Fatalf("Preview() = %q, want %q", truncated, "abcd…")
	}
}
