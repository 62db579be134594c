package telegram

import (
	"strings"
	"testing"

	"github.com/basket/codexbridge/internal/core"
)

func TestAllowed_EmptyAllowlistDeniesEveryone(t *testing.T) {
	c := New(Config{})
	if c.allowed(123) {
		t.Errorf("expected an empty allowlist to deny every user")
	}
}

func TestAllowed_OnlyListedIDsPass(t *testing.T) {
	c := New(Config{AllowedIDs: []int64{42}})
	if !c.allowed(42) {
		t.Errorf("expected id 42 to be allowed")
	}
	if c.allowed(99) {
		t.Errorf("expected id 99 to be denied")
	}
}

func TestDescribeError_MapsKnownSentinels(t *testing.T) {
	c := New(Config{})
	cases := map[error]string{
		core.ErrSignInRequired: "Not signed in",
		core.ErrBusy:           "Already working",
		core.ErrNotRunning:     "isn't connected",
	}
	for err, want := range cases {
		got := c.describeError(err)
		if !strings.Contains(got, want) {
			t.Errorf("describeError(%v) = %q, want substring %q", err, got, want)
		}
	}
}

func TestTruncate_SplitsAtLimitWithoutPanicking(t *testing.T) {
	s := make([]byte, 5000)
	for i := range s {
		s[i] = 'a'
	}
	got := truncate(string(s), maxMessageLen)
	if len(got) != maxMessageLen {
		t.Errorf("expected truncated length %d, got %d", maxMessageLen, len(got))
	}
}

func TestTruncate_ShorterThanLimitIsUnchanged(t *testing.T) {
	if got := truncate("hi", maxMessageLen); got != "hi" {
		t.Errorf("expected short text unchanged, got %q", got)
	}
}
