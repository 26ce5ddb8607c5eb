package billing

import (
	"testing"
	"time"
)

func TestIsEntitlingStatus(t *testing.T) {
	for _, status := range []string{"active", "TRIALING"} {
		if !isEntitlingStatus(status) {
			t.Fatalf("expected status %q to be entitling", status)
		}
	}
	for _, status := range []string{"past_due", "canceled", "unpaid", "incomplete_expired", "paused", ""} {
		if isEntitlingStatus(status) {
			t.Fatalf("expected status %q to be non-entitling", status)
		}
	}
}

func TestParseMetadata(t *testing.T) {
	if got := parseUserID(map[string]string{MetaUserID: " 42 "}); got != 42 {
		t.Fatalf("parseUserID = %d, want 42", got)
	}
	if got := parseUserID(map[string]string{MetaUserID: "abc"}); got != 0 {
		t.Fatalf("parseUserID of garbage = %d, want 0", got)
	}
	if got := parseCredits(map[string]string{MetaCredits: "250"}); got != 250 {
		t.Fatalf("parseCredits = %d, want 250", got)
	}
	if got := parseCredits(map[string]string{MetaCredits: "-5"}); got != 0 {
		t.Fatalf("parseCredits of negative = %d, want 0", got)
	}
	if got := parseCredits(nil); got != 0 {
		t.Fatalf("parseCredits of nil = %d, want 0", got)
	}
}

func TestUnixTime(t *testing.T) {
	if unixTime(0) != nil {
		t.Fatalf("expected nil for zero timestamp")
	}
	got := unixTime(1700000000)
	if got == nil || !got.Equal(time.Unix(1700000000, 0)) || got.Location() != time.UTC {
		t.Fatalf("unexpected time %v", got)
	}
}
