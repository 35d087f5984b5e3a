package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +1 415 555 0134"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "email a@b.com and phone +1 415 555 0134"
	got := Text(in)
	if !strings.Contains(got, "[REDACTED_EMAIL]") {
		t.Fatalf("expected email masked, got %q", got)
	}
	if !strings.Contains(got, "[REDACTED_PHONE]") {
		t.Fatalf("expected phone masked, got %q", got)
	}
}

func TestRedactCardNumbers(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("my card is 4111 1111 1111 1111 thanks")
	if strings.Contains(got, "4111") {
		t.Fatalf("expected card digits masked, got %q", got)
	}
	if !strings.Contains(got, "[REDACTED_NUMBER]") {
		t.Fatalf("expected number placeholder, got %q", got)
	}
}
