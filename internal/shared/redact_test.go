package shared

import (
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	got := Redact("Bearer abc123def456ghi789jkl0")
	if got != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", got)
	}
}

func TestRedact_KeyValue(t *testing.T) {
	got := Redact(`deployed with password=hunter2hunter2 ok`)
	if strings.Contains(got, "hunter2") {
		t.Fatalf("expected password redacted, got %q", got)
	}
	if !strings.Contains(got, "password=") {
		t.Fatalf("expected key prefix kept, got %q", got)
	}
}

func TestRedact_SignedURL(t *testing.T) {
	got := Redact("see https://files.example.com/a.pdf?X-Amz-Signature=deadbeef&x=1")
	if strings.Contains(got, "deadbeef") {
		t.Fatalf("expected signature redacted, got %q", got)
	}
	if !strings.Contains(got, "&x=1") {
		t.Fatalf("expected remaining query kept, got %q", got)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "acceptance criteria signed off in review meeting"
	if got := Redact(input); got != input {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestSensitiveKey(t *testing.T) {
	for _, k := range []string{"auth_token", "Authorization", "db_password"} {
		if !SensitiveKey(k) {
			t.Fatalf("expected %q sensitive", k)
		}
	}
	if SensitiveKey("task_id") {
		t.Fatalf("task_id should not be sensitive")
	}
}
