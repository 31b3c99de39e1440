package logging

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Bearer token",
			input:    "Authorization: Bearer abcdef0123456789",
			expected: "Authorization: [REDACTED]",
		},
		{
			name:     "Query token",
			input:    "GET /conversations?token=s3cr3t&page=2",
			expected: "GET /conversations?[REDACTED]&page=2",
		},
		{
			name:     "JWT",
			input:    "session eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxMjMifQ.sig",
			expected: "session [REDACTED]",
		},
		{
			name:     "No sensitive data",
			input:    "joined conversation 42",
			expected: "joined conversation 42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Redact(tt.input)
			if result != tt.expected {
				t.Errorf("Redact() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestRedactURL(t *testing.T) {
	got := RedactURL("https://ana:pw@api.example.com/v1/messages?token=abc&conversation=7")
	if strings.Contains(got, "pw") || strings.Contains(got, "abc") {
		t.Fatalf("credentials leaked: %s", got)
	}
	if !strings.Contains(got, "conversation=7") {
		t.Fatalf("non-sensitive query dropped: %s", got)
	}

	if got := RedactURL("127.0.0.1:7470"); got != "127.0.0.1:7470" {
		t.Fatalf("plain address changed: %s", got)
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("  hola  ", 10); got != "hola" {
		t.Fatalf("Preview short = %q", got)
	}
	if got := Preview("¿podés venir mañana?", 6); got != "¿podés…" {
		t.Fatalf("Preview long = %q", got)
	}
	if got := Preview("hola", 0); got != "" {
		t.Fatalf("Preview zero = %q", got)
	}
}

func TestIsSensitiveField(t *testing.T) {
	tests := []struct {
		name      string
		sensitive bool
	}{
		{"password", true},
		{"Token", true},
		{"access_token", true},
		{"Authorization", true},
		{"conversation_id", false},
		{"first_name", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsSensitiveField(tt.name)
			if result != tt.sensitive {
				t.Errorf("IsSensitiveField(%q) = %v, want %v", tt.name, result, tt.sensitive)
			}
		})
	}
}
