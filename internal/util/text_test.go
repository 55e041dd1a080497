package util

import "testing"

func TestSanitizePostgresText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain utf8",
			input: "hello world",
			want:  "hello world",
		},
		{
			name:  "contains null byte",
			input: "hel\x00lo",
			want:  "hello",
		},
		{
			name:  "contains invalid utf8",
			input: string([]byte{'a', 0xff, 'b'}),
			want:  "ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizePostgresText(tt.input)
			if got != tt.want {
				t.Fatalf("unexpected sanitized value: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeSpace(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "already normalized",
			input: "Acme Corp",
			want:  "Acme Corp",
		},
		{
			name:  "leading and trailing space",
			input: "  Acme Corp  ",
			want:  "Acme Corp",
		},
		{
			name:  "interior runs and newlines",
			input: "Acme\n\tHolding   Corp",
			want:  "Acme Holding Corp",
		},
		{
			name:  "empty",
			input: "   ",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeSpace(tt.input)
			if got != tt.want {
				t.Fatalf("NormalizeSpace(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
