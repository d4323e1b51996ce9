package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactWriter_Write(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "hCaptcha secret",
			input:    "secret 0x1234567890abcdef1234567890abcdef12345678 loaded",
			expected: "secret [REDACTED-SECRET] loaded",
		},
		{
			name:     "reCAPTCHA secret",
			input:    "using 6LeIxAcTAAAAAGG-vFI1TnRWxMZNFuojJ4WifJWe",
			expected: "using [REDACTED-SECRET]",
		},
		{
			name:     "form secret parameter",
			input:    `body="secret=abc123&response=tok"`,
			expected: `body="secret=[REDACTED]&response=tok"`,
		},
		{
			name:     "bearer token",
			input:    "Authorization: Bearer my.admin.token",
			expected: "Authorization: bearer [REDACTED]",
		},
		{
			name:     "no redaction needed",
			input:    "postguard started",
			expected: "postguard started",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			rw := NewRedactWriter(&buf)

			n, err := rw.Write([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, len(tt.input), n)
			assert.Equal(t, tt.expected, buf.String())
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestRedactWriter_PropagatesError(t *testing.T) {
	rw := NewRedactWriter(failingWriter{})
	n, err := rw.Write([]byte("hello"))
	assert.Equal(t, 5, n)
	assert.EqualError(t, err, "disk full")
}
