// Package logger provides log output helpers, including a secret-masking writer.
package logger

import (
	"io"
	"regexp"
)

var redactPatterns = []struct {
	re          *regexp.Regexp
	replacement []byte
}{
	// hCaptcha secrets: 0x followed by 40 hex characters.
	{regexp.MustCompile(`0x[A-Fa-f0-9]{40}`), []byte("[REDACTED-SECRET]")},
	// reCAPTCHA secrets are 40 characters starting with 6L.
	{regexp.MustCompile(`6L[A-Za-z0-9_\-]{38}`), []byte("[REDACTED-SECRET]")},
	// Form-encoded secret parameters in request dumps.
	{regexp.MustCompile(`(?i)secret=[^&\s"]+`), []byte("secret=[REDACTED]")},
	// Bearer tokens in Authorization headers or log fields.
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), []byte("bearer [REDACTED]")},
}

// RedactWriter masks captcha secrets and bearer tokens before passing output
// to the underlying writer.
type RedactWriter struct{ w io.Writer }

func NewRedactWriter(w io.Writer) *RedactWriter { return &RedactWriter{w: w} }

// Write always reports len(p) so callers never see a short write caused by
// a replacement changing the output length.
func (r *RedactWriter) Write(p []byte) (int, error) {
	out := p
	for _, pat := range redactPatterns {
		out = pat.re.ReplaceAllLiteral(out, pat.replacement)
	}
	_, err := r.w.Write(out)
	return len(p), err
}
