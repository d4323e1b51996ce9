// Package content sanitizes user text and applies the denylist and
// repetition heuristics. Results are deterministic for a given input and
// configuration; precision is not a goal.
package content

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Denial reasons.
const (
	ReasonProhibited = "Prohibited content detected"
	ReasonSpam       = "Spam detected"
)

// Defaults mirror the stock deployment.
var DefaultDenylist = []string{"spam", "scam", "phishing", "malware", "virus"}

const (
	DefaultRepeatThreshold = 10
	DefaultMinTokenLength  = 4
	DefaultMaxLength       = 10000
)

var (
	scriptScheme  = regexp.MustCompile(`(?i)javascript:`)
	eventHandlers = regexp.MustCompile(`(?i)on\w+=`)
)

// Sanitize strips angle brackets, javascript: schemes and inline on*=
// handlers, trims whitespace and caps the result at maxLen runes. A
// non-positive maxLen disables the cap.
func Sanitize(input string, maxLen int) string {
	s := strings.NewReplacer("<", "", ">", "").Replace(input)
	s = scriptScheme.ReplaceAllString(s, "")
	s = eventHandlers.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return s
}

// Config tunes a Classifier.
type Config struct {
	Denylist []string
	// RepeatThreshold is the number of occurrences a token may reach; one
	// more is spam.
	RepeatThreshold int
	// MinTokenLength is the shortest token counted for repetition.
	MinTokenLength int
}

// Result is the outcome of Classify.
type Result struct {
	Allowed bool
	Reason  string
	Detail  string // matched term or repeated token
}

// Classifier applies the denylist and repetition checks.
type Classifier struct {
	denylist  []string
	threshold int
	minLen    int
}

// NewClassifier lowercases the denylist once. Zero values take the defaults.
func NewClassifier(cfg Config) *Classifier {
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = DefaultRepeatThreshold
	}
	if cfg.MinTokenLength <= 0 {
		cfg.MinTokenLength = DefaultMinTokenLength
	}
	terms := make([]string, 0, len(cfg.Denylist))
	for _, t := range cfg.Denylist {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	return &Classifier{denylist: terms, threshold: cfg.RepeatThreshold, minLen: cfg.MinTokenLength}
}

// Classify rejects text containing a denylisted term anywhere (any casing),
// or in which one whitespace-delimited token of at least MinTokenLength runes
// appears more than RepeatThreshold times. Tokens are compared as written.
func (c *Classifier) Classify(text string) Result {
	lower := strings.ToLower(text)
	for _, term := range c.denylist {
		if strings.Contains(lower, term) {
			return Result{Allowed: false, Reason: ReasonProhibited, Detail: term}
		}
	}

	counts := make(map[string]int)
	for _, tok := range strings.Fields(text) {
		if utf8.RuneCountInString(tok) < c.minLen {
			continue
		}
		counts[tok]++
		if counts[tok] > c.threshold {
			return Result{Allowed: false, Reason: ReasonSpam, Detail: fmt.Sprintf("%q x%d", tok, counts[tok])}
		}
	}
	return Result{Allowed: true}
}
