// Package reputation blocks addresses that belong to anonymizing networks.
// Matching is IPv4-only and every failure to load a list fails open.
package reputation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/postguard/internal/metrics"
)

// Reason is reported for every reputation denial.
const Reason = "anonymizing network detected"

// Matcher reports the list containing an address.
type Matcher interface {
	Match(addr string) (string, bool)
}

// Result is the outcome of a reputation check.
type Result struct {
	Allowed bool
	Reason  string
	List    string // name of the list that matched
}

// Filter checks addresses against file-backed lists, reloaded on Refresh,
// plus any number of live matchers such as a CrowdSec feed.
type Filter struct {
	sources []Source
	static  atomic.Pointer[List]
	dynamic []Matcher
}

// NewFilter loads sources immediately and returns the Filter.
func NewFilter(sources []Source, dynamic ...Matcher) *Filter {
	f := &Filter{sources: sources, dynamic: dynamic}
	f.Refresh()
	return f
}

// Check reports whether addr may proceed.
func (f *Filter) Check(addr string) Result {
	if name, ok := f.static.Load().Match(addr); ok {
		return Result{Allowed: false, Reason: Reason, List: name}
	}
	for _, m := range f.dynamic {
		if name, ok := m.Match(addr); ok {
			return Result{Allowed: false, Reason: Reason, List: name}
		}
	}
	return Result{Allowed: true}
}

// Refresh reloads every source and atomically swaps the static list.
func (f *Filter) Refresh() {
	l := Load(f.sources)
	f.static.Store(l)

	counts := l.Counts()
	for _, src := range f.sources {
		metrics.ReputationEntries.WithLabelValues(src.Name).Set(float64(counts[src.Name]))
	}
	log.Debug().Int("entries", l.Len()).Int("lists", len(f.sources)).Msg("reputation lists loaded")
}

// Len returns the number of static entries currently loaded.
func (f *Filter) Len() int {
	return f.static.Load().Len()
}

// Run refreshes the static lists every interval until ctx is cancelled.
func (f *Filter) Run(ctx context.Context, interval time.Duration) {
	if len(f.sources) == 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Refresh()
		}
	}
}
