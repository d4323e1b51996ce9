package admission

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/postguard/internal/ban"
	"github.com/developingchet/postguard/internal/content"
	"github.com/developingchet/postguard/internal/event"
	"github.com/developingchet/postguard/internal/metrics"
	"github.com/developingchet/postguard/internal/ratelimit"
	"github.com/developingchet/postguard/internal/reputation"
)

func TestMain(m *testing.M) {
	orig := log.Logger
	log.Logger = zerolog.New(io.Discard)
	code := m.Run()
	log.Logger = orig
	os.Exit(code)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *recordingSink) Record(ev event.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) kinds() []event.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Kind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func (s *recordingSink) last() event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

type stubChallenge struct {
	enabled bool
	ok      bool
	calls   atomic.Int32
}

func (c *stubChallenge) Enabled() bool { return c.enabled }

func (c *stubChallenge) Verify(context.Context, string, string) bool {
	c.calls.Add(1)
	return c.ok
}

type failingBans struct{ err error }

func (f failingBans) Check(context.Context, string) (ban.Result, error) {
	return ban.Result{}, f.err
}

type fixture struct {
	clock    *clock
	counters *ratelimit.CounterStore
	bans     *ban.MemSource
	registry *ban.Registry
	sink     *recordingSink
	cfg      Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    newClock(),
		counters: ratelimit.NewCounterStore(ratelimit.DefaultShards),
		bans:     ban.NewMemSource(),
		sink:     &recordingSink{},
	}
	f.registry = ban.NewRegistry(f.bans, time.Second, f.clock.Now)

	list := filepath.Join(t.TempDir(), "tor.txt")
	require.NoError(t, os.WriteFile(list, []byte("# exits\n185.220.101.0/24\n"), 0o600))

	f.cfg = Config{
		Rate:       ratelimit.NewLimiter(f.counters, ratelimit.RatePolicy(30, time.Minute, 5*time.Minute, time.Hour), f.clock.Now),
		Flood:      ratelimit.NewLimiter(f.counters, ratelimit.FloodPolicy(10, 5*time.Second, 15*time.Minute), f.clock.Now),
		Bans:       f.registry,
		Reputation: reputation.NewFilter([]reputation.Source{{Name: "tor", Path: list}}),
		Content:    content.NewClassifier(content.Config{Denylist: content.DefaultDenylist}),
		Events:     f.sink,
	}
	return f
}

func (f *fixture) pipeline() *Pipeline { return New(f.cfg) }

func from(addr string) http.Header {
	h := http.Header{}
	h.Set("X-Real-IP", addr)
	return h
}

func TestEvaluate_EndToEnd(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()
	ctx := context.Background()

	// A fresh identity posting "hello" is admitted.
	v := p.Evaluate(ctx, Submission{Headers: from("203.0.113.10"), Content: "hello"}, Options{})
	require.Equal(t, Admit, v.Outcome)
	assert.Equal(t, StateAdmitted, v.State)
	assert.Equal(t, "hello", v.Content)

	// 31 submissions inside one fresh minute: the 31st is throttled for 5m.
	f.clock.Advance(2 * time.Minute)
	for i := 1; i <= 30; i++ {
		v = p.Evaluate(ctx, Submission{Headers: from("203.0.113.10"), Content: "hello"}, Options{})
		require.Equal(t, Admit, v.Outcome, "submission %d", i)
		f.clock.Advance(time.Second)
	}
	v = p.Evaluate(ctx, Submission{Headers: from("203.0.113.10"), Content: "hello"}, Options{})
	assert.Equal(t, Throttle, v.Outcome)
	assert.Equal(t, CodeRateLimited, v.Code)
	assert.Equal(t, 5*time.Minute, v.RetryAfter)
	assert.Equal(t, event.KindRateLimit, f.sink.last().Kind)

	// A permanent ban on X rejects regardless of content.
	_, err := f.registry.Ban(ctx, "X", "", 0)
	require.NoError(t, err)
	v = p.Evaluate(ctx, Submission{Headers: from("198.51.100.20"), Fingerprint: "X", Content: "perfectly fine text"}, Options{})
	assert.Equal(t, Reject, v.Outcome)
	assert.Equal(t, CodeBanned, v.Code)
	assert.Equal(t, ban.DefaultReason, v.Reason)
	assert.Equal(t, event.KindBannedIP, f.sink.last().Kind)
	assert.Equal(t, "X", f.sink.last().Fingerprint)

	// Once the ban has expired the next submission is admitted and the entry is gone.
	entry, err := f.bans.Lookup(ctx, "X")
	require.NoError(t, err)
	past := f.clock.Now().Add(-time.Minute)
	entry.ExpiresAt = &past
	require.NoError(t, f.bans.Put(ctx, *entry))

	f.clock.Advance(10 * time.Second)
	v = p.Evaluate(ctx, Submission{Headers: from("198.51.100.20"), Fingerprint: "X", Content: "hello"}, Options{})
	assert.Equal(t, Admit, v.Outcome)
	assert.Zero(t, f.bans.Len())
}

func TestEvaluate_StageOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Ban(context.Background(), "bad", "spamming", 0)
	require.NoError(t, err)
	p := f.pipeline()

	// Banned, listed and prohibited at once: the ban stage answers first.
	v := p.Evaluate(context.Background(), Submission{
		Headers:     from("185.220.101.7"),
		Fingerprint: "bad",
		Content:     "buy spam now",
	}, Options{})
	assert.Equal(t, StageBan, v.Stage)
	assert.Equal(t, "spamming", v.Reason)

	// Listed and prohibited: reputation before content.
	v = p.Evaluate(context.Background(), Submission{Headers: from("185.220.101.8"), Content: "buy spam now"}, Options{})
	assert.Equal(t, StageReputation, v.Stage)
	assert.Equal(t, CodeAnonymizingNetwork, v.Code)
	assert.Equal(t, reputation.Reason, v.Reason)
	assert.Equal(t, "tor", f.sink.last().Detail["list"])
}

func TestEvaluate_FloodBeforeRate(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()
	for i := 0; i < 10; i++ {
		require.True(t, p.Evaluate(context.Background(), Submission{Headers: from("192.0.2.1"), Content: "hi"}, Options{}).Admitted())
	}
	v := p.Evaluate(context.Background(), Submission{Headers: from("192.0.2.1"), Content: "hi"}, Options{})
	assert.Equal(t, Throttle, v.Outcome)
	assert.Equal(t, CodeFlood, v.Code)
	assert.Equal(t, 15*time.Minute, v.RetryAfter)
	assert.Equal(t, MsgFlood, v.Reason)
}

func TestEvaluate_SanitizesBeforeClassifying(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()

	v := p.Evaluate(context.Background(), Submission{
		Headers: from("192.0.2.2"),
		Title:   "<b>news</b>",
		Content: "  <i>hello</i> onclick=x ",
	}, Options{})
	require.Equal(t, Admit, v.Outcome)
	assert.Equal(t, "bnews/b", v.Title)
	assert.Equal(t, "ihello/i x", v.Content)

	v = p.Evaluate(context.Background(), Submission{Headers: from("192.0.2.2"), Content: " <> "}, Options{})
	assert.Equal(t, Reject, v.Outcome)
	assert.Equal(t, CodeInvalidContent, v.Code)
	assert.Equal(t, MsgInvalidContent, v.Reason)

	ev := f.sink.last()
	assert.Equal(t, event.KindContent, ev.Kind)
	assert.Equal(t, "empty_after_sanitize", ev.Detail["match"])
	assert.Equal(t, "192.0.2.2", ev.Address)
}

func TestEvaluate_ContentCodes(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()

	v := p.Evaluate(context.Background(), Submission{Headers: from("192.0.2.3"), Content: "this is a SCAM"}, Options{})
	assert.Equal(t, CodeProhibitedContent, v.Code)
	assert.Equal(t, content.ReasonProhibited, v.Reason)

	f.clock.Advance(10 * time.Second)
	v = p.Evaluate(context.Background(), Submission{Headers: from("192.0.2.3"), Content: strings.Repeat("buyy ", 11)}, Options{})
	assert.Equal(t, CodeSpam, v.Code)
	assert.Equal(t, content.ReasonSpam, v.Reason)

	ev := f.sink.last()
	assert.Equal(t, event.KindContent, ev.Kind)
	assert.NotEmpty(t, ev.Detail["excerpt"])
}

func TestEvaluate_Challenge(t *testing.T) {
	f := newFixture(t)

	t.Run("skipped when not required", func(t *testing.T) {
		ch := &stubChallenge{enabled: true}
		f.cfg.Challenge = ch
		v := f.pipeline().Evaluate(context.Background(), Submission{Headers: from("192.0.2.4"), Content: "hi"}, Options{})
		assert.Equal(t, Admit, v.Outcome)
		assert.Zero(t, ch.calls.Load())
	})

	t.Run("skipped when unconfigured", func(t *testing.T) {
		ch := &stubChallenge{enabled: false}
		f.cfg.Challenge = ch
		v := f.pipeline().Evaluate(context.Background(), Submission{Headers: from("192.0.2.5"), Content: "hi"}, Options{RequireChallenge: true})
		assert.Equal(t, Admit, v.Outcome)
		assert.Zero(t, ch.calls.Load())
	})

	t.Run("failure rejects", func(t *testing.T) {
		f.cfg.Challenge = &stubChallenge{enabled: true, ok: false}
		v := f.pipeline().Evaluate(context.Background(), Submission{Headers: from("192.0.2.6"), Content: "hi"}, Options{RequireChallenge: true})
		assert.Equal(t, Reject, v.Outcome)
		assert.Equal(t, CodeChallengeFailed, v.Code)
		assert.Equal(t, StateDenied, v.State)
		assert.Equal(t, event.KindChallenge, f.sink.last().Kind)
	})

	t.Run("success admits", func(t *testing.T) {
		f.cfg.Challenge = &stubChallenge{enabled: true, ok: true}
		v := f.pipeline().Evaluate(context.Background(), Submission{Headers: from("192.0.2.7"), Content: "hi", ChallengeToken: "t"}, Options{RequireChallenge: true})
		assert.Equal(t, Admit, v.Outcome)
	})
}

func TestEvaluate_BanSourceFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.cfg.Bans = failingBans{err: errors.New("ban: lookup: context deadline exceeded")}
	p := f.pipeline()

	v := p.Evaluate(context.Background(), Submission{Headers: from("192.0.2.8"), Fingerprint: "abc", Content: "hi"}, Options{})
	assert.Equal(t, Reject, v.Outcome)
	assert.Equal(t, CodeBanLookupUnavailable, v.Code)
	assert.Equal(t, MsgUnavailable, v.Reason)
	assert.NotContains(t, v.Reason, "deadline")

	ev := f.sink.last()
	assert.Equal(t, event.KindDependency, ev.Kind)
	assert.Equal(t, "ban_source", ev.Detail["dependency"])
}

func TestEvaluate_ChargesAreKeptAfterLaterDenial(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()

	v := p.Evaluate(context.Background(), Submission{Headers: from("192.0.2.9"), Content: "phishing link"}, Options{})
	require.Equal(t, Reject, v.Outcome)

	rec, ok := f.counters.Get(ratelimit.PurposeRate, "192.0.2.9")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Count)
}

func TestEvaluate_AuditAdmitted(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, func() []event.Kind {
		f.pipeline().Evaluate(context.Background(), Submission{Headers: from("192.0.2.10"), Content: "hi"}, Options{})
		return f.sink.kinds()
	}())

	f.cfg.AuditAdmitted = true
	f.pipeline().Evaluate(context.Background(), Submission{Headers: from("192.0.2.11"), Content: "hi"}, Options{})
	assert.Equal(t, []event.Kind{event.KindAdmitted}, f.sink.kinds())
}

func TestEvaluate_UnknownIdentitySharesOneKey(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()
	p.Evaluate(context.Background(), Submission{Content: "hi"}, Options{})
	p.Evaluate(context.Background(), Submission{Headers: http.Header{}, Content: "hi"}, Options{})

	rec, ok := f.counters.Get(ratelimit.PurposeRate, "unknown")
	require.True(t, ok)
	assert.Equal(t, 2, rec.Count)
}

func TestEvaluate_ConcurrentSubmissionsNeverExceedLimit(t *testing.T) {
	f := newFixture(t)
	f.cfg.Flood = nil
	p := f.pipeline()

	var admitted, throttled atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := p.Evaluate(context.Background(), Submission{Headers: from("192.0.2.50"), Content: "hi"}, Options{})
			switch v.Outcome {
			case Admit:
				admitted.Add(1)
			case Throttle:
				throttled.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(30), admitted.Load())
	assert.Equal(t, int32(70), throttled.Load())
}

func TestEvaluate_Metrics(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()

	admits := testutil.ToFloat64(metrics.Submissions.WithLabelValues("admit"))
	rejects := testutil.ToFloat64(metrics.Submissions.WithLabelValues("reject"))
	contentDenials := testutil.ToFloat64(metrics.Denials.WithLabelValues(StageContent))

	p.Evaluate(context.Background(), Submission{Headers: from("192.0.2.60"), Content: "hi"}, Options{})
	p.Evaluate(context.Background(), Submission{Headers: from("192.0.2.60"), Content: "malware"}, Options{})

	assert.Equal(t, admits+1, testutil.ToFloat64(metrics.Submissions.WithLabelValues("admit")))
	assert.Equal(t, rejects+1, testutil.ToFloat64(metrics.Submissions.WithLabelValues("reject")))
	assert.Equal(t, contentDenials+1, testutil.ToFloat64(metrics.Denials.WithLabelValues(StageContent)))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "ADMIT", Admit.String())
	assert.Equal(t, "THROTTLE", Throttle.String())
	assert.Equal(t, "REJECT", Reject.String())
	assert.Equal(t, "Outcome(9)", Outcome(9).String())
}

func TestDenial_Error(t *testing.T) {
	d := &Denial{Stage: StageFlood, Reason: MsgFlood}
	assert.Equal(t, "flood: Flood protection triggered", d.Error())
}
