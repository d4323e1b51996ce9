package reputation

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"

	"github.com/developingchet/postguard/internal/metrics"
)

// FeedListName labels matches that come from CrowdSec decisions.
const FeedListName = "crowdsec"

// DynamicList is a mutable IPv4 set kept in sync with CrowdSec ban
// decisions. Safe for concurrent use.
type DynamicList struct {
	name string

	mu     sync.RWMutex
	exact  map[uint32]struct{}
	ranges map[string]cidr // keyed by the decision value so deletes line up
}

// NewDynamicList returns an empty list reporting matches as name.
func NewDynamicList(name string) *DynamicList {
	return &DynamicList{
		name:   name,
		exact:  make(map[uint32]struct{}),
		ranges: make(map[string]cidr),
	}
}

var _ Matcher = (*DynamicList)(nil)

func (d *DynamicList) Match(addr string) (string, bool) {
	ip, ok := parseIPv4(addr)
	if !ok {
		return "", false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, hit := d.exact[ip]; hit {
		return d.name, true
	}
	for _, c := range d.ranges {
		if c.contains(ip) {
			return d.name, true
		}
	}
	return "", false
}

// Len returns the number of live entries.
func (d *DynamicList) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.exact) + len(d.ranges)
}

// Apply adds new ban decisions and removes deleted ones. Decisions with a
// scope other than ip/range, a type other than ban, or a non-IPv4 value are
// ignored.
func (d *DynamicList) Apply(added, deleted []*models.Decision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dec := range deleted {
		if value, isRange, ok := usable(dec); ok {
			d.remove(value, isRange)
		}
	}
	for _, dec := range added {
		if value, isRange, ok := usable(dec); ok {
			d.add(value, isRange)
		}
	}
	metrics.ReputationEntries.WithLabelValues(d.name).Set(float64(len(d.exact) + len(d.ranges)))
}

func (d *DynamicList) add(value string, isRange bool) {
	if isRange {
		if c, ok := parseCIDR(value); ok {
			c.list = d.name
			d.ranges[value] = c
		}
		return
	}
	if ip, ok := parseIPv4(value); ok {
		d.exact[ip] = struct{}{}
	}
}

func (d *DynamicList) remove(value string, isRange bool) {
	if isRange {
		delete(d.ranges, value)
		return
	}
	if ip, ok := parseIPv4(value); ok {
		delete(d.exact, ip)
	}
}

func usable(dec *models.Decision) (value string, isRange bool, ok bool) {
	if dec == nil || dec.Value == nil || dec.Scope == nil {
		return "", false, false
	}
	if dec.Type != nil && !strings.EqualFold(*dec.Type, "ban") {
		return "", false, false
	}
	switch strings.ToLower(*dec.Scope) {
	case "ip":
		return strings.TrimSpace(*dec.Value), false, true
	case "range":
		return strings.TrimSpace(*dec.Value), true, true
	default:
		return "", false, false
	}
}

// FeedConfig configures a CrowdSec decision stream.
type FeedConfig struct {
	LAPIURL       string
	LAPIKey       string
	PollInterval  string // Go duration string, e.g. "30s"
	TLSSkipVerify bool
	UserAgent     string
}

// Feed streams CrowdSec ban decisions into a DynamicList.
type Feed struct {
	stream *csbouncer.StreamBouncer
	list   *DynamicList
}

// NewFeed builds a Feed. The stream is not contacted until Run.
func NewFeed(cfg FeedConfig) *Feed {
	// go-cs-bouncer logs through logrus; keep zerolog as the only output.
	logrus.SetOutput(io.Discard)

	ua := cfg.UserAgent
	if ua == "" {
		ua = "postguard"
	}
	tlsSkipVerify := cfg.TLSSkipVerify
	return &Feed{
		stream: &csbouncer.StreamBouncer{
			APIKey:             cfg.LAPIKey,
			APIUrl:             cfg.LAPIURL,
			TickerInterval:     cfg.PollInterval,
			UserAgent:          ua,
			InsecureSkipVerify: &tlsSkipVerify,
		},
		list: NewDynamicList(FeedListName),
	}
}

// List returns the live list fed by this stream.
func (f *Feed) List() *DynamicList { return f.list }

// Run initialises the stream and applies decisions until ctx is cancelled
// or the stream closes.
func (f *Feed) Run(ctx context.Context) error {
	if err := f.stream.Init(); err != nil {
		return fmt.Errorf("reputation: crowdsec init: %w", err)
	}

	go f.stream.Run(ctx)

	log.Info().Msg("crowdsec decision feed started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-f.stream.Stream:
			if !ok {
				log.Info().Msg("crowdsec stream closed")
				return nil
			}
			if data == nil {
				continue
			}
			f.list.Apply(data.New, data.Deleted)
			log.Debug().
				Int("new", len(data.New)).
				Int("deleted", len(data.Deleted)).
				Int("entries", f.list.Len()).
				Msg("crowdsec decisions applied")
		}
	}
}
