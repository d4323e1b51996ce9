// Package metrics defines package-level Prometheus metric variables for
// postguard. Call Register() once at startup to expose them on the default
// registry, or RegisterWith() to use an isolated registry in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Submissions counts every submission evaluated by the admission
	// pipeline, labelled by outcome (admit|throttle|reject).
	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postguard_submissions_total",
		Help: "Submissions evaluated by the admission pipeline, by outcome.",
	}, []string{"outcome"})

	// Denials counts denied submissions, labelled by the stage that denied them.
	Denials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postguard_denials_total",
		Help: "Submissions denied, by pipeline stage.",
	}, []string{"stage"})

	// BanLookupErrors counts ban-source lookups that failed or timed out.
	BanLookupErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postguard_ban_lookup_errors_total",
		Help: "Ban source lookups that failed or timed out.",
	})

	// BansExpired counts ban entries removed lazily on first expired lookup.
	BansExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postguard_bans_expired_total",
		Help: "Expired ban entries removed on lookup.",
	})

	// ChallengeErrors counts challenge verification failures that were not a
	// plain negative verdict. Valid types: network, timeout, http, decode.
	ChallengeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postguard_challenge_errors_total",
		Help: "Challenge verification errors, by type (network|timeout|http|decode).",
	}, []string{"type"})

	// EventsRecorded counts security events accepted by the recorder queue.
	EventsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postguard_security_events_total",
		Help: "Security events accepted for recording, by kind.",
	}, []string{"kind"})

	// EventsDropped counts security events dropped because the queue was full
	// or the recorder was closed.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postguard_security_events_dropped_total",
		Help: "Security events dropped before reaching any backend.",
	})

	// EventBackendErrors counts failed backend writes, labelled by backend.
	EventBackendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postguard_event_backend_errors_total",
		Help: "Security event backend write failures, by backend.",
	}, []string{"backend"})

	// CounterKeys is a gauge of live records in the rate/flood counter store.
	CounterKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postguard_counter_keys",
		Help: "Live records in the in-process rate/flood counter store.",
	})

	// ReputationEntries is a gauge of loaded reputation entries, by list.
	ReputationEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "postguard_reputation_entries",
		Help: "Entries loaded into the reputation filter, by list.",
	}, []string{"list"})

	// StateDBSizeBytes is the on-disk size of the bbolt state database.
	StateDBSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postguard_state_db_size_bytes",
		Help: "Size of the bbolt state database file in bytes.",
	})
)

// Register registers all metrics with prometheus.DefaultRegisterer.
// Call once at process startup.
func Register() {
	RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with the given registerer.
// Use an isolated prometheus.NewRegistry() in tests to avoid conflicts.
func RegisterWith(reg prometheus.Registerer) {
	reg.MustRegister(
		Submissions,
		Denials,
		BanLookupErrors,
		BansExpired,
		ChallengeErrors,
		EventsRecorded,
		EventsDropped,
		EventBackendErrors,
		CounterKeys,
		ReputationEntries,
		StateDBSizeBytes,
	)
}
