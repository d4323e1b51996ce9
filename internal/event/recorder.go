package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/postguard/internal/metrics"
)

// DefaultWriteTimeout bounds a single backend write.
const DefaultWriteTimeout = 2 * time.Second

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Buffer       int
	Workers      int
	WriteTimeout time.Duration
}

var _ Sink = (*Recorder)(nil)

// Recorder fans events out to every backend from a small worker pool fed by
// a buffered queue. When the queue is full the event is dropped and counted.
type Recorder struct {
	backends []Backend
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	wg     sync.WaitGroup
}

// NewRecorder starts opts.Workers goroutines draining a queue of opts.Buffer
// events. Zero values fall back to 1 worker, 256 slots and
// DefaultWriteTimeout.
func NewRecorder(backends []Backend, opts RecorderOptions) *Recorder {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	r := &Recorder{
		backends: backends,
		timeout:  opts.WriteTimeout,
		ch:       make(chan Event, opts.Buffer),
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
	return r
}

// Record enqueues ev without blocking.
func (r *Recorder) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.EventsDropped.Inc()
		return
	}
	select {
	case r.ch <- ev:
		metrics.EventsRecorded.WithLabelValues(string(ev.Kind)).Inc()
	default:
		metrics.EventsDropped.Inc()
		log.Debug().Str("kind", string(ev.Kind)).Msg("security event dropped (queue full)")
	}
}

// Close stops accepting events, drains the queue and closes every backend.
// It is safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	r.wg.Wait()

	var firstErr error
	for _, b := range r.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("event: close %s: %w", b.Name(), err)
		}
	}
	return firstErr
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for ev := range r.ch {
		for _, b := range r.backends {
			r.write(b, ev)
		}
	}
}

func (r *Recorder) write(b Backend, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			metrics.EventBackendErrors.WithLabelValues(b.Name()).Inc()
			log.Error().Interface("panic", p).Str("backend", b.Name()).Msg("security event backend panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := b.Write(ctx, ev); err != nil {
		metrics.EventBackendErrors.WithLabelValues(b.Name()).Inc()
		log.Warn().Err(err).Str("backend", b.Name()).Str("kind", string(ev.Kind)).Msg("security event write failed")
	}
}
