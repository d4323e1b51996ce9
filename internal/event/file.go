package event

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var _ Backend = (*FileBackend)(nil)

// FileBackend appends one JSON line per event to <dir>/<kind>.log.
type FileBackend struct {
	dir string

	mu      sync.Mutex
	files   map[Kind]*os.File
	writers map[Kind]*errWriter
	loggers map[Kind]zerolog.Logger
}

// errWriter remembers the last write error, which zerolog otherwise reports
// only through its global handler.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

// NewFileBackend creates dir if needed. Files are opened lazily per kind.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("event: create log dir %s: %w", dir, err)
	}
	return &FileBackend{
		dir:     dir,
		files:   make(map[Kind]*os.File),
		writers: make(map[Kind]*errWriter),
		loggers: make(map[Kind]zerolog.Logger),
	}, nil
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) Write(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.files[ev.Kind]; !ok {
		name := filepath.Join(f.dir, filepath.Base(string(ev.Kind))+".log")
		file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("event: open %s: %w", name, err)
		}
		w := &errWriter{w: file}
		f.files[ev.Kind] = file
		f.writers[ev.Kind] = w
		f.loggers[ev.Kind] = zerolog.New(w)
	}

	w := f.writers[ev.Kind]
	w.err = nil
	lg := f.loggers[ev.Kind]

	entry := lg.Log().
		Str("id", ev.ID).
		Str("type", string(ev.Kind)).
		Str("ip", ev.Address).
		Str("timestamp", ev.Timestamp.UTC().Format(time.RFC3339Nano))
	if ev.Fingerprint != "" {
		entry = entry.Str("ip_hash", ev.Fingerprint)
	}
	if len(ev.Detail) > 0 {
		d := zerolog.Dict()
		for k, v := range ev.Detail {
			d = d.Str(k, v)
		}
		entry = entry.Dict("details", d)
	}
	entry.Send()

	return w.err
}

// Close closes every open log file.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for kind, file := range f.files {
		if err := file.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(f.files, kind)
		delete(f.writers, kind)
		delete(f.loggers, kind)
	}
	return errors.Join(errs...)
}
