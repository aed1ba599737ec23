package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type LoaderStatus struct {
	State    State
	Cause    error
	Attempts int
	LoadedAt time.Time
}

// Loader owns the model handle. Failed loads are retried by the next Get;
// once Ready the handle is reused until Close.
type Loader struct {
	path  string
	load  LoadFunc
	group singleflight.Group

	mu       sync.RWMutex
	state    State
	model    Classifier
	cause    error
	attempts int
	loadedAt time.Time
	version  string
	gen      uint64 // bumped by Close, discards loads started before it
}

func NewLoader(path string, load LoadFunc) *Loader {
	return &Loader{path: path, load: load}
}

func (l *Loader) Path() string {
	return l.path
}

// Get returns the loaded model, loading it first if needed. Concurrent
// callers share a single load. Cancelling ctx abandons the wait but not the
// load itself.
func (l *Loader) Get(ctx context.Context) (Classifier, error) {
	l.mu.RLock()
	if l.state == StateReady {
		m := l.model
		l.mu.RUnlock()
		return m, nil
	}
	l.mu.RUnlock()

	ch := l.group.DoChan("load", func() (any, error) {
		return l.loadOnce()
	})
	select {
	case <-ctx.Done():
		return nil, NewStageError(StageLoad, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Classifier), nil
	}
}

func (l *Loader) loadOnce() (Classifier, error) {
	l.mu.Lock()
	if l.state == StateReady {
		m := l.model
		l.mu.Unlock()
		return m, nil
	}
	l.state = StateLoading
	l.attempts++
	attempt := l.attempts
	gen := l.gen
	l.mu.Unlock()

	slog.Info("Loading model", slog.String("path", l.path), slog.Int("attempt", attempt))
	start := time.Now()
	m, err := l.safeLoad()

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		if m != nil {
			if closeErr := m.Close(); closeErr != nil {
				slog.Warn("Failed to release model loaded after close", slog.String("error", closeErr.Error()))
			}
		}
		return nil, NewStageError(StageLoad, errors.New("loader closed while loading"))
	}
	if err != nil {
		l.state = StateFailed
		l.cause = err
		slog.Error("Failed to load model", slog.String("path", l.path), slog.String("error", err.Error()))
		return nil, NewStageError(StageLoad, err)
	}
	l.state = StateReady
	l.model = m
	l.cause = nil
	l.loadedAt = time.Now()
	l.version = fileVersion(l.path)
	slog.Info("Model loaded", slog.String("path", l.path), slog.Duration("took", time.Since(start)))
	return m, nil
}

func (l *Loader) safeLoad() (m Classifier, err error) {
	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = fmt.Errorf("model loader panicked: %v", r)
		}
	}()
	if l.load == nil {
		return nil, errors.New("no model loader configured")
	}
	m, err = l.load(l.path)
	if err == nil && m == nil {
		err = errors.New("model loader returned no model")
	}
	return m, err
}

func (l *Loader) Status() LoaderStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LoaderStatus{
		State:    l.state,
		Cause:    l.cause,
		Attempts: l.attempts,
		LoadedAt: l.loadedAt,
	}
}

// Close releases the model and returns the loader to Unloaded.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.model != nil {
		err = l.model.Close()
	}
	l.model = nil
	l.state = StateUnloaded
	l.cause = nil
	l.version = ""
	l.gen++
	return err
}

// Version identifies the model file that was loaded by its size and
// modification time. It is empty until a load succeeds or when the file
// cannot be inspected.
func (l *Loader) Version() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

func fileVersion(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano())
}
