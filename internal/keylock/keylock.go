// Package keylock provides per-key mutual exclusion that holds both inside
// one process and across processes sharing a working directory.
//
// Callers inside the process queue on a keyed semaphore; the holder then
// takes an advisory file lock so a CLI conversion running next to the HTTP
// server excludes it too.
package keylock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const defaultRetryDelay = 250 * time.Millisecond

// Locker hands out keyed locks backed by lock files in a directory.
type Locker struct {
	dir        string
	retryDelay time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// New returns a Locker storing lock files under dir.
func New(dir string) *Locker {
	return &Locker{dir: dir, retryDelay: defaultRetryDelay, slots: make(map[string]*slot)}
}

// Acquire blocks until key is held or ctx ends. The returned release func
// must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("lock key required")
	}

	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key)
		return nil, fmt.Errorf("wait for lock %s: %w", key, ctx.Err())
	}

	fileLock, err := l.lockFile(ctx, key)
	if err != nil {
		<-s.ch
		l.unref(key)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if fileLock != nil {
				_ = fileLock.Unlock()
			}
			<-s.ch
			l.unref(key)
		})
	}, nil
}

func (l *Locker) lockFile(ctx context.Context, key string) (*flock.Flock, error) {
	if l.dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fileLock := flock.New(l.Path(key))
	ok, err := fileLock.TryLockContext(ctx, l.retryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lock %s: not acquired", key)
	}
	return fileLock, nil
}

// Path returns the lock file used for key.
func (l *Locker) Path(key string) string {
	return filepath.Join(l.dir, fileName(key)+".lock")
}

func (l *Locker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Locker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		delete(l.slots, key)
	}
}

func fileName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == ':' || r == '/':
			b.WriteByte('-')
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
