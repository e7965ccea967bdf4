package triage

import (
	"context"
	"errors"
	"sync"
)

var ErrThreadNotFound = errors.New("thread not found")

// ThreadStore persists threads by key. Implementations return copies so a
// caller mutating a thread never affects stored state until Put.
type ThreadStore interface {
	Get(ctx context.Context, id string) (*Thread, error)
	Put(ctx context.Context, t *Thread) error
	Delete(ctx context.Context, id string) error
}

// Locker serializes work on one thread key. Distinct keys never block each other.
// The returned context carries whatever the lock holds (a database connection
// for PGLocker); store calls made under the lock must use it.
type Locker interface {
	Lock(ctx context.Context, id string) (locked context.Context, unlock func(), err error)
}

// MemoryStore keeps threads for the process lifetime.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*Thread
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*Thread)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, id)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

// KeyedLocker is an in-process per-key mutex. Entries are dropped once no
// goroutine holds or waits on them.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyLock)}
}

func (l *KeyedLocker) Lock(ctx context.Context, id string) (context.Context, func(), error) {
	l.mu.Lock()
	k, ok := l.locks[id]
	if !ok {
		k = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[id] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(id, k)
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			<-k.sem
			l.release(id, k)
		})
	}, nil
}

func (l *KeyedLocker) release(id string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *KeyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
