package triage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStore_RoundTripIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}

	th := NewThread("t", 3)
	th.Append(RoleUser, "tosse", time.Now())
	if err := s.Put(ctx, th); err != nil {
		t.Fatal(err)
	}
	th.Append(RoleAssistant, "not saved", time.Now())

	got, err := s.Get(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 {
		t.Errorf("store kept a reference to the caller's thread: %d messages", len(got.Messages))
	}
	got.Messages[0].Content = "mutated"
	again, _ := s.Get(ctx, "t")
	if again.Messages[0].Content != "tosse" {
		t.Error("Get returned shared state")
	}

	if err := s.Delete(ctx, "t"); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after delete", s.Len())
	}
}

func TestKeyedLocker_SerializesSameKey(t *testing.T) {
	l := NewKeyedLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unlock, err := l.Lock(context.Background(), "k")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("%d goroutines held the same key at once", maxInside)
	}
	if l.size() != 0 {
		t.Errorf("locker leaked %d entries", l.size())
	}
}

func TestKeyedLocker_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewKeyedLocker()
	_, unlockA, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("key b blocked behind key a: %v", err)
	}
	unlockB()
}

func TestKeyedLocker_ContextCancel(t *testing.T) {
	l := NewKeyedLocker()
	_, unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := l.Lock(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	unlock()
	unlock()
	if l.size() != 0 {
		t.Errorf("locker leaked %d entries", l.size())
	}
}
