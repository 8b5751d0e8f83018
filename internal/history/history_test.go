package history

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func txAt(id string, at time.Time, amount float64) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		UserID:    "user-001",
		Amount:    amount,
		Hour:      at.Hour(),
		Month:     int(at.Month()),
		Timestamp: at,
	}
}

func appendTx(t *testing.T, s *Store, tx *domain.Transaction) {
	t.Helper()
	lease, err := s.Acquire(context.Background(), "tenant-001", tx.UserID)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease.Release()
	if err := lease.Append(context.Background(), tx); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

func TestStoreAppendAndSnapshot(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	t.Run("ColdProfile", func(t *testing.T) {
		lease, err := s.Acquire(ctx, "tenant-001", "user-001")
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		snap := lease.Snapshot()
		lease.Release()

		if snap.TransactionCount != 0 || len(snap.Entries) != 0 {
			t.Errorf("expected empty profile, got %+v", snap)
		}
	})

	t.Run("AppendOrdersEntries", func(t *testing.T) {
		appendTx(t, s, txAt("tx-1", t0, 10))
		appendTx(t, s, txAt("tx-2", t0.Add(time.Minute), 20))
		appendTx(t, s, txAt("tx-3", t0.Add(2*time.Minute), 30))

		snap, ok, err := s.Lookup(ctx, "tenant-001", "user-001")
		if err != nil || !ok {
			t.Fatalf("Lookup failed: ok=%v err=%v", ok, err)
		}
		if snap.TransactionCount != 3 {
			t.Errorf("expected count 3, got %d", snap.TransactionCount)
		}
		for i := 1; i < len(snap.Entries); i++ {
			if snap.Entries[i].At.Before(snap.Entries[i-1].At) {
				t.Errorf("entries out of order at %d", i)
			}
		}
	})

	t.Run("OutOfOrderTimestampClamped", func(t *testing.T) {
		appendTx(t, s, txAt("tx-late", t0.Add(-time.Hour), 5))

		snap, _, _ := s.Lookup(ctx, "tenant-001", "user-001")
		last := snap.Entries[len(snap.Entries)-1]
		if !last.At.Equal(t0.Add(2 * time.Minute)) {
			t.Errorf("expected clamped timestamp, got %v", last.At)
		}
		if last.Amount != 5 {
			t.Errorf("expected amount 5, got %v", last.Amount)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, ok, _ := s.Lookup(ctx, "tenant-002", "user-001")
		if ok {
			t.Error("expected no profile for other tenant")
		}
	})
}

func TestStorePrunesRetention(t *testing.T) {
	s := NewStore(Options{})

	appendTx(t, s, txAt("old", t0, 100))
	appendTx(t, s, txAt("mid", t0.Add(10*24*time.Hour), 50))
	appendTx(t, s, txAt("new", t0.Add(31*24*time.Hour), 25))

	snap, _, _ := s.Lookup(context.Background(), "tenant-001", "user-001")
	if len(snap.Entries) != 2 {
		t.Fatalf("expected 2 retained entries, got %d", len(snap.Entries))
	}
	if snap.Entries[0].Amount != 50 {
		t.Errorf("expected oldest retained amount 50, got %v", snap.Entries[0].Amount)
	}
	if snap.TransactionCount != 3 {
		t.Errorf("lifetime count should survive pruning, got %d", snap.TransactionCount)
	}
}

func TestStoreRingCapacity(t *testing.T) {
	s := NewStore(Options{Capacity: 16})

	for i := 0; i < 40; i++ {
		appendTx(t, s, txAt(fmt.Sprintf("tx-%d", i), t0.Add(time.Duration(i)*time.Second), float64(i)))
	}

	snap, _, _ := s.Lookup(context.Background(), "tenant-001", "user-001")
	if len(snap.Entries) != 16 {
		t.Fatalf("expected 16 entries, got %d", len(snap.Entries))
	}
	if snap.Entries[0].Amount != 24 || snap.Entries[15].Amount != 39 {
		t.Errorf("expected newest 16 entries, got first=%v last=%v", snap.Entries[0].Amount, snap.Entries[15].Amount)
	}
	if snap.TransactionCount != 40 {
		t.Errorf("expected count 40, got %d", snap.TransactionCount)
	}
}

func TestStoreConcurrentSameUser(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := s.Acquire(ctx, "tenant-001", "user-001")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer lease.Release()

			before := lease.Snapshot().TransactionCount
			_ = lease.Append(ctx, txAt(fmt.Sprintf("tx-%d", i), t0.Add(time.Duration(i)*time.Millisecond), 1))
			if after := lease.Snapshot().TransactionCount; after != before+1 {
				t.Errorf("lost update: %d -> %d", before, after)
			}
		}(i)
	}
	wg.Wait()

	snap, _, _ := s.Lookup(ctx, "tenant-001", "user-001")
	if snap.TransactionCount != n {
		t.Errorf("expected count %d, got %d", n, snap.TransactionCount)
	}
}

func TestStoreLeaseContention(t *testing.T) {
	s := NewStore(Options{})

	lease, err := s.Acquire(context.Background(), "tenant-001", "user-001")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Acquire(ctx, "tenant-001", "user-001")
	if !errors.Is(err, domain.ErrHistoryContention) {
		t.Errorf("expected ErrHistoryContention, got %v", err)
	}
}

// sameBucket returns a user id other than userID whose key lands in the
// same fnv-32a bucket of 256.
func sameBucket(t *testing.T, tenantID, userID string) string {
	t.Helper()
	bucket := func(k string) uint32 {
		h := fnv.New32a()
		_, _ = h.Write([]byte(k))
		return h.Sum32() % 256
	}
	want := bucket(key(tenantID, userID))
	for i := 0; i < 100000; i++ {
		other := fmt.Sprintf("user-%d", i)
		if other != userID && bucket(key(tenantID, other)) == want {
			return other
		}
	}
	t.Fatal("no colliding user id found")
	return ""
}

func TestStoreDistinctUsersIndependent(t *testing.T) {
	s := NewStore(Options{})
	other := sameBucket(t, "tenant-001", "user-001")

	held, err := s.Acquire(context.Background(), "tenant-001", "user-001")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer held.Release()

	t.Run("HashNeighbourNotBlocked", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		lease, err := s.Acquire(ctx, "tenant-001", other)
		if err != nil {
			t.Fatalf("%s blocked behind user-001: %v", other, err)
		}
		lease.Release()
	})

	t.Run("ConcurrentLeases", func(t *testing.T) {
		var wg sync.WaitGroup
		var failed atomic.Int32
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer cancel()

				lease, err := s.Acquire(ctx, "tenant-001", fmt.Sprintf("parallel-%d", i))
				if err != nil {
					failed.Add(1)
					return
				}
				// Serialized, twelve of these overrun the 50ms deadline.
				time.Sleep(30 * time.Millisecond)
				lease.Release()
			}(i)
		}
		wg.Wait()
		if n := failed.Load(); n != 0 {
			t.Errorf("%d distinct users failed to acquire their lease", n)
		}
	})

	t.Run("LocksReleased", func(t *testing.T) {
		held.Release()
		if n := s.locks.size(); n != 0 {
			t.Errorf("expected no lock entries after release, got %d", n)
		}
	})
}

func TestKeyedMutexWaiterGivesUp(t *testing.T) {
	m := newKeyedMutex()
	unlock, err := m.lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if _, ok := m.tryLock("k"); ok {
		t.Error("tryLock succeeded on a held key")
	}

	unlock()
	if n := m.size(); n != 0 {
		t.Errorf("expected no entries after unlock, got %d", n)
	}

	again, ok := m.tryLock("k")
	if !ok {
		t.Fatal("tryLock failed on a free key")
	}
	again()
}

func TestLeaseReleaseIdempotent(t *testing.T) {
	s := NewStore(Options{})
	lease, _ := s.Acquire(context.Background(), "tenant-001", "user-001")
	lease.Release()
	lease.Release()

	if err := lease.Append(context.Background(), txAt("tx", t0, 1)); err == nil {
		t.Error("expected error appending after release")
	}

	// The lock must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	again, err := s.Acquire(ctx, "tenant-001", "user-001")
	if err != nil {
		t.Fatalf("expected lock to be released, got %v", err)
	}
	again.Release()
}

type fakeJournal struct {
	mu     sync.Mutex
	saved  []*domain.Transaction
	fail   bool
	source []*domain.Transaction
}

func (j *fakeJournal) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("database unavailable")
	}
	j.saved = append(j.saved, tx)
	return nil
}

func (j *fakeJournal) GetTransactionsByUser(ctx context.Context, tenantID, userID string, since time.Time) ([]*domain.Transaction, error) {
	return j.source, nil
}

func TestStoreJournal(t *testing.T) {
	t.Run("WritesInBackground", func(t *testing.T) {
		j := &fakeJournal{}
		s := NewStore(Options{Journal: j})

		appendTx(t, s, txAt("tx-1", t0, 10))
		appendTx(t, s, txAt("tx-2", t0.Add(time.Second), 20))
		s.Close()

		if len(j.saved) != 2 {
			t.Errorf("expected 2 journaled transactions, got %d", len(j.saved))
		}
	})

	t.Run("FailureIsCountedNotReturned", func(t *testing.T) {
		j := &fakeJournal{fail: true}
		var reported atomic.Int64
		s := NewStore(Options{
			Journal:          j,
			JournalAttempts:  2,
			JournalBaseDelay: time.Millisecond,
			OnJournalFailure: func(err error) {
				if errors.Is(err, domain.ErrHistoryUpdate) {
					reported.Add(1)
				}
			},
		})

		appendTx(t, s, txAt("tx-1", t0, 10))
		s.Close()

		if s.JournalFailures() != 1 {
			t.Errorf("expected 1 journal failure, got %d", s.JournalFailures())
		}
		if reported.Load() != 1 {
			t.Errorf("expected failure callback with ErrHistoryUpdate, got %d", reported.Load())
		}

		// In-memory history is still updated.
		snap, _, _ := s.Lookup(context.Background(), "tenant-001", "user-001")
		if snap.TransactionCount != 1 {
			t.Errorf("expected in-memory count 1, got %d", snap.TransactionCount)
		}
	})
}

func TestStoreHydrate(t *testing.T) {
	now := t0.Add(time.Hour)
	j := &fakeJournal{
		// Newest first, as the repository returns them.
		source: []*domain.Transaction{
			txAt("tx-b", t0.Add(30*time.Minute), 20),
			txAt("tx-a", t0, 10),
		},
	}
	s := NewStore(Options{Source: j, Now: func() time.Time { return now }})

	lease, err := s.Acquire(context.Background(), "tenant-001", "user-001")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	snap := lease.Snapshot()
	lease.Release()

	if len(snap.Entries) != 2 {
		t.Fatalf("expected 2 hydrated entries, got %d", len(snap.Entries))
	}
	if snap.Entries[0].Amount != 10 || snap.Entries[1].Amount != 20 {
		t.Errorf("expected oldest-first order, got %+v", snap.Entries)
	}
}

type flakySource struct {
	mu    sync.Mutex
	fails int
	calls int
	txs   []*domain.Transaction
}

func (f *flakySource) GetTransactionsByUser(ctx context.Context, tenantID, userID string, since time.Time) ([]*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("journal unreachable")
	}
	return f.txs, nil
}

func TestStoreHydrateRetries(t *testing.T) {
	now := t0.Add(time.Hour)
	src := &flakySource{
		fails: 1,
		txs: []*domain.Transaction{
			txAt("tx-b", t0.Add(30*time.Minute), 20),
			txAt("tx-a", t0, 10),
		},
	}
	s := NewStore(Options{Source: src, Now: func() time.Time { return now }})
	ctx := context.Background()

	first, err := s.Acquire(ctx, "tenant-001", "user-001")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !first.Cold() {
		t.Error("expected a cold lease after failed hydration")
	}
	first.Release()

	if _, ok, _ := s.Lookup(ctx, "tenant-001", "user-001"); ok {
		t.Error("unhydrated profile must not be kept")
	}

	second, err := s.Acquire(ctx, "tenant-001", "user-001")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	snap := second.Snapshot()
	cold := second.Cold()
	second.Release()

	if cold {
		t.Error("expected a hydrated lease on retry")
	}
	if len(snap.Entries) != 2 {
		t.Errorf("expected 2 hydrated entries, got %d", len(snap.Entries))
	}
	if src.calls != 2 {
		t.Errorf("expected 2 source calls, got %d", src.calls)
	}
}

func TestStoreHydrateIgnoresLeaseDeadline(t *testing.T) {
	src := &slowSource{delay: 30 * time.Millisecond}
	s := NewStore(Options{Source: src})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	lease, err := s.Acquire(ctx, "tenant-001", "user-001")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease.Release()
	if lease.Cold() {
		t.Error("hydration was cut short by the lease deadline")
	}
}

type slowSource struct {
	delay time.Duration
}

func (s *slowSource) GetTransactionsByUser(ctx context.Context, tenantID, userID string, since time.Time) ([]*domain.Transaction, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		return nil, nil
	}
}

func TestStoreEvict(t *testing.T) {
	now := t0
	s := NewStore(Options{IdleTTL: time.Hour, Now: func() time.Time { return now }})

	appendTx(t, s, txAt("tx-1", t0, 10))
	if s.Len() != 1 {
		t.Fatalf("expected 1 profile, got %d", s.Len())
	}

	now = t0.Add(30 * time.Minute)
	if n := s.Evict(); n != 0 {
		t.Errorf("expected no eviction before TTL, got %d", n)
	}

	now = t0.Add(2 * time.Hour)
	lease, _ := s.Acquire(context.Background(), "tenant-001", "user-001")
	if n := s.Evict(); n != 0 {
		t.Errorf("leased profile must not be evicted, got %d", n)
	}
	lease.Release()

	now = t0.Add(4 * time.Hour)
	if n := s.Evict(); n != 1 {
		t.Errorf("expected 1 eviction, got %d", n)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}
