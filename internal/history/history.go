// Package history keeps each user's recent transactions in a bounded ring
// buffer and serializes every read-score-append cycle per user.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/retry"
)

// Retention is how far back entries are kept relative to the newest one.
const Retention = 30 * 24 * time.Hour

// DefaultCapacity is the per-user ring buffer size.
const DefaultCapacity = 512

const initialRing = 8

// Journal persists appended transactions.
type Journal interface {
	SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error
}

// Source reloads a user's journaled transactions on first sight.
type Source interface {
	GetTransactionsByUser(ctx context.Context, tenantID string, userID string, since time.Time) ([]*domain.Transaction, error)
}

// Options configures a Store.
type Options struct {
	Capacity int
	IdleTTL  time.Duration

	Journal          Journal
	JournalAttempts  int
	JournalBaseDelay time.Duration

	// OnJournalFailure is called once per transaction that could not be persisted.
	OnJournalFailure func(err error)

	// Source reloads history on first sight; HydrateTimeout bounds that
	// query independently of the lease wait.
	Source         Source
	HydrateTimeout time.Duration

	Now func() time.Time
}

// Store owns every user profile.
type Store struct {
	opts  Options
	locks *keyedMutex

	mu       sync.RWMutex
	profiles map[string]*profile

	pending  sync.WaitGroup
	failures atomic.Int64
}

// NewStore creates an empty history store.
func NewStore(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.JournalAttempts <= 0 {
		opts.JournalAttempts = 3
	}
	if opts.JournalBaseDelay <= 0 {
		opts.JournalBaseDelay = 50 * time.Millisecond
	}
	if opts.HydrateTimeout <= 0 {
		opts.HydrateTimeout = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:     opts,
		locks:    newKeyedMutex(),
		profiles: make(map[string]*profile),
	}
}

func key(tenantID, userID string) string {
	return tenantID + ":" + userID
}

// Lease grants exclusive access to one user's profile until Release.
type Lease struct {
	store   *Store
	p       *profile
	unlock  func()
	release sync.Once

	// cold is set when the journal could not be read back. The profile is
	// not kept, so the next lease retries hydration.
	cold bool
}

// Acquire waits for exclusive access to the user's profile. A deadline on
// ctx that expires while waiting yields domain.ErrHistoryContention.
func (s *Store) Acquire(ctx context.Context, tenantID, userID string) (*Lease, error) {
	k := key(tenantID, userID)

	unlock, err := s.locks.lock(ctx, k)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrHistoryContention, userID, err)
		}
		return nil, err
	}

	s.mu.RLock()
	p, ok := s.profiles[k]
	s.mu.RUnlock()

	if ok {
		return &Lease{store: s, p: p, unlock: unlock}, nil
	}

	p = newProfile(tenantID, userID, s.opts.Capacity)
	p.touch(s.opts.Now())
	if s.opts.Source != nil {
		if err := s.hydrate(ctx, p); err != nil {
			slog.Warn("history hydration failed, scoring without history",
				"tenant_id", tenantID,
				"user_id", userID,
				"error", err,
			)
			return &Lease{store: s, p: p, unlock: unlock, cold: true}, nil
		}
	}
	s.mu.Lock()
	s.profiles[k] = p
	s.mu.Unlock()

	return &Lease{store: s, p: p, unlock: unlock}, nil
}

// hydrate loads journaled entries within the retention horizon. The query
// outlives the caller's lease deadline but not HydrateTimeout.
func (s *Store) hydrate(ctx context.Context, p *profile) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.HydrateTimeout)
	defer cancel()

	since := s.opts.Now().Add(-Retention)
	txs, err := s.opts.Source.GetTransactionsByUser(ctx, p.tenantID, p.userID, since)
	if err != nil {
		return err
	}

	// Journal order is newest first.
	for i := len(txs) - 1; i >= 0; i-- {
		p.record(txs[i])
	}
	if len(txs) > 0 {
		slog.Debug("history hydrated",
			"tenant_id", p.tenantID,
			"user_id", p.userID,
			"entries", p.size,
		)
	}
	return nil
}

// Cold reports whether the user's journaled history could not be loaded
// for this lease. Verdicts computed from it should be marked degraded.
func (l *Lease) Cold() bool {
	return l.cold
}

// Snapshot copies the profile as it stands now.
func (l *Lease) Snapshot() domain.UserProfile {
	return l.p.snapshot()
}

// Append records tx and prunes entries beyond the retention horizon.
// The journal write happens in the background; its failure is reported
// through Options.OnJournalFailure and never affects the caller.
func (l *Lease) Append(ctx context.Context, tx *domain.Transaction) error {
	if l.unlock == nil {
		return errors.New("history lease already released")
	}

	l.p.record(tx)
	l.p.touch(l.store.opts.Now())

	if l.store.opts.Journal != nil {
		l.store.journal(context.WithoutCancel(ctx), l.p.tenantID, tx)
	}
	return nil
}

// Release returns the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.release.Do(func() {
		l.unlock()
		l.unlock = nil
	})
}

func (s *Store) journal(ctx context.Context, tenantID string, tx *domain.Transaction) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		err := retry.Do(ctx, s.opts.JournalAttempts, s.opts.JournalBaseDelay, func(ctx context.Context) error {
			return s.opts.Journal.SaveTransaction(ctx, tenantID, tx)
		})
		if err == nil {
			return
		}

		err = fmt.Errorf("%w: tx %s: %w", domain.ErrHistoryUpdate, tx.ID, err)
		s.failures.Add(1)
		slog.Error("history journal write failed",
			"tenant_id", tenantID,
			"user_id", tx.UserID,
			"tx_id", tx.ID,
			"attempts", s.opts.JournalAttempts,
			"error", err,
		)
		if s.opts.OnJournalFailure != nil {
			s.opts.OnJournalFailure(err)
		}
	}()
}

// Lookup returns a snapshot of a user's profile, if one exists.
func (s *Store) Lookup(ctx context.Context, tenantID, userID string) (domain.UserProfile, bool, error) {
	k := key(tenantID, userID)
	unlock, err := s.locks.lock(ctx, k)
	if err != nil {
		return domain.UserProfile{}, false, err
	}
	defer unlock()

	s.mu.RLock()
	p, ok := s.profiles[k]
	s.mu.RUnlock()
	if !ok {
		return domain.UserProfile{}, false, nil
	}
	return p.snapshot(), true, nil
}

// Len returns the number of profiles held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}

// JournalFailures returns how many journal writes were abandoned.
func (s *Store) JournalFailures() int64 {
	return s.failures.Load()
}

// Evict drops profiles idle for longer than the configured TTL.
// Profiles currently leased are skipped.
func (s *Store) Evict() int {
	if s.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := s.opts.Now().Add(-s.opts.IdleTTL)

	s.mu.RLock()
	var candidates []string
	for k, p := range s.profiles {
		if p.idleSince(cutoff) {
			candidates = append(candidates, k)
		}
	}
	s.mu.RUnlock()

	evicted := 0
	for _, k := range candidates {
		unlock, ok := s.locks.tryLock(k)
		if !ok {
			continue
		}
		s.mu.Lock()
		if p, exists := s.profiles[k]; exists && p.idleSince(cutoff) {
			delete(s.profiles, k)
			evicted++
		}
		s.mu.Unlock()
		unlock()
	}
	return evicted
}

// Run evicts idle profiles periodically until ctx is done.
func (s *Store) Run(ctx context.Context) {
	if s.opts.IdleTTL <= 0 {
		return
	}
	interval := s.opts.IdleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Evict(); n > 0 {
				slog.Debug("evicted idle profiles", "count", n)
			}
		}
	}
}

// Close waits for in-flight journal writes.
func (s *Store) Close() error {
	s.pending.Wait()
	return nil
}
