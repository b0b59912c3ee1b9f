// Package statestore provides a subscribable snapshot store for client
// state. A client holds one Store per state slice (session list,
// transcript, ...), loads the authoritative snapshot from the server
// with retry, and observes subsequent changes through subscriptions.
package statestore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// subscriptionBuffer is the per-subscription channel capacity. A
// subscriber that falls this far behind misses intermediate snapshots
// but always receives the latest one eventually.
const subscriptionBuffer = 16

// Diagnostics receives store lifecycle notifications. Implementations
// back debugging tooling; a Store without Diagnostics has no
// observation overhead. Methods are called synchronously and must not
// block.
type Diagnostics interface {
	// StateChanged is called after every Set with the new generation.
	StateChanged(generation uint64, value any)
	// LoadAttempt is called after each load attempt; err is nil on
	// success.
	LoadAttempt(attempt int, err error)
}

// Loader fetches the authoritative snapshot from the backend.
type Loader[T any] func(ctx context.Context) (T, error)

// Store holds one snapshot of type T and fans out updates to
// subscribers.
type Store[T any] struct {
	mu         sync.Mutex
	value      T
	generation uint64
	subs       map[*Subscription[T]]struct{}

	diag       Diagnostics
	newBackOff func() backoff.BackOff
}

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithDiagnostics attaches a diagnostics sink to the store.
func WithDiagnostics[T any](d Diagnostics) Option[T] {
	return func(s *Store[T]) { s.diag = d }
}

// WithBackOff overrides the retry policy used by Load.
func WithBackOff[T any](factory func() backoff.BackOff) Option[T] {
	return func(s *Store[T]) { s.newBackOff = factory }
}

// New creates an empty Store.
func New[T any](opts ...Option[T]) *Store[T] {
	s := &Store[T]{
		subs:       make(map[*Subscription[T]]struct{}),
		newBackOff: newDefaultBackOff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newDefaultBackOff creates an exponential backoff: 500ms → 30s,
// multiplier 2x, ±20% jitter.
func newDefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Get returns the current snapshot. ok is false until the first Set.
func (s *Store[T]) Get() (value T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.generation > 0
}

// Generation returns how many times the snapshot has been replaced.
func (s *Store[T]) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Set replaces the snapshot and notifies all subscribers.
func (s *Store[T]) Set(value T) {
	s.mu.Lock()
	s.value = value
	s.generation++
	gen := s.generation
	diag := s.diag
	for sub := range s.subs {
		sub.push(value)
	}
	s.mu.Unlock()

	if diag != nil {
		diag.StateChanged(gen, value)
	}
}

// Subscription is a live feed of snapshot updates.
type Subscription[T any] struct {
	store  *Store[T]
	values chan T

	mu     sync.Mutex
	closed bool
}

// Values returns the subscription's update channel. The channel is
// closed by Cancel.
func (s *Subscription[T]) Values() <-chan T { return s.values }

// Cancel detaches the subscription and closes its channel. Safe to
// call more than once.
func (s *Subscription[T]) Cancel() {
	s.store.mu.Lock()
	delete(s.store.subs, s)
	s.store.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.values)
	}
}

func (s *Subscription[T]) push(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.values <- value:
	default:
		// Drop the oldest buffered snapshot; only the latest matters.
		select {
		case <-s.values:
		default:
		}
		s.values <- value
	}
}

// Subscribe attaches a new subscription. If the store already holds a
// snapshot it is replayed immediately.
func (s *Store[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		store:  s,
		values: make(chan T, subscriptionBuffer),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub] = struct{}{}
	if s.generation > 0 {
		sub.values <- s.value
	}
	return sub
}

// Load fetches the snapshot via loader in the background, retrying
// with exponential backoff until it succeeds, loader returns a
// permanent error, or ctx is cancelled. The returned channel receives
// the terminal result and is then closed.
func (s *Store[T]) Load(ctx context.Context, loader Loader[T]) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		bo := s.newBackOff()
		for attempt := 1; ; attempt++ {
			value, err := loader(ctx)
			if s.diag != nil {
				s.diag.LoadAttempt(attempt, err)
			}
			if err == nil {
				s.Set(value)
				done <- nil
				return
			}

			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				done <- perm.Unwrap()
				return
			}
			if ctx.Err() != nil {
				done <- ctx.Err()
				return
			}

			interval := bo.NextBackOff()
			slog.Debug("statestore: load failed, retrying",
				"attempt", attempt, "backoff", interval, "error", err)
			select {
			case <-ctx.Done():
				done <- ctx.Err()
				return
			case <-time.After(interval):
			}
		}
	}()
	return done
}
