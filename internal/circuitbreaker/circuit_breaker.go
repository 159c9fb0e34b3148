// Package circuitbreaker protects calls into the three external
// collaborators ObjectStore, VectorStore, and Embedder wrap (S3-compatible
// storage, Milvus, OpenAI) from cascading retries against a backend that is
// already down.
//
// Unlike a generic breaker, trip-worthiness is classified against
// ragspace's own error taxonomy (internal/errors.Kind): a NotFound or
// Invalid result from an upstream call reflects a bad request, not a
// failing dependency, and must not count against the breaker the way an
// Upstream or Fatal result does. See ShouldTrip.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	ragerrors "ragspace/internal/errors"
)

// State is one of the three breaker states.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute while the breaker is open.
var ErrOpen = errors.New("circuitbreaker: breaker is open")

// ErrHalfOpenBusy is returned when a half-open probe slot is already taken.
var ErrHalfOpenBusy = errors.New("circuitbreaker: half-open probe already in flight")

// Config tunes a Breaker's trip/recovery behavior.
type Config struct {
	// FailureThreshold is the number of consecutive trip-worthy failures
	// (per ShouldTrip) that close-state tolerates before opening.
	FailureThreshold int
	// RecoveryThreshold is the number of consecutive successes a
	// half-open probe needs before the breaker closes again.
	RecoveryThreshold int
	// OpenDuration is how long the breaker stays open before allowing a
	// half-open probe.
	OpenDuration time.Duration
	// MaxHalfOpenProbes bounds concurrent probes while half-open.
	MaxHalfOpenProbes int
	// ShouldTrip decides whether err counts as a trip-worthy failure. Nil
	// defaults to tripOnUpstreamOrFatal.
	ShouldTrip func(err error) bool
	// OnTrip, if set, is notified on every state transition.
	OnTrip func(from, to State)
}

// DefaultConfig is tuned for a single upstream dependency behind one of
// ObjectStore/VectorStore/Embedder: a handful of failures opens it, and it
// stays open long enough for a transient Milvus/S3/OpenAI blip to clear.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:  5,
		RecoveryThreshold: 2,
		OpenDuration:      30 * time.Second,
		MaxHalfOpenProbes: 1,
		ShouldTrip:        tripOnUpstreamOrFatal,
	}
}

// tripOnUpstreamOrFatal only counts failures that indicate the backend
// itself is unhealthy — a caller passing a malformed bucket name or an
// unknown Space (Invalid/NotFound/Conflict/Unauthorized) is a bad request,
// not a sign the dependency needs to be given a rest.
func tripOnUpstreamOrFatal(err error) bool {
	var e *ragerrors.Error
	if errors.As(err, &e) {
		return e.Kind == ragerrors.KindUpstream || e.Kind == ragerrors.KindFatal
	}
	return true
}

// Breaker implements the circuit breaker pattern over a single upstream
// dependency's calls.
type Breaker struct {
	cfg *Config

	state        int32 // atomic State
	openedAtNano int64 // atomic unix nano of the last trip into Open

	streak      int32 // atomic: consecutive trip-worthy failures (Closed) or successes (HalfOpen)
	probesInUse int32 // atomic

	requests  int64
	failures  int64
	successes int64
	rejected  int64
}

// New builds a Breaker. A nil config falls back to DefaultConfig.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = tripOnUpstreamOrFatal
	}
	return &Breaker{cfg: cfg, state: int32(Closed)}
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		atomic.AddInt64(&b.rejected, 1)
		return err
	}
	atomic.AddInt64(&b.requests, 1)

	err := fn(ctx)
	b.record(err)
	return err
}

// admit decides whether a call may proceed in the current state.
func (b *Breaker) admit() error {
	switch b.State() {
	case Closed:
		return nil

	case Open:
		if b.openedLongEnoughAgo() {
			b.transition(HalfOpen)
			return nil
		}
		return ErrOpen

	case HalfOpen:
		if atomic.AddInt32(&b.probesInUse, 1) > int32(b.cfg.MaxHalfOpenProbes) {
			atomic.AddInt32(&b.probesInUse, -1)
			return ErrHalfOpenBusy
		}
		return nil

	default:
		return fmt.Errorf("circuitbreaker: unreachable state %v", b.State())
	}
}

func (b *Breaker) record(err error) {
	wasHalfOpen := b.State() == HalfOpen

	if err != nil && b.cfg.ShouldTrip(err) {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}

	if wasHalfOpen {
		atomic.AddInt32(&b.probesInUse, -1)
	}
}

func (b *Breaker) recordSuccess() {
	atomic.AddInt64(&b.successes, 1)

	switch b.State() {
	case Closed:
		atomic.StoreInt32(&b.streak, 0)
	case HalfOpen:
		if atomic.AddInt32(&b.streak, 1) >= int32(b.cfg.RecoveryThreshold) {
			b.transition(Closed)
		}
	}
}

func (b *Breaker) recordFailure() {
	atomic.AddInt64(&b.failures, 1)
	atomic.StoreInt64(&b.openedAtNano, time.Now().UnixNano())

	switch b.State() {
	case Closed:
		if atomic.AddInt32(&b.streak, 1) >= int32(b.cfg.FailureThreshold) {
			b.transition(Open)
		}
	case HalfOpen:
		b.transition(Open)
	}
}

func (b *Breaker) openedLongEnoughAgo() bool {
	openedAt := atomic.LoadInt64(&b.openedAtNano)
	if openedAt == 0 {
		return true
	}
	return time.Since(time.Unix(0, openedAt)) >= b.cfg.OpenDuration
}

func (b *Breaker) transition(to State) {
	from := State(atomic.SwapInt32(&b.state, int32(to)))
	if from == to {
		return
	}

	switch to {
	case Closed:
		atomic.StoreInt32(&b.streak, 0)
	case Open:
		atomic.StoreInt32(&b.streak, 0)
	case HalfOpen:
		atomic.StoreInt32(&b.streak, 0)
		atomic.StoreInt32(&b.probesInUse, 0)
	}

	if b.cfg.OnTrip != nil {
		b.cfg.OnTrip(from, to)
	}
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

// Stats is a snapshot of the breaker's counters, suitable for a health
// endpoint or log line.
type Stats struct {
	State       State
	Requests    int64
	Failures    int64
	Successes   int64
	Rejected    int64
	FailureRate float64
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	requests := atomic.LoadInt64(&b.requests)
	failures := atomic.LoadInt64(&b.failures)

	var failureRate float64
	if requests > 0 {
		failureRate = float64(failures) / float64(requests)
	}

	return Stats{
		State:       b.State(),
		Requests:    requests,
		Failures:    failures,
		Successes:   atomic.LoadInt64(&b.successes),
		Rejected:    atomic.LoadInt64(&b.rejected),
		FailureRate: failureRate,
	}
}

// Reset forces the breaker back to Closed, clearing all counters.
func (b *Breaker) Reset() {
	atomic.StoreInt32(&b.state, int32(Closed))
	atomic.StoreInt32(&b.streak, 0)
	atomic.StoreInt32(&b.probesInUse, 0)
	atomic.StoreInt64(&b.openedAtNano, 0)
	atomic.StoreInt64(&b.requests, 0)
	atomic.StoreInt64(&b.failures, 0)
	atomic.StoreInt64(&b.successes, 0)
	atomic.StoreInt64(&b.rejected, 0)
}
