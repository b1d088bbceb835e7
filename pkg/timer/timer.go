package timer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
)

// Service is the clock the switchgear waits on. Wait is the only place a
// plan suspends; it returns ctx.Err() if the countdown is cancelled.
type Service interface {
	Now() time.Time
	Wait(ctx context.Context, d time.Duration) error
}

// Configured returns a Service that honours the --timing-speedup flag.
func Configured() Service {
	speedup := lflag.String("timing-speedup", "1", "Factor to compress every breaker and generator delay by (1 = real time)")

	var s struct{ Service }
	lflag.Do(func() {
		factor, err := strconv.ParseFloat(*speedup, 64)
		if err != nil || factor <= 0 {
			panic(fmt.Sprintf("timing-speedup must be a positive number, got %q", *speedup))
		}
		if factor == 1 {
			s.Service = Real{}
			return
		}
		s.Service = NewScaled(factor)
	})
	return &s
}

// Real waits on the wall clock.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) Wait(ctx context.Context, d time.Duration) error {
	return wait(ctx, d)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Scaled runs a virtual clock factor times faster than the wall clock. Now
// reports virtual time so countdowns and generator runs read as if the full
// delay elapsed.
type Scaled struct {
	origin time.Time
	factor float64
}

// NewScaled returns a clock starting at the current wall time.
func NewScaled(factor float64) *Scaled {
	return &Scaled{origin: time.Now(), factor: factor}
}

func (s *Scaled) Now() time.Time {
	elapsed := time.Since(s.origin)
	return s.origin.Add(time.Duration(float64(elapsed) * s.factor))
}

func (s *Scaled) Wait(ctx context.Context, d time.Duration) error {
	return wait(ctx, time.Duration(float64(d)/s.factor))
}

// Manual only moves when Advance is called. It's meant for tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	added   chan struct{}
}

type waiter struct {
	deadline time.Time
	ch       chan struct{}
}

// NewManual returns a clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, added: make(chan struct{}, 1)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	m.mu.Lock()
	w := &waiter{deadline: m.now.Add(d), ch: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case m.added <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		m.remove(w)
		return ctx.Err()
	case <-w.ch:
		return nil
	}
}

func (m *Manual) remove(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.waiters {
		if o == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward and releases every waiter whose deadline
// has passed.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.deadline.After(m.now) {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	m.waiters = kept
}

// Waiters returns how many Wait calls are pending.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// BlockUntil waits until at least n Wait calls are pending or ctx is done.
func (m *Manual) BlockUntil(ctx context.Context, n int) error {
	for {
		if m.Waiters() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.added:
		case <-time.After(time.Millisecond):
		}
	}
}
