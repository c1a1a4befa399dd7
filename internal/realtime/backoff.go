package realtime

import (
	rand "math/rand/v2"
	"sync"
	"time"

	"github.com/markb/buildboard/internal/clock"
)

// BackoffPolicy computes reconnect delays: Base * 2^attempt clamped to
// Max. Jitter in [0, delay/4] is added on top.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the un-jittered delay for a zero-based attempt index.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if d >= p.Max || d > p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// MaxJittered is the upper bound of a jittered delay for attempt.
func (p BackoffPolicy) MaxJittered(attempt int) time.Duration {
	d := p.Delay(attempt)
	return d + d/4
}

// jitterSource hands out jitter from a seeded generator when one is
// configured and from the package-level generator otherwise.
type jitterSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newJitterSource(seed int64) *jitterSource {
	if seed == 0 {
		return &jitterSource{}
	}
	s1 := uint64(seed)
	return &jitterSource{rng: rand.New(rand.NewPCG(s1, s1^0x9e3779b97f4a7c15))} //nolint:gosec // non-crypto backoff jitter
}

// upTo returns a value in [0, n].
func (j *jitterSource) upTo(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	if j.rng == nil {
		return time.Duration(rand.Int64N(int64(n) + 1)) //nolint:gosec // non-crypto backoff jitter
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Duration(j.rng.Int64N(int64(n) + 1))
}

// reconnectSupervisor owns the single pending retry timer of one channel.
// All methods are called with the owning handle's mutex held.
type reconnectSupervisor struct {
	policy BackoffPolicy
	clock  clock.Clock
	jitter *jitterSource

	timer clock.Timer
	seq   uint64
}

// schedule arms a retry after the backoff for attempt, replacing any
// retry that is still pending. fire receives the sequence number the
// timer was armed with; a fire whose sequence is no longer current must
// be ignored.
func (s *reconnectSupervisor) schedule(attempt int, fire func(seq uint64)) time.Duration {
	s.cancel()

	d := s.policy.Delay(attempt)
	d += s.jitter.upTo(d / 4)

	s.seq++
	seq := s.seq
	s.timer = s.clock.AfterFunc(d, func() { fire(seq) })
	return d
}

// claim reports whether seq is the pending retry and, if so, marks it
// consumed.
func (s *reconnectSupervisor) claim(seq uint64) bool {
	if s.timer == nil || seq != s.seq {
		return false
	}
	s.timer = nil
	return true
}

func (s *reconnectSupervisor) pending() bool { return s.timer != nil }

func (s *reconnectSupervisor) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.seq++
}
