package backoff

import (
    "fmt"
    "math"
    "math/rand"
    "sync"
    "time"

    "github.com/amirimatin/go-ensemble/pkg/ensemble"
)

// Policy computes randomized, linearly growing retry delays capped at a
// maximum. Retrying members draw different delays so they do not hammer the
// ensemble in lockstep.
type Policy struct {
    initial time.Duration
    max     time.Duration

    mu  sync.Mutex
    rnd *rand.Rand
}

// Option customizes a Policy.
type Option func(*Policy)

// WithRand sets the random source (tests use a fixed seed).
func WithRand(r *rand.Rand) Option { return func(p *Policy) { p.rnd = r } }

// New returns a Policy. Both bounds must be non-negative.
func New(initial, max time.Duration, opts ...Option) (*Policy, error) {
    if initial < 0 {
        return nil, fmt.Errorf("%w: initial delay %s is negative", ensemble.ErrInvalidArgument, initial)
    }
    if max < 0 {
        return nil, fmt.Errorf("%w: max delay %s is negative", ensemble.ErrInvalidArgument, max)
    }
    p := &Policy{initial: initial, max: max}
    for _, o := range opts { o(p) }
    if p.rnd == nil {
        p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
    }
    return p, nil
}

// MustNew is New for constant bounds known to be valid.
func MustNew(initial, max time.Duration) *Policy {
    p, err := New(initial, max)
    if err != nil { panic(err) }
    return p
}

// Delay returns the wait before retry number attempt (1-based).
func (p *Policy) Delay(attempt int) (time.Duration, error) {
    if attempt < 1 {
        return 0, fmt.Errorf("%w: attempt must be >= 1, got %d", ensemble.ErrInvalidArgument, attempt)
    }
    current := float64(attempt) * float64(p.initial.Milliseconds())
    delta := 0.5 * current
    p.mu.Lock()
    u := p.rnd.Float64()
    p.mu.Unlock()
    millis := math.Min(current-delta+u*(2*delta+1), float64(p.max.Milliseconds()))
    if millis < 0 { millis = 0 }
    return time.Duration(millis) * time.Millisecond, nil
}

// Max returns the upper bound of every delay.
func (p *Policy) Max() time.Duration { return p.max }
