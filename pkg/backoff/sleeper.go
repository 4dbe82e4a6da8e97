package backoff

import (
    "context"
    "time"

    "k8s.io/utils/clock"
)

// Sleeper blocks for a duration unless ctx is canceled first.
type Sleeper interface {
    Sleep(ctx context.Context, d time.Duration) error
}

type clockSleeper struct {
    clk clock.Clock
}

// NewSleeper returns a Sleeper driven by clk. A nil clk means wall time.
func NewSleeper(clk clock.Clock) Sleeper {
    if clk == nil { clk = clock.RealClock{} }
    return &clockSleeper{clk: clk}
}

func (s *clockSleeper) Sleep(ctx context.Context, d time.Duration) error {
    if d <= 0 { return ctx.Err() }
    t := s.clk.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-t.C():
        return nil
    }
}
