package session

import (
	"context"
	"sync"
	"time"
)

// Reveal is a lazily produced sequence of increasing-length prefixes of a
// finalized reply, simulating live generation. Steps is closed when the
// sequence stops for any reason; Done is closed exactly once, and only when
// the full text has been emitted.
type Reveal struct {
	Steps <-chan string
	Done  <-chan struct{}
}

// Typewriter renders finalized text as a timed prefix sequence for one
// display surface. Starting a new reveal cancels the previous one; reveals
// never touch message data, and canceling one does not cancel the network
// request that produced the text.
type Typewriter struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewTypewriter creates a Typewriter.
func NewTypewriter() *Typewriter {
	return &Typewriter{}
}

// Reveal starts emitting prefixes of text, one rune per stepDelay tick.
// Any reveal previously started on this Typewriter is canceled first.
func (t *Typewriter) Reveal(parent context.Context, text string, stepDelay time.Duration) *Reveal {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.mu.Unlock()

	steps := make(chan string)
	done := make(chan struct{})

	go func() {
		defer close(steps)
		runes := []rune(text)
		for i := 1; i <= len(runes); i++ {
			if stepDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(stepDelay):
				}
			}
			select {
			case steps <- string(runes[:i]):
			case <-ctx.Done():
				return
			}
		}
		close(done)
	}()

	return &Reveal{Steps: steps, Done: done}
}

// Stop cancels the active reveal, if any.
func (t *Typewriter) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
