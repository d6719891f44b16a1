package machine

import (
	"context"
	"sync"
)

// loop runs posted functions one at a time, in order, on the goroutine
// that calls run. Posting never blocks.
type loop struct {
	mu    sync.Mutex
	q     []func()
	wakeC chan struct{}
}

func newLoop() *loop {
	return &loop{wakeC: make(chan struct{}, 1)}
}

func (l *loop) post(f func()) {
	l.mu.Lock()
	l.q = append(l.q, f)
	l.mu.Unlock()

	select {
	case l.wakeC <- struct{}{}:
	default:
	}
}

func (l *loop) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wakeC:
		}

		for {
			l.mu.Lock()
			q := l.q
			l.q = nil
			l.mu.Unlock()

			if len(q) == 0 {
				break
			}

			for _, f := range q {
				f()
			}
		}
	}
}

// do runs f on the loop and waits for it to return.
func (l *loop) do(ctx context.Context, f func()) error {
	doneC := make(chan struct{})
	l.post(func() {
		f()
		close(doneC)
	})

	select {
	case <-doneC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
