package gateway

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errFanoutClosed = errors.New("output fanout closed")

// fanout copies console print lines to a dynamic set of subscribers.
// Write blocks while there are no subscribers: the console buffers the lines meanwhile,
// so a consumer that connects late still sees them. A subscriber that falls behind loses lines instead of stalling the others.
type fanout struct {
	log *zap.SugaredLogger

	m      sync.Mutex
	closed bool
	// waiters are closed when the number of subscribers goes from 0->1, so that blocked Write calls can proceed
	waiters []chan struct{}
	subs    []chan string
}

func newFanout(log *zap.SugaredLogger) *fanout {
	return &fanout{log: log}
}

// Add subscribes a new channel with room for buf lines.
func (f *fanout) Add(buf int) chan string {
	f.m.Lock()
	defer f.m.Unlock()
	ch := make(chan string, buf)
	if f.closed {
		close(ch)
		return ch
	}
	f.subs = append(f.subs, ch)
	for _, w := range f.waiters {
		close(w)
	}
	f.waiters = nil
	return ch
}

// Remove unsubscribes and closes ch.
func (f *fanout) Remove(ch chan string) {
	f.m.Lock()
	defer f.m.Unlock()
	for i := 0; i < len(f.subs); i++ {
		if f.subs[i] == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (f *fanout) Len() int {
	f.m.Lock()
	defer f.m.Unlock()
	return len(f.subs)
}

func (f *fanout) Write(ctx context.Context, line string) error {
	for {
		f.m.Lock()
		if f.closed {
			f.m.Unlock()
			return errFanoutClosed
		}
		if len(f.subs) > 0 {
			for _, s := range f.subs {
				select {
				case s <- line:
				default:
					f.log.Debugw("dropping output line for slow subscriber", "Line", line)
				}
			}
			f.m.Unlock()
			return nil
		}

		// no subscribers, block until we get one
		w := make(chan struct{})
		f.waiters = append(f.waiters, w)
		f.m.Unlock()
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pump writes every line from lines until the channel closes or ctx is done.
func (f *fanout) Pump(ctx context.Context, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := f.Write(ctx, line); err != nil {
				return
			}
		}
	}
}

func (f *fanout) Close() {
	f.m.Lock()
	defer f.m.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, w := range f.waiters {
		close(w)
	}
	f.waiters = nil
	for _, s := range f.subs {
		close(s)
	}
	f.subs = nil
}
