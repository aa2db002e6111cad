package console

import "sync"

// lineStream is an unbounded FIFO of print lines feeding one channel.
// push never blocks, so a slow consumer cannot stall the event loop.
type lineStream struct {
	mu      sync.Mutex
	pending []string

	out       chan string
	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newLineStream() *lineStream {
	s := &lineStream{
		out:    make(chan string),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *lineStream) push(line string) {
	s.mu.Lock()
	s.pending = append(s.pending, line)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *lineStream) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.closed:
				return
			}
		}
		line := s.pending[0]
		s.pending[0] = ""
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- line:
		case <-s.closed:
			return
		}
	}
}

func (s *lineStream) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
