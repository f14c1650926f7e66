package focus

import (
	"context"
	"sync"
)

type commandName int

const (
	cmdDiscover commandName = iota
	cmdRestart
	cmdProcessResults
	cmdWake
	cmdWakeupFired
	cmdSweep
	cmdStop
)

func (n commandName) String() string {
	switch n {
	case cmdDiscover:
		return "discover"
	case cmdRestart:
		return "restart"
	case cmdProcessResults:
		return "process_results"
	case cmdWake:
		return "wake"
	case cmdWakeupFired:
		return "wakeup_fired"
	case cmdSweep:
		return "sweep"
	case cmdStop:
		return "stop"
	default:
		return "unknown"
	}
}

type command struct {
	name commandName

	// files that became ready, for process_results
	files []file
	// restart even when nothing is tracked, for restart
	force bool

	done chan error
}

func (c command) complete(err error) {
	if c.done != nil {
		c.done <- err
	}
}

// commandQueue is an unbounded FIFO with a single consumer. Senders never
// block, so bus handlers and timer callbacks can enqueue from any goroutine.
type commandQueue struct {
	mu     sync.Mutex
	items  []command
	closed bool
	signal chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{signal: make(chan struct{}, 1)}
}

// send enqueues cmd. It fails once the queue has been closed.
func (q *commandQueue) send(cmd command) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrShutdownInProgress
	}
	q.items = append(q.items, cmd)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// sendAndWait enqueues cmd and blocks until the consumer completes it.
func (q *commandQueue) sendAndWait(ctx context.Context, cmd command) error {
	cmd.done = make(chan error, 1)
	if err := q.send(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next blocks until a command is available. It returns false once the queue
// is closed and drained.
func (q *commandQueue) next() (command, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			cmd := q.items[0]
			q.items[0] = command{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return cmd, true
		}
		if q.closed {
			q.mu.Unlock()
			return command{}, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// close rejects further sends and fails every command still queued.
func (q *commandQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for _, cmd := range pending {
		cmd.complete(ErrShutdownInProgress)
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
