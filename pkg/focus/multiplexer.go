package focus

import (
	"context"
	"reflect"
	"sync/atomic"
)

// watchSet is an immutable snapshot of the files to wait on. A new version
// is stored on every mutation.
type watchSet struct {
	version uint64
	files   []file
}

// multiplexer waits for any watched file to become ready and hands the ready
// files to forward. Storing a new set or poking it interrupts the wait so it
// never blocks on a stale set.
type multiplexer struct {
	set     atomic.Pointer[watchSet]
	restart chan struct{}
	forward func([]file)
}

func newMultiplexer(forward func([]file)) *multiplexer {
	m := &multiplexer{
		restart: make(chan struct{}, 1),
		forward: forward,
	}
	m.set.Store(&watchSet{})
	return m
}

// update replaces the watched set and restarts the wait.
func (m *multiplexer) update(files []file) {
	prev := m.set.Load()
	m.set.Store(&watchSet{version: prev.version + 1, files: files})
	m.poke()
}

// poke restarts the wait with the current set.
func (m *multiplexer) poke() {
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

func (m *multiplexer) version() uint64 {
	return m.set.Load().version
}

func (m *multiplexer) run(ctx context.Context) {
	for {
		ws := m.set.Load()

		cases := []reflect.SelectCase{
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(m.restart)},
		}
		watched := make([]file, 0, len(ws.files))
		for _, f := range ws.files {
			if f.isActive() || f.isClosed() {
				continue
			}
			cases = append(cases, reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(f.handle().Ready()),
			})
			watched = append(watched, f)
		}

		chosen, _, _ := reflect.Select(cases)
		switch chosen {
		case 0:
			return
		case 1:
			continue
		}

		first := chosen - 2
		ready := []file{watched[first]}
		for i, f := range watched {
			if i == first {
				continue
			}
			select {
			case <-f.handle().Ready():
				ready = append(ready, f)
			default:
			}
		}
		for _, f := range ready {
			f.setActive(true)
		}
		m.forward(ready)
	}
}
