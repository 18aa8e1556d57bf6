package reconcile

import "sync"

// View is what subscribers receive: the collection plus session status at one point in time.
type View[T Entity[T]] struct {
	Collection Collection[T]
	Loading    bool
	Err        error
	State      State
}

type subscriber[T Entity[T]] struct {
	id int
	fn func(View[T])
}

// dispatcher delivers views to subscribers in order on its own goroutine.
type dispatcher[T Entity[T]] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []dispatch[T]
	closed bool
	done   chan struct{}
}

type dispatch[T Entity[T]] struct {
	view View[T]
	subs []subscriber[T]
}

func newDispatcher[T Entity[T]]() *dispatcher[T] {
	d := &dispatcher[T]{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher[T]) enqueue(view View[T], subs []subscriber[T]) {
	if len(subs) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, dispatch[T]{view: view, subs: subs})
	d.cond.Signal()
}

// stop delivers what is already queued, then ends the goroutine.
func (d *dispatcher[T]) stop() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *dispatcher[T]) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		for _, s := range next.subs {
			s.fn(next.view)
		}
	}
}
