// Package fetchgate bounds how many remote queries may be in flight at
// once. The bound is not fixed: the query service advertises its own
// concurrent-slot budget, so the gate is resizable at runtime. A single
// goroutine owns the counters and the FIFO wait queue, so there are no
// mutexes to misuse.
package fetchgate

import "context"

type waiter struct {
	ctx   context.Context
	grant chan struct{}
}

type releaseMsg struct {
	ok chan bool
}

type resizeMsg struct {
	capacity int
	done     chan struct{}
}

type statsMsg struct {
	reply chan [2]int
}

// Limiter is a counting admission gate with a runtime-adjustable capacity.
// Waiters are served strictly in arrival order so no caller starves.
type Limiter struct {
	acquire chan waiter
	release chan releaseMsg
	resize  chan resizeMsg
	stats   chan statsMsg
}

// NewLimiter starts the gate with the given initial capacity. Capacities
// below one are raised to one so the first caller can always proceed.
func NewLimiter(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	l := &Limiter{
		acquire: make(chan waiter),
		release: make(chan releaseMsg),
		resize:  make(chan resizeMsg),
		stats:   make(chan statsMsg),
	}
	go l.loop(capacity)
	return l
}

// Acquire blocks until a slot is free or the context ends. On success the
// caller holds one slot and must Release it exactly once.
func (l *Limiter) Acquire(ctx context.Context) error {
	w := waiter{ctx: ctx, grant: make(chan struct{})}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.acquire <- w:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.grant:
		return nil
	}
}

// Release returns one slot. If a caller is queued the slot is handed to the
// longest waiter directly instead of passing through an idle counter, so a
// racing resize can never lose the wakeup. Releasing more often than
// acquiring is a programming error and panics: a silent over-release would
// quietly remove the concurrency bound.
func (l *Limiter) Release() {
	msg := releaseMsg{ok: make(chan bool, 1)}
	l.release <- msg
	if !<-msg.ok {
		panic("fetchgate: Release without matching Acquire")
	}
}

// Resize changes the capacity. Growing wakes exactly as many queued waiters
// as the new headroom allows; shrinking lets current holders finish and
// simply stops admitting until enough of them release.
func (l *Limiter) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	msg := resizeMsg{capacity: capacity, done: make(chan struct{})}
	l.resize <- msg
	<-msg.done
}

// Capacity returns the current slot budget.
func (l *Limiter) Capacity() int {
	msg := statsMsg{reply: make(chan [2]int, 1)}
	l.stats <- msg
	return (<-msg.reply)[0]
}

// InFlight returns how many slots are currently held.
func (l *Limiter) InFlight() int {
	msg := statsMsg{reply: make(chan [2]int, 1)}
	l.stats <- msg
	return (<-msg.reply)[1]
}

func (l *Limiter) loop(capacity int) {
	inFlight := 0
	var queue []waiter

	// admit hands slots to queued waiters while headroom exists. Waiters
	// whose context already ended are skipped without consuming a slot.
	admit := func() {
		for inFlight < capacity && len(queue) > 0 {
			w := queue[0]
			queue = queue[1:]
			select {
			case w.grant <- struct{}{}:
				inFlight++
			case <-w.ctx.Done():
				// Caller gave up while queued; slot stays free.
			}
		}
	}

	for {
		select {
		case w := <-l.acquire:
			if inFlight < capacity && len(queue) == 0 {
				select {
				case w.grant <- struct{}{}:
					inFlight++
				case <-w.ctx.Done():
				}
			} else {
				queue = append(queue, w)
			}
		case msg := <-l.release:
			if inFlight == 0 {
				msg.ok <- false
				continue
			}
			inFlight--
			msg.ok <- true
			admit()
		case msg := <-l.resize:
			capacity = msg.capacity
			admit()
			close(msg.done)
		case msg := <-l.stats:
			msg.reply <- [2]int{capacity, inFlight}
		}
	}
}
