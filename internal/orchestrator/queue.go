package orchestrator

import (
	"context"
	"sync"
)

// queue serializes work per session id. Waiters are admitted in the order
// they called acquire; different ids never block each other.
type queue struct {
	mu    sync.Mutex
	tails map[string]*ticket
}

type ticket struct {
	done chan struct{}
}

func newQueue() *queue {
	return &queue{tails: make(map[string]*ticket)}
}

// acquire blocks until every earlier holder for id has released. The
// returned release must be called exactly once.
func (q *queue) acquire(ctx context.Context, id string) (func(), error) {
	t := &ticket{done: make(chan struct{})}

	q.mu.Lock()
	prev := q.tails[id]
	q.tails[id] = t
	q.mu.Unlock()

	release := func() {
		close(t.done)
		q.mu.Lock()
		if q.tails[id] == t {
			delete(q.tails, id)
		}
		q.mu.Unlock()
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev.done:
		return release, nil
	case <-ctx.Done():
		// Keep the chain intact: later waiters are queued behind t.
		go func() {
			<-prev.done
			release()
		}()
		return nil, ctx.Err()
	}
}

// len reports the number of ids with a holder or waiter.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
