package builder

import "sync"

// fifo is an unbounded queue with a blocking pop. After close, pop drains the
// remaining items and then reports ok=false.
type fifo[T any] struct {
    mu     sync.Mutex
    cond   *sync.Cond
    items  []T
    closed bool
}

func newFifo[T any]() *fifo[T] {
    f := &fifo[T]{}
    f.cond = sync.NewCond(&f.mu)
    return f
}

// push reports false when the queue is already closed.
func (f *fifo[T]) push(v T) bool {
    f.mu.Lock()
    if f.closed {
        f.mu.Unlock()
        return false
    }
    f.items = append(f.items, v)
    f.mu.Unlock()
    f.cond.Signal()
    return true
}

func (f *fifo[T]) pop() (T, bool) {
    f.mu.Lock()
    defer f.mu.Unlock()
    for len(f.items) == 0 && !f.closed {
        f.cond.Wait()
    }
    var zero T
    if len(f.items) == 0 {
        return zero, false
    }
    v := f.items[0]
    f.items[0] = zero
    f.items = f.items[1:]
    return v, true
}

func (f *fifo[T]) close() {
    f.mu.Lock()
    f.closed = true
    f.mu.Unlock()
    f.cond.Broadcast()
}
