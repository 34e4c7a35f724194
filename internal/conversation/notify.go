package conversation

import "sync"

// notifier delivers Observer calls in order on its own goroutine. Session
// goroutines only append to the queue, so an Observer may call back into the
// Session (Stop, Start) without waiting on the goroutine that notified it.
type notifier struct {
	obs Observer

	mu      sync.Mutex
	queue   []func(Observer)
	running bool
}

func (n *notifier) post(fn func(Observer)) {
	if n.obs == nil {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()
	go n.drain()
}

// drain runs until the queue is empty. At most one drain runs at a time.
func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()
		fn(n.obs)
	}
}
