package optics

import (
	"time"

	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// Thread drives a poller on a fixed cadence from its own goroutine.
type Thread struct {
	poller *Poller

	stopped atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// StartThread polls once immediately and then every freq until Stop.
func StartThread(poller *Poller, freq time.Duration) *Thread {
	t := &Thread{
		poller: poller,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go t.run(freq)
	return t
}

func (t *Thread) run(freq time.Duration) {
	defer close(t.done)

	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	t.pollOnce()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.pollOnce()
		}
	}
}

func (t *Thread) pollOnce() {
	if err := t.poller.Poll(); err != nil {
		level.Error(t.poller.logger).Log("msg", "poll failed", "err", err)
	}
}

// Stop terminates the polling goroutine; an outstanding poll runs to
// completion first. Safe to call more than once.
func (t *Thread) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	close(t.stop)
	<-t.done
}
