// Package stdout registers a poller backend that prints one normalized
// metric per line, mostly useful for debugging a producing process.
package stdout

import (
	"fmt"
	"io"

	"github.com/grafana/optics"
)

type backend struct {
	w io.Writer
}

func (b *backend) dump(event optics.PollEvent, poll *optics.Poll) {
	if event != optics.PollMetric {
		return
	}

	poll.Normalize(func(ts uint64, key string, value float64) bool {
		fmt.Fprintf(b.w, "[%d] %s: %g\n", ts, key, value)
		return true
	})
}

// Register attaches the backend to the poller, writing to w.
func Register(poller *optics.Poller, w io.Writer) error {
	b := &backend{w: w}
	return poller.Backend("stdout", b.dump, nil)
}
