// Package carbon registers a poller backend that emits one metric per line
// over a stream socket in the carbon plaintext protocol:
//
//	<prefix>.<host>[.<source>].<key>[.<sub>] <value> <ts>\n
//
// The connection is opened lazily and re-opened on error no more often than
// once per poll timestamp, so a down collector costs one dial per poll.
package carbon

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/grafana/optics"
	"github.com/grafana/optics/pkg/key"
)

// DefaultPort is the conventional carbon plaintext port.
const DefaultPort = "2003"

const dialTimeout = 5 * time.Second

type carbon struct {
	logger log.Logger
	addr   string

	conn        net.Conn
	lastAttempt atomic.Uint64

	buf bytes.Buffer
}

// Register attaches the backend to the poller, targeting host:port.
func Register(poller *optics.Poller, logger log.Logger, host, port string) error {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if port == "" {
		port = DefaultPort
	}

	c := &carbon{
		logger: logger,
		addr:   net.JoinHostPort(host, port),
	}

	return poller.Backend("carbon", c.dump, c.close)
}

func (c *carbon) dump(event optics.PollEvent, poll *optics.Poll) {
	if event != optics.PollMetric {
		return
	}

	// The line protocol wants the host between the prefix and the source,
	// so the key is rebuilt from the poll's parts rather than reusing the
	// pre-joined one.
	var k key.Key
	k.Push(poll.Prefix)
	k.Push(poll.Host)
	if poll.Source != "" {
		k.Push(poll.Source)
	}
	k.Push(poll.Name)

	poll.NormalizeInto(&k, func(ts uint64, key string, value float64) bool {
		c.buf.Reset()
		fmt.Fprintf(&c.buf, "%s %g %d\n", key, value, ts)
		c.send(c.buf.Bytes(), ts)
		return true
	})
}

func (c *carbon) send(line []byte, ts uint64) {
	if c.conn == nil {
		if c.lastAttempt.Load() == ts {
			return
		}
		c.lastAttempt.Store(ts)
		if !c.connect() {
			return
		}
	}

	if _, err := c.conn.Write(line); err != nil {
		level.Warn(c.logger).Log(
			"msg", "unable to send to carbon", "addr", c.addr, "err", err)
		c.conn.Close()
		c.conn = nil
	}
}

func (c *carbon) connect() bool {
	conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		level.Warn(c.logger).Log(
			"msg", "unable to connect to carbon", "addr", c.addr, "err", err)
		return false
	}

	c.conn = conn
	return true
}

func (c *carbon) close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
