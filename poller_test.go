package optics

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/grafana/optics/pkg/key"
)

// capture records carbon-shaped keys (prefix.host[.source].name[.sub]) for
// every metric whose prefix matches, keeping strays created by other tests
// out of the assertions.
type capture struct {
	prefix  string
	entries map[string]float64
	begins  atomic.Int32
	dones   atomic.Int32
}

func newCapture(prefix string) *capture {
	return &capture{prefix: prefix, entries: map[string]float64{}}
}

func (c *capture) dump(event PollEvent, poll *Poll) {
	switch event {
	case PollBegin:
		c.begins.Inc()
	case PollDone:
		c.dones.Inc()
	case PollMetric:
		if poll.Prefix != c.prefix {
			return
		}

		var k key.Key
		k.Push(poll.Prefix)
		k.Push(poll.Host)
		if poll.Source != "" {
			k.Push(poll.Source)
		}
		k.Push(poll.Name)

		poll.NormalizeInto(&k, func(_ uint64, key string, value float64) bool {
			c.entries[key] = value
			return true
		})
	}
}

func (c *capture) reset() {
	c.entries = map[string]float64{}
}

func pollerRegion(t *testing.T, prefix string) *Optics {
	t.Helper()

	o, err := CreateAt("test-"+uuid.New().String(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	require.NoError(t, o.SetPrefix(prefix))
	require.NoError(t, o.SetHost("h"))
	return o
}

func uniquePrefix() string {
	return "pfx-" + uuid.New().String()[:8]
}

func TestPollCounterRate(t *testing.T) {
	prefix := uniquePrefix()
	o := pollerRegion(t, prefix)

	c, err := o.CounterAlloc("c")
	require.NoError(t, err)
	require.True(t, c.CounterInc(1))

	cap := newCapture(prefix)
	p := NewPoller(nil)
	require.NoError(t, p.Backend("capture", cap.dump, nil))

	require.NoError(t, p.PollAt(2))
	assert.Equal(t, map[string]float64{prefix + ".h.c": 1.0}, cap.entries)

	cap.reset()
	require.NoError(t, p.PollAt(3))
	assert.Equal(t, map[string]float64{prefix + ".h.c": 0.0}, cap.entries)
}

func TestPollDistQuantiles(t *testing.T) {
	prefix := uniquePrefix()
	o := pollerRegion(t, prefix)

	d, err := o.DistAlloc("d")
	require.NoError(t, err)
	for i := 1; i <= 100; i++ {
		d.DistRecord(float64(i))
	}

	cap := newCapture(prefix)
	p := NewPoller(nil)
	require.NoError(t, p.Backend("capture", cap.dump, nil))

	require.NoError(t, p.PollAt(2))

	assert.Equal(t, 100.0, cap.entries[prefix+".h.d.count"])
	assert.InDelta(t, 50, cap.entries[prefix+".h.d.p50"], 2)
	assert.InDelta(t, 90, cap.entries[prefix+".h.d.p90"], 2)
	assert.InDelta(t, 99, cap.entries[prefix+".h.d.p99"], 2)
	assert.Equal(t, 100.0, cap.entries[prefix+".h.d.max"])
}

func TestPollHistoPlacement(t *testing.T) {
	prefix := uniquePrefix()
	o := pollerRegion(t, prefix)

	h, err := o.HistoAlloc("hist", []float64{1, 2, 3})
	require.NoError(t, err)
	for _, v := range []float64{0, 1, 1.5, 2, 2.5, 3, 3.5} {
		h.HistoInc(v)
	}

	cap := newCapture(prefix)
	p := NewPoller(nil)
	require.NoError(t, p.Backend("capture", cap.dump, nil))

	require.NoError(t, p.PollAt(2))

	assert.Equal(t, 1.0, cap.entries[prefix+".h.hist.below"])
	assert.Equal(t, 2.0, cap.entries[prefix+".h.hist.bucket_1_2"])
	assert.Equal(t, 2.0, cap.entries[prefix+".h.hist.bucket_2_3"])
	assert.Equal(t, 2.0, cap.entries[prefix+".h.hist.above"])
}

func TestPollGaugeSurvivesIdleEpoch(t *testing.T) {
	prefix := uniquePrefix()
	o := pollerRegion(t, prefix)

	g, err := o.GaugeAlloc("g")
	require.NoError(t, err)
	require.True(t, g.GaugeSet(7))

	cap := newCapture(prefix)
	p := NewPoller(nil)
	require.NoError(t, p.Backend("capture", cap.dump, nil))

	require.NoError(t, p.PollAt(2))
	assert.Equal(t, 7.0, cap.entries[prefix+".h.g"])

	cap.reset()
	require.NoError(t, p.PollAt(3))
	assert.Equal(t, 7.0, cap.entries[prefix+".h.g"])
}

func TestPollSourceInKey(t *testing.T) {
	prefix := uniquePrefix()
	o := pollerRegion(t, prefix)
	require.NoError(t, o.SetSource("worker-1"))

	c, err := o.CounterAlloc("c")
	require.NoError(t, err)
	c.CounterInc(2)

	cap := newCapture(prefix)
	p := NewPoller(nil)
	require.NoError(t, p.Backend("capture", cap.dump, nil))

	require.NoError(t, p.PollAt(3))
	assert.Equal(t, 1.0, cap.entries[prefix+".h.worker-1.c"])
}

func TestPollElapsedNormalization(t *testing.T) {
	prefix := uniquePrefix()
	o := pollerRegion(t, prefix)

	c, err := o.CounterAlloc("c")
	require.NoError(t, err)
	c.CounterInc(10)

	cap := newCapture(prefix)
	p := NewPoller(nil)
	require.NoError(t, p.Backend("capture", cap.dump, nil))

	// Region was created at ts=1; polling at ts=6 spans 5 seconds.
	require.NoError(t, p.PollAt(6))
	assert.Equal(t, 2.0, cap.entries[prefix+".h.c"])
}

func TestPollBusyDistSkipped(t *testing.T) {
	prefix := uniquePrefix()
	o := pollerRegion(t, prefix)

	d, err := o.DistAlloc("d")
	require.NoError(t, err)
	d.DistRecord(1)

	// Hold the active slot across the flip, like a straggler that never
	// finishes: the poller must skip the lens, not wait.
	slot := &(*distPayload)(payloadPtr(d.l, TypeDist)).slots[o.Epoch()]
	require.True(t, slot.lock.TryLock())
	defer slot.lock.Unlock()

	cap := newCapture(prefix)
	p := NewPoller(nil)
	require.NoError(t, p.Backend("capture", cap.dump, nil))

	require.NoError(t, p.PollAt(2))
	assert.NotContains(t, cap.entries, prefix+".h.d.count")
}

func TestPollBackendEvents(t *testing.T) {
	prefix := uniquePrefix()
	o := pollerRegion(t, prefix)

	_, err := o.CounterAlloc("c")
	require.NoError(t, err)

	cap := newCapture(prefix)
	p := NewPoller(nil)
	require.NoError(t, p.Backend("capture", cap.dump, nil))

	require.NoError(t, p.PollAt(2))
	require.NoError(t, p.PollAt(3))

	assert.Equal(t, int32(2), cap.begins.Load())
	assert.Equal(t, int32(2), cap.dones.Load())
}

func TestPollBackendFailureContained(t *testing.T) {
	prefix := uniquePrefix()
	o := pollerRegion(t, prefix)

	c, err := o.CounterAlloc("c")
	require.NoError(t, err)
	c.CounterInc(1)

	p := NewPoller(nil)
	require.NoError(t, p.Backend("boom", func(PollEvent, *Poll) {
		panic("backend exploded")
	}, nil))

	cap := newCapture(prefix)
	require.NoError(t, p.Backend("capture", cap.dump, nil))

	// The failing backend must not starve the healthy one.
	require.NoError(t, p.PollAt(2))
	assert.Equal(t, 1.0, cap.entries[prefix+".h.c"])
}

func TestPollBackendCapacity(t *testing.T) {
	p := NewPoller(nil)

	for i := 0; i < PollerMaxBackends; i++ {
		require.NoError(t, p.Backend("b", func(PollEvent, *Poll) {}, nil))
	}
	assert.Error(t, p.Backend("overflow", func(PollEvent, *Poll) {}, nil))
}

func TestPollerHostOverride(t *testing.T) {
	prefix := uniquePrefix()
	o := pollerRegion(t, prefix)

	c, err := o.CounterAlloc("c")
	require.NoError(t, err)
	c.CounterInc(1)

	cap := newCapture(prefix)
	p := NewPoller(nil)
	p.SetHost("override")
	require.NoError(t, p.Backend("capture", cap.dump, nil))

	require.NoError(t, p.PollAt(2))
	assert.Contains(t, cap.entries, prefix+".override.c")
}

func TestPollerFree(t *testing.T) {
	p := NewPoller(nil)

	freed := 0
	require.NoError(t, p.Backend("a", func(PollEvent, *Poll) {}, func() { freed++ }))
	require.NoError(t, p.Backend("b", func(PollEvent, *Poll) {}, func() { freed++ }))

	p.Free()
	assert.Equal(t, 2, freed)
}
