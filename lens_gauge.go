package optics

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// gaugePayload holds a single float64 bit pattern. The value is shared by
// both epochs: a gauge reports its latest value, not a per-window delta.
type gaugePayload struct {
	bits uint64
}

const gaugePayloadLen = uint64(unsafe.Sizeof(gaugePayload{}))

// GaugeAlloc creates a gauge lens, failing on a duplicate name.
func (o *Optics) GaugeAlloc(name string) (*Lens, error) {
	lh, err := o.lensAlloc(TypeGauge, gaugePayloadLen, name)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, false)
}

// GaugeAllocGet creates a gauge lens or returns the existing lens with the
// same name.
func (o *Optics) GaugeAllocGet(name string) (*Lens, error) {
	lh, err := o.lensAlloc(TypeGauge, gaugePayloadLen, name)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, true)
}

// GaugeSet stores value with last-writer-wins semantics. Returns false when
// the lens is not a gauge.
func (l *Lens) GaugeSet(value float64) bool {
	p := payloadPtr(l.l, TypeGauge)
	if p == nil {
		return false
	}

	g := (*gaugePayload)(p)
	atomic.StoreUint64(&g.bits, math.Float64bits(value))
	return true
}

// GaugeRead returns the latest value. The epoch is irrelevant but kept for
// uniformity with the other read paths.
func (l *Lens) GaugeRead(_ uint64) (float64, error) {
	p := payloadPtr(l.l, TypeGauge)
	if p == nil {
		return 0, errors.Wrapf(ErrWrongType, "lens '%s' is %s", l.Name(), l.Type())
	}

	g := (*gaugePayload)(p)
	return math.Float64frombits(atomic.LoadUint64(&g.bits)), nil
}
