package optics

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// counterPayload keeps one accumulator per epoch slot.
type counterPayload struct {
	value [2]int64
}

const counterPayloadLen = uint64(unsafe.Sizeof(counterPayload{}))

// CounterAlloc creates a counter lens, failing on a duplicate name.
func (o *Optics) CounterAlloc(name string) (*Lens, error) {
	lh, err := o.lensAlloc(TypeCounter, counterPayloadLen, name)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, false)
}

// CounterAllocGet creates a counter lens or returns the existing lens with
// the same name.
func (o *Optics) CounterAllocGet(name string) (*Lens, error) {
	lh, err := o.lensAlloc(TypeCounter, counterPayloadLen, name)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, true)
}

// CounterInc adds delta to the active slot. Returns false when the lens is
// not a counter.
func (l *Lens) CounterInc(delta int64) bool {
	p := payloadPtr(l.l, TypeCounter)
	if p == nil {
		return false
	}

	c := (*counterPayload)(p)
	atomic.AddInt64(&c.value[l.o.Epoch()], delta)
	return true
}

// CounterRead drains the given slot into the caller's accumulator, resetting
// the slot so the next poll observes only new increments.
func (l *Lens) CounterRead(epoch uint64, value *int64) error {
	p := payloadPtr(l.l, TypeCounter)
	if p == nil {
		return errors.Wrapf(ErrWrongType, "lens '%s' is %s", l.Name(), l.Type())
	}

	c := (*counterPayload)(p)
	*value += atomic.SwapInt64(&c.value[epoch&1], 0)
	return nil
}
