package optics

import (
	"sort"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/grafana/optics/pkg/clockutil"
	"github.com/grafana/optics/pkg/rng"
	"github.com/grafana/optics/pkg/slock"
)

// DistSamples is the reservoir capacity of a distribution slot.
const DistSamples = 300

// distSlot is one epoch's reservoir. Recording holds the slot spinlock for
// O(1) work; the poller never waits on it and reports Busy instead.
type distSlot struct {
	lock    slock.Spinlock
	n       uint64
	max     float64
	samples [DistSamples]float64
}

type distPayload struct {
	slots [2]distSlot
}

const distPayloadLen = uint64(unsafe.Sizeof(distPayload{}))

// Dist accumulates distribution read-outs, possibly across several regions
// carrying the same key. Samples holds the merged reservoir.
type Dist struct {
	N                  uint64
	P50, P90, P99, Max float64
	Samples            []float64
}

// DistAlloc creates a distribution lens, failing on a duplicate name.
func (o *Optics) DistAlloc(name string) (*Lens, error) {
	lh, err := o.lensAlloc(TypeDist, distPayloadLen, name)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, false)
}

// DistAllocGet creates a distribution lens or returns the existing lens with
// the same name.
func (o *Optics) DistAllocGet(name string) (*Lens, error) {
	lh, err := o.lensAlloc(TypeDist, distPayloadLen, name)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, true)
}

// DistRecord adds value to the active slot's reservoir. Returns false when
// the lens is not a distribution.
func (l *Lens) DistRecord(value float64) bool {
	p := payloadPtr(l.l, TypeDist)
	if p == nil {
		return false
	}

	slot := &(*distPayload)(p).slots[l.o.Epoch()]

	slot.lock.Lock()

	i := slot.n
	if i >= DistSamples {
		i = rng.GenRange(0, slot.n)
	}
	if i < DistSamples {
		slot.samples[i] = value
	}

	slot.n++
	if value > slot.max {
		slot.max = value
	}

	slot.lock.Unlock()
	return true
}

// DistRecordTimer records the elapsed time of a timer at the given scale.
func (l *Lens) DistRecordTimer(t *clockutil.Timer, scale float64) bool {
	return l.DistRecord(t.Elapsed(scale))
}

// DistRead swaps the given slot out into value, merging with whatever value
// already accumulated. The read is non-blocking: a held slot lock means a
// straggling writer is mid-record and the caller gets ErrBusy.
func (l *Lens) DistRead(epoch uint64, value *Dist) error {
	p := payloadPtr(l.l, TypeDist)
	if p == nil {
		return errors.Wrapf(ErrWrongType, "lens '%s' is %s", l.Name(), l.Type())
	}

	slot := &(*distPayload)(p).slots[epoch&1]

	if !slot.lock.TryLock() {
		return errors.Wrapf(ErrBusy, "dist '%s'", l.Name())
	}

	n := slot.n
	max := slot.max
	slot.n = 0
	slot.max = 0

	readLen := n
	if readLen > DistSamples {
		readLen = DistSamples
	}
	samples := make([]float64, readLen)
	copy(samples, slot.samples[:readLen])

	slot.lock.Unlock()

	if n == 0 {
		return nil
	}

	merged := distMerge(samples, n, value.Samples, value.N)
	value.Samples = merged
	value.N += n
	if max > value.Max {
		value.Max = max
	}

	sorted := make([]float64, len(merged))
	copy(sorted, merged)
	sort.Float64s(sorted)

	value.P50 = sorted[len(sorted)*50/100]
	value.P90 = sorted[len(sorted)*90/100]
	value.P99 = sorted[len(sorted)*99/100]

	return nil
}

// distMerge builds a reservoir representing the union of two reservoirs;
// ln and rn are the population counts each side represents.
func distMerge(ls []float64, ln uint64, rs []float64, rn uint64) []float64 {
	dst, dn, extra, en := ls, ln, rs, rn
	if len(rs) > len(ls) {
		dst, dn, extra, en = rs, rn, ls, ln
	}

	out := make([]float64, len(dst), DistSamples)
	copy(out, dst)
	if len(extra) == 0 {
		return out
	}

	// Top up a non-full reservoir without sampling.
	if len(out) < DistSamples {
		n := DistSamples - len(out)
		if n > len(extra) {
			n = len(extra)
		}
		out = append(out, extra[:n]...)
		extra = extra[n:]
		if len(extra) == 0 {
			return out
		}
	}

	if en <= DistSamples {
		// The extra side is an exhaustive sample; regular reservoir
		// insertion over the growing virtual population.
		vlen := uint64(len(out))
		for _, v := range extra {
			if idx := rng.GenRange(0, vlen); idx < DistSamples {
				out[idx] = v
			}
			vlen++
		}
		return out
	}

	// Both sides are sampled populations; pick from each in proportion to
	// the population they represent.
	rate := float64(en) / float64(en+dn)
	for i := range out {
		if i < len(extra) && rng.GenProb(rate) {
			out[i] = extra[i]
		}
	}
	return out
}
