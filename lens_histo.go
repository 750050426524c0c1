package optics

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// HistoBuckets is the maximum number of histogram buckets; edges may number
// 2 to HistoBuckets+1.
const HistoBuckets = 8

type histoSlot struct {
	below  uint64
	above  uint64
	counts [HistoBuckets]uint64
}

// histoPayload keeps one counter set per epoch plus the immutable, shared
// bucket edges.
type histoPayload struct {
	slots    [2]histoSlot
	edges    [HistoBuckets + 1]float64
	edgesLen uint64
}

const histoPayloadLen = uint64(unsafe.Sizeof(histoPayload{}))

// Histo accumulates histogram read-outs, possibly across several regions
// carrying the same key. Merging requires matching edges.
type Histo struct {
	Below  uint64
	Above  uint64
	Edges  []float64
	Counts []uint64
}

func validHistoEdges(edges []float64) error {
	if len(edges) < 2 {
		return errors.Wrapf(ErrInvalidArgument,
			"histo edge count %d < 2", len(edges))
	}
	if len(edges) > HistoBuckets+1 {
		return errors.Wrapf(ErrInvalidArgument,
			"histo edge count %d > %d", len(edges), HistoBuckets+1)
	}
	for i := 0; i < len(edges)-1; i++ {
		if edges[i] >= edges[i+1] {
			return errors.Wrapf(ErrInvalidArgument,
				"histo edges not increasing: %d:%g >= %d:%g",
				i, edges[i], i+1, edges[i+1])
		}
	}
	return nil
}

func (o *Optics) histoAlloc(name string, edges []float64) (*lensHdr, error) {
	if err := validHistoEdges(edges); err != nil {
		return nil, err
	}

	lh, err := o.lensAlloc(TypeHisto, histoPayloadLen, name)
	if err != nil {
		return nil, err
	}

	h := (*histoPayload)(payloadPtr(lh, TypeHisto))
	h.edgesLen = uint64(len(edges))
	copy(h.edges[:], edges)

	return lh, nil
}

// HistoAlloc creates a histogram lens over strictly increasing bucket edges,
// failing on a duplicate name.
func (o *Optics) HistoAlloc(name string, edges []float64) (*Lens, error) {
	lh, err := o.histoAlloc(name, edges)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, false)
}

// HistoAllocGet creates a histogram lens or returns the existing lens with
// the same name.
func (o *Optics) HistoAllocGet(name string, edges []float64) (*Lens, error) {
	lh, err := o.histoAlloc(name, edges)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, true)
}

// HistoInc counts value into its bucket: below the first edge, above the
// last, or the unique bucket [e[i], e[i+1]) containing it.
func (l *Lens) HistoInc(value float64) bool {
	p := payloadPtr(l.l, TypeHisto)
	if p == nil {
		return false
	}

	h := (*histoPayload)(p)
	if h.edgesLen < 2 || h.edgesLen > HistoBuckets+1 {
		return false
	}
	slot := &h.slots[l.o.Epoch()]

	var bucket *uint64
	switch {
	case value < h.edges[0]:
		bucket = &slot.below
	case value >= h.edges[h.edgesLen-1]:
		bucket = &slot.above
	default:
		for i := uint64(1); i < h.edgesLen; i++ {
			if value < h.edges[i] {
				bucket = &slot.counts[i-1]
				break
			}
		}
	}

	atomic.AddUint64(bucket, 1)
	return true
}

// HistoRead drains the given slot into value. The first read adopts the
// lens's edges; later reads merge element-wise and fail with ErrWrongType
// when the edges do not match.
func (l *Lens) HistoRead(epoch uint64, value *Histo) error {
	p := payloadPtr(l.l, TypeHisto)
	if p == nil {
		return errors.Wrapf(ErrWrongType, "lens '%s' is %s", l.Name(), l.Type())
	}

	h := (*histoPayload)(p)
	if h.edgesLen < 2 || h.edgesLen > HistoBuckets+1 {
		return errors.Wrapf(ErrCorruption,
			"histo '%s' edge count %d", l.Name(), h.edgesLen)
	}
	slot := &h.slots[epoch&1]

	edges := h.edges[:h.edgesLen]

	if value.Edges == nil {
		value.Edges = append([]float64(nil), edges...)
		value.Counts = make([]uint64, len(edges)-1)
	} else if !edgesEqual(value.Edges, edges) {
		return errors.Wrapf(ErrWrongType,
			"histo '%s' edge mismatch", l.Name())
	}

	value.Below += atomic.SwapUint64(&slot.below, 0)
	value.Above += atomic.SwapUint64(&slot.above, 0)
	for i := range value.Counts {
		value.Counts[i] += atomic.SwapUint64(&slot.counts[i], 0)
	}

	return nil
}

func edgesEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
