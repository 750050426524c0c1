package optics

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// LensType tags the payload stored behind a lens header.
type LensType uint32

const (
	// TypeCounter accumulates 64-bit deltas reset on every poll.
	TypeCounter LensType = iota
	// TypeGauge holds a single float64, last writer wins.
	TypeGauge
	// TypeDist keeps a reservoir sample of recorded values.
	TypeDist
	// TypeHisto counts values into fixed buckets.
	TypeHisto
	// TypeQuantile estimates a target quantile with an atomic multiplier.
	TypeQuantile
	// TypeStreaming estimates a target quantile with a single-writer
	// estimate.
	TypeStreaming
)

func (t LensType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeDist:
		return "dist"
	case TypeHisto:
		return "histo"
	case TypeQuantile:
		return "quantile"
	case TypeStreaming:
		return "streaming"
	}
	return "unknown"
}

// lensHdr is the in-region prefix of every lens: header, then the typed
// payload, then the null-terminated name.
type lensHdr struct {
	off        uint64
	payloadLen uint64
	nameLen    uint64
	next       uint64 // atomic
	prev       uint64
	typ        uint32
	_          [20]byte
}

const lensHdrLen = uint64(unsafe.Sizeof(lensHdr{}))

// Lens headers must stay cache-line sized so payload alignment never depends
// on the name that precedes the next block.
const _ = -(unsafe.Sizeof(lensHdr{}) % cacheLine)

func lensTotalLen(l *lensHdr) uint64 {
	return lensHdrLen + l.payloadLen + l.nameLen
}

// lensAlloc carves a lens out of the region allocator and fills in the
// header and name. The lens is not reachable until it is registered.
func (o *Optics) lensAlloc(typ LensType, payloadLen uint64, name string) (*lensHdr, error) {
	if len(name)+1 > NameMax {
		return nil, errors.Wrapf(ErrNameTooLong, "lens '%s'", name)
	}
	nameLen := uint64(len(name) + 1)

	total := lensHdrLen + payloadLen + nameLen
	off, err := o.allocBytes(total)
	if err != nil {
		return nil, err
	}

	p, err := o.r.Ptr(off, total)
	if err != nil {
		return nil, err
	}

	lh := (*lensHdr)(p)
	lh.off = off
	lh.payloadLen = payloadLen
	lh.nameLen = nameLen
	lh.typ = uint32(typ)

	nb, err := o.r.Slice(off+lensHdrLen+payloadLen, nameLen)
	if err != nil {
		return nil, err
	}
	copy(nb, name)
	nb[len(name)] = 0

	return lh, nil
}

// lensPtr resolves a lens offset, re-validating the full extent against the
// region once the header told us the true length.
func (o *Optics) lensPtr(off uint64) (*lensHdr, error) {
	p, err := o.r.Ptr(off, lensHdrLen)
	if err != nil {
		return nil, err
	}

	lh := (*lensHdr)(p)
	if lh.off != off {
		return nil, errors.Wrapf(ErrCorruption,
			"lens self-offset mismatch: %d != %d", lh.off, off)
	}
	if _, err := o.r.Ptr(off, lensTotalLen(lh)); err != nil {
		return nil, err
	}

	return lh, nil
}

func (o *Optics) lensName(l *lensHdr) string {
	b, err := o.r.Slice(l.off+lensHdrLen+l.payloadLen, l.nameLen)
	if err != nil {
		return ""
	}
	return string(b[:l.nameLen-1])
}

// payloadPtr returns the typed payload behind the header, or nil when the
// stored tag does not match.
func payloadPtr(l *lensHdr, typ LensType) unsafe.Pointer {
	if LensType(l.typ) != typ {
		return nil
	}
	return unsafe.Add(unsafe.Pointer(l), lensHdrLen)
}

// -----------------------------------------------------------------------------
// intrusive list
// -----------------------------------------------------------------------------

// setNext links l before next. Caller holds o.mu, which makes the prev
// pointers safe to touch.
func (o *Optics) setNext(l *lensHdr, next uint64) error {
	atomic.StoreUint64(&l.next, next)
	if next == 0 {
		return nil
	}

	nh, err := o.lensPtr(next)
	if err != nil {
		return err
	}
	if nh.prev != 0 {
		return errors.Wrapf(ErrCorruption,
			"inserting before a node already in a list: next=%d", next)
	}
	nh.prev = l.off
	return nil
}

// pushLens makes the lens reachable. Caller holds o.mu.
func (o *Optics) pushLens(l *lensHdr) error {
	head := atomic.LoadUint64(&o.hdr.lensHead)
	if err := o.setNext(l, head); err != nil {
		return err
	}
	atomic.StoreUint64(&o.hdr.lensHead, l.off)
	return nil
}

// killLens swings the neighbors' pointers past l. Caller holds o.mu. A
// concurrent lock-free traversal may still read l's next, which stays valid
// until the deferred free retires the bytes.
func (o *Optics) killLens(l *lensHdr) error {
	next := atomic.LoadUint64(&l.next)

	if next != 0 {
		nh, err := o.lensPtr(next)
		if err != nil {
			return err
		}
		if nh.prev != l.off {
			return errors.Wrapf(ErrCorruption,
				"lens list prev mismatch: %d != %d", nh.prev, l.off)
		}
		nh.prev = l.prev
	}

	if l.prev != 0 {
		ph, err := o.lensPtr(l.prev)
		if err != nil {
			return err
		}
		if atomic.LoadUint64(&ph.next) != l.off {
			return errors.Wrapf(ErrCorruption,
				"lens list next mismatch at %d", l.prev)
		}
		atomic.StoreUint64(&ph.next, next)
	}

	return nil
}

func (o *Optics) removeLens(l *lensHdr) error {
	if err := o.killLens(l); err != nil {
		return err
	}

	if atomic.LoadUint64(&o.hdr.lensHead) == l.off {
		atomic.StoreUint64(&o.hdr.lensHead, atomic.LoadUint64(&l.next))
	}
	return nil
}

// ForeachLens walks the lens list lock-free, so the poller never blocks a
// record operation. Nodes unlinked mid-walk stay readable until the next
// epoch flip retires their bytes.
func (o *Optics) ForeachLens(fn func(*Lens) error) error {
	off := atomic.LoadUint64(&o.hdr.lensHead)

	for off != 0 {
		lh, err := o.lensPtr(off)
		if err != nil {
			return err
		}

		if err := fn(&Lens{o: o, l: lh}); err != nil {
			return err
		}

		off = atomic.LoadUint64(&lh.next)
	}

	return nil
}

// -----------------------------------------------------------------------------
// lens handle
// -----------------------------------------------------------------------------

// Lens is a process-private handle on a typed metric object living in a
// region.
type Lens struct {
	o *Optics
	l *lensHdr
}

// Name returns the lens name.
func (l *Lens) Name() string { return l.o.lensName(l.l) }

// Type returns the lens type tag.
func (l *Lens) Type() LensType { return LensType(l.l.typ) }

// Close releases the process-private handle; the lens itself stays live in
// the region.
func (l *Lens) Close() {}

// Free removes the lens from the index and the list and queues its bytes for
// deferred free, so that no concurrent reader can observe reused memory.
func (l *Lens) Free() error {
	o := l.o

	o.mu.Lock()
	name := o.lensName(l.l)
	if !o.keys.Del(name).OK {
		o.mu.Unlock()
		return errors.Wrapf(ErrInvalidArgument, "lens '%s' is not indexed", name)
	}
	err := o.removeLens(l.l)
	o.mu.Unlock()

	if err != nil {
		return err
	}

	return o.deferFree(l.l.off, lensTotalLen(l.l))
}

// LensGet looks a lens up by name, returning nil when absent.
func (o *Optics) LensGet(name string) *Lens {
	o.mu.Lock()
	defer o.mu.Unlock()

	ret := o.keys.Get(name)
	if !ret.OK {
		return nil
	}

	lh, err := o.lensPtr(ret.Value)
	if err != nil {
		return nil
	}
	return &Lens{o: o, l: lh}
}

// registerLens publishes a freshly allocated lens: the name goes into the
// private index and the lens onto the intrusive list. On a name conflict the
// new object is returned to the allocator and, when upsert is set, a handle
// to the existing lens is returned instead.
func (o *Optics) registerLens(lh *lensHdr, upsert bool) (*Lens, error) {
	name := o.lensName(lh)

	o.mu.Lock()
	ret := o.keys.Put(name, lh.off)
	if ret.OK {
		err := o.pushLens(lh)
		o.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return &Lens{o: o, l: lh}, nil
	}
	o.mu.Unlock()

	o.freeBytes(lh.off, lensTotalLen(lh))

	if !upsert {
		return nil, errors.Wrapf(ErrDuplicateKey, "lens '%s'", name)
	}

	existing, err := o.lensPtr(ret.Value)
	if err != nil {
		return nil, err
	}
	return &Lens{o: o, l: existing}, nil
}
