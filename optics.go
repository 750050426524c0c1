// Package optics is a low-overhead, in-process metrics library recording
// into a shared-memory region. Producing processes record counters, gauges,
// distributions, histograms and quantile estimators into typed lenses; an
// out-of-process poller opens every region on the host, snapshots each lens
// at a fixed cadence and forwards the results to its backends.
//
// Writes are lock-free on the fast path and coordinated with readers through
// a two-slot epoch scheme: each lens keeps two slots, producers write the
// slot selected by the region's current epoch, and the poller reads the slot
// it has just made inactive by flipping the epoch.
package optics

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/grafana/optics/pkg/clockutil"
	"github.com/grafana/optics/pkg/htable"
	"github.com/grafana/optics/region"
)

// NameMax bounds lens, prefix, host and source names, terminator included.
const NameMax = region.NameMax

const cacheLine = 64

// header sits at offset 0 of every region. The layout is shared between
// processes and must not change without versioning the region name prefix.
type header struct {
	epoch    uint64    // atomic; only the low bit is meaningful
	lastInc  uint64    // timestamp of the last epoch advance
	defers   [2]uint64 // atomic deferred-free list heads, one per epoch
	lensHead uint64    // atomic head of the intrusive lens list

	prefix [NameMax]byte
	host   [NameMax]byte
	source [NameMax]byte

	alloc region.AllocState

	_ [48]byte // pad so lens headers stay cache-line aligned
}

const headerLen = uint64(unsafe.Sizeof(header{}))

// Lens headers are placed on allocator block boundaries right after the
// region header, so the header length must be a cache line multiple.
const _ = -(unsafe.Sizeof(header{}) % cacheLine)

// Optics is a process-private handle on a shared-memory metrics region.
// Handles are safe for concurrent use by any number of goroutines; the
// name index is private to the handle and never shared across processes.
type Optics struct {
	r     *region.Region
	alloc *region.Allocator
	hdr   *header

	// Guards keys (read and write) and lensHead writes; lensHead reads
	// are lock-free.
	mu   sync.Mutex
	keys htable.Table
}

// Create creates the named region, wiping any leftover object with the same
// name, and seeds the prefix with the region name and the host with the
// machine hostname.
func Create(name string) (*Optics, error) {
	return CreateAt(name, clockutil.WallSeconds())
}

// CreateAt is Create with an explicit creation timestamp, mostly useful to
// tests driving the epoch clock by hand.
func CreateAt(name string, now uint64) (*Optics, error) {
	r, err := region.Create(name, headerLen)
	if err != nil {
		return nil, err
	}

	o, err := newOptics(r)
	if err != nil {
		r.Close()
		return nil, err
	}

	if err := o.SetPrefix(name); err != nil {
		r.Close()
		return nil, err
	}

	host, err := os.Hostname()
	if err != nil {
		r.Close()
		return nil, errors.Wrap(err, "unable to read hostname")
	}
	if len(host) >= NameMax {
		host = host[:NameMax-1]
	}
	if err := o.SetHost(host); err != nil {
		r.Close()
		return nil, err
	}

	o.hdr.lastInc = now
	return o, nil
}

// Open opens an existing region and seeds the private name index by walking
// the lens list.
func Open(name string) (*Optics, error) {
	r, err := region.Open(name)
	if err != nil {
		return nil, err
	}

	o, err := newOptics(r)
	if err != nil {
		r.Close()
		return nil, err
	}

	if err := o.rebuildIndex(); err != nil {
		r.Close()
		return nil, err
	}

	return o, nil
}

func newOptics(r *region.Region) (*Optics, error) {
	p, err := r.Ptr(0, headerLen)
	if err != nil {
		return nil, err
	}

	o := &Optics{r: r, hdr: (*header)(p)}
	o.alloc = region.NewAllocator(&o.hdr.alloc, r)
	return o, nil
}

func (o *Optics) rebuildIndex() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	off := atomic.LoadUint64(&o.hdr.lensHead)
	for off != 0 {
		lh, err := o.lensPtr(off)
		if err != nil {
			return err
		}
		o.keys.Put(o.lensName(lh), off)
		off = atomic.LoadUint64(&lh.next)
	}
	return nil
}

// Close releases the process-private handle and its mappings. The caller
// must guarantee no goroutine is still recording through this handle.
func (o *Optics) Close() error {
	o.mu.Lock()
	o.keys.Reset()
	o.mu.Unlock()
	return o.r.Close()
}

// Unlink removes the named region object from the host.
func Unlink(name string) error { return region.Unlink(name) }

// UnlinkAll removes every region object on the host.
func UnlinkAll() error { return region.UnlinkAll() }

// -----------------------------------------------------------------------------
// prefix / host / source
// -----------------------------------------------------------------------------

func getName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func setName(b []byte, s string) error {
	if len(s)+1 > len(b) {
		return errors.Wrapf(ErrNameTooLong, "'%s' exceeds %d", s, len(b))
	}
	for i := range b {
		b[i] = 0
	}
	copy(b, s)
	return nil
}

// Prefix returns the region's key prefix.
func (o *Optics) Prefix() string { return getName(o.hdr.prefix[:]) }

// SetPrefix sets the region's key prefix.
func (o *Optics) SetPrefix(prefix string) error { return setName(o.hdr.prefix[:], prefix) }

// Host returns the region's host name.
func (o *Optics) Host() string { return getName(o.hdr.host[:]) }

// SetHost sets the region's host name.
func (o *Optics) SetHost(host string) error { return setName(o.hdr.host[:], host) }

// Source returns the region's source name, empty when unset.
func (o *Optics) Source() string { return getName(o.hdr.source[:]) }

// SetSource sets the region's source name, inserted between the prefix and
// the lens name in delivery keys.
func (o *Optics) SetSource(source string) error { return setName(o.hdr.source[:], source) }

// -----------------------------------------------------------------------------
// alloc
// -----------------------------------------------------------------------------

func (o *Optics) allocBytes(n uint64) (uint64, error) {
	return o.alloc.Alloc(n)
}

func (o *Optics) freeBytes(off, n uint64) {
	o.alloc.Free(off, n)
}

type deferNode struct {
	off  uint64
	len  uint64
	next uint64
}

const deferNodeLen = uint64(unsafe.Sizeof(deferNode{}))

// deferFree queues payload bytes onto the current epoch's deferred-free
// list. The bytes go back to the allocator only once an epoch flip
// guarantees no reader still holds a pointer derived from them.
func (o *Optics) deferFree(off, n uint64) error {
	node, err := o.allocBytes(deferNodeLen)
	if err != nil {
		return err
	}

	p, err := o.r.Ptr(node, deferNodeLen)
	if err != nil {
		return err
	}

	pn := (*deferNode)(p)
	pn.off = off
	pn.len = n

	head := &o.hdr.defers[o.Epoch()]
	old := atomic.LoadUint64(head)
	for {
		pn.next = old
		if atomic.CompareAndSwapUint64(head, old, node) {
			return nil
		}
		old = atomic.LoadUint64(head)
	}
}

func (o *Optics) freeDeferred(epoch uint64) {
	node := atomic.SwapUint64(&o.hdr.defers[epoch&1], 0)

	for node != 0 {
		p, err := o.r.Ptr(node, deferNodeLen)
		if err != nil {
			// The queue is unrecoverable past a bad node; the
			// remaining blocks are leaked rather than corrupted.
			return
		}

		pn := (*deferNode)(p)
		o.freeBytes(pn.off, pn.len)

		next := pn.next
		o.freeBytes(node, deferNodeLen)
		node = next
	}
}

// -----------------------------------------------------------------------------
// epoch
// -----------------------------------------------------------------------------

// Epoch returns the current epoch's low bit, selecting the slot producers
// write.
func (o *Optics) Epoch() uint64 {
	return atomic.LoadUint64(&o.hdr.epoch) & 1
}

// EpochInc drains the deferred-free list of the epoch about to become active
// again, advances the epoch and returns the epoch now inactive and ready to
// be read.
func (o *Optics) EpochInc() uint64 {
	o.freeDeferred(o.Epoch() ^ 1)
	return (atomic.AddUint64(&o.hdr.epoch, 1) - 1) & 1
}

// EpochIncAt is EpochInc stamped with the poll timestamp; it returns the
// inactive epoch along with the previous stamp, which is the start of the
// window the inactive slot spans.
func (o *Optics) EpochIncAt(now uint64) (epoch, lastInc uint64) {
	lastInc = atomic.LoadUint64(&o.hdr.lastInc)
	atomic.StoreUint64(&o.hdr.lastInc, now)
	return o.EpochInc(), lastInc
}
