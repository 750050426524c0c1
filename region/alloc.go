package region

import (
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/grafana/optics/pkg/slock"
)

// Size classes: {8}, then {16 .. 256} in steps of 16, then powers of two up
// to 8192. The 8192 class exists for the distribution payload, whose two
// 300-sample reservoirs do not fit a 4096-byte block.
const (
	allocMinLen = 8
	allocMidInc = 16
	allocMidLen = 256

	// AllocMaxLen is the largest length the allocator serves; callers
	// needing more must split or fail.
	AllocMaxLen = 8192

	allocClasses = 1 + 16 + 5
)

type allocClass struct {
	alloc uint64 // next free block; guarded by AllocState.lock
	free  uint64 // freed-block queue head; lock-free
}

// AllocState is the allocator's persistent state, stored inside the region
// header so that every opener shares the same free lists.
type AllocState struct {
	lock    slock.Spinlock
	classes [allocClasses]allocClass
}

// Allocator is a size-class slab allocator over a Region. Blocks are
// threaded into free lists by writing the next offset into the first bytes
// of each free block.
type Allocator struct {
	state *AllocState
	r     *Region
}

// NewAllocator binds an allocator to its in-region state. The state pointer
// must come from a retained mapping so it stays valid across grows.
func NewAllocator(state *AllocState, r *Region) *Allocator {
	return &Allocator{state: state, r: r}
}

// classOf rounds len up to its class boundary and returns the class index
// with the rounded length.
func classOf(n uint64) (class int, blockLen uint64) {
	if n <= allocMinLen {
		return 0, allocMinLen
	}

	// ]8, 256]: increments of 16 bytes.
	if n <= allocMidLen {
		c := (n + allocMidInc - 1) / allocMidInc
		return int(c), c * allocMidInc
	}

	// ]256, 8192]: powers of two.
	blockLen = uint64(1) << bits.Len64(n-1)
	c := bits.TrailingZeros64(blockLen) - bits.TrailingZeros64(allocMidLen) +
		allocMidLen/allocMidInc
	return c, blockLen
}

func (a *Allocator) nodePtr(off uint64) (*uint64, error) {
	p, err := a.r.Ptr(off, 8)
	if err != nil {
		return nil, err
	}
	return (*uint64)(p), nil
}

// fill grows the region by one slab for the class, threads the slab's blocks
// into a chain, prepends the chain to the class's alloc head and returns the
// first block. Slabs trade fragmentation for fewer grow calls: small classes
// get 256 blocks per slab, large ones 16.
func (a *Allocator) fill(class int, blockLen uint64) (uint64, error) {
	factor := uint64(16)
	if blockLen <= allocMidLen {
		factor = 256
	}
	slab := blockLen * factor

	start, err := a.r.Grow(slab)
	if err != nil {
		return 0, err
	}

	end := start + (slab/blockLen)*blockLen
	for node := start + blockLen; node+blockLen < end; node += blockLen {
		p, err := a.nodePtr(node)
		if err != nil {
			return 0, err
		}
		*p = node + blockLen
	}

	last, err := a.nodePtr(end - blockLen)
	if err != nil {
		return 0, err
	}

	a.state.lock.Lock()
	*last = a.state.classes[class].alloc
	a.state.classes[class].alloc = start + blockLen
	a.state.lock.Unlock()

	return start, nil
}

// Alloc returns the offset of a zero-filled block of at least n bytes.
func (a *Allocator) Alloc(n uint64) (uint64, error) {
	if n > AllocMaxLen {
		return 0, errors.Errorf("alloc size too big: %d > %d", n, AllocMaxLen)
	}

	class, blockLen := classOf(n)
	cls := &a.state.classes[class]

	a.state.lock.Lock()

	if cls.alloc == 0 {
		// Adopt the lock-free freed queue in one swap; the release in
		// Free guarantees the chained next offsets are fully written.
		cls.alloc = atomic.SwapUint64(&cls.free, 0)
	}

	if cls.alloc == 0 {
		a.state.lock.Unlock()
		return a.fill(class, blockLen)
	}

	off := cls.alloc
	node, err := a.nodePtr(off)
	if err != nil {
		a.state.lock.Unlock()
		return 0, err
	}
	if *node == off {
		a.state.lock.Unlock()
		return 0, errors.Errorf("corrupted free list: self-reference at %d", off)
	}
	cls.alloc = *node

	block, err := a.r.Slice(off, blockLen)
	if err != nil {
		a.state.lock.Unlock()
		return 0, err
	}
	for i := range block {
		block[i] = 0
	}

	a.state.lock.Unlock()
	return off, nil
}

// Free returns a block to its class's lock-free freed queue. It never takes
// the allocator lock so it stays callable from the poller's deferred-free
// drain regardless of what producers are doing.
func (a *Allocator) Free(off, n uint64) {
	if off == 0 || n > AllocMaxLen {
		return
	}

	class, blockLen := classOf(n)
	cls := &a.state.classes[class]

	block, err := a.r.Slice(off, blockLen)
	if err != nil {
		return
	}
	for i := range block {
		block[i] = 0xFF
	}

	node := (*uint64)(unsafe.Pointer(&block[0]))
	old := atomic.LoadUint64(&cls.free)
	for {
		*node = old
		if atomic.CompareAndSwapUint64(&cls.free, old, off) {
			return
		}
		old = atomic.LoadUint64(&cls.free)
	}
}
