// Package region implements the growable shared-memory segment backing a
// metrics region and the slab allocator layered on top of it.
//
// A region is a named object under the host's shared-memory directory mapped
// read-write shared into every opener. Addresses inside the region are 64-bit
// offsets from the region base, never raw pointers: the base differs per
// process and moves when the region grows. Offset 0 is reserved and denotes
// null.
package region

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	pageLen = 4096

	// NameMax bounds region, prefix, host and source names, terminator
	// included.
	NameMax = 256

	shmDir    = "/dev/shm"
	shmPrefix = "optics."
)

var (
	// ErrOutOfRegion is returned when an offset/length pair does not fit
	// the active mapping.
	ErrOutOfRegion = errors.New("out-of-region access")

	// ErrAllocExhausted is returned when the backing object could not be
	// grown.
	ErrAllocExhausted = errors.New("region allocation exhausted")
)

// Region is a contiguously addressable byte range backed by a named OS
// memory object. The active mapping is published as an atomic (ptr, len)
// pair; prior mappings are retained until Close so that pointers derived
// from an old mapping stay valid after a grow.
type Region struct {
	fd    int
	owned bool
	name  string // OS object name, prefix included

	// Serializes grow operations. The (ptr, len) pair is read lock-free.
	mu sync.Mutex

	ptr atomic.Pointer[byte]
	len atomic.Uint64

	mappings [][]byte // active mapping last; unmapped only on Close
}

func shmName(name string) (string, error) {
	full := shmPrefix + name
	if len(full) >= NameMax {
		return "", errors.Errorf("region name '%s' too long", name)
	}
	return full, nil
}

func alignLen(n uint64) uint64 {
	return (n + pageLen - 1) / pageLen * pageLen
}

// Create creates the named region with exclusive-create semantics, unlinking
// any leftover object with the same name first. The initial length is
// rounded up to a page.
func Create(name string, initialLen uint64) (*Region, error) {
	full, err := shmName(name)
	if err != nil {
		return nil, err
	}

	// Wipe any leftover region if one exists.
	_ = unix.Unlink(filepath.Join(shmDir, full))

	fd, err := unix.Open(filepath.Join(shmDir, full), unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create region '%s'", name)
	}

	vmaLen := alignLen(initialLen)
	if err := unix.Ftruncate(fd, int64(vmaLen)); err != nil {
		unix.Close(fd)
		unix.Unlink(filepath.Join(shmDir, full))
		return nil, errors.Wrapf(err, "unable to resize region '%s' to %d", name, vmaLen)
	}

	return mapRegion(fd, full, vmaLen, true)
}

// Open maps the existing named region at its current on-disk size.
func Open(name string) (*Region, error) {
	full, err := shmName(name)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(filepath.Join(shmDir, full), unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open region '%s'", name)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "unable to stat region '%s'", name)
	}

	return mapRegion(fd, full, uint64(stat.Size), false)
}

func mapRegion(fd int, full string, vmaLen uint64, owned bool) (*Region, error) {
	m, err := unix.Mmap(fd, 0, int(vmaLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		if owned {
			unix.Unlink(filepath.Join(shmDir, full))
		}
		return nil, errors.Wrapf(err, "unable to map region '%s' to %d", full, vmaLen)
	}

	r := &Region{fd: fd, owned: owned, name: full, mappings: [][]byte{m}}
	r.ptr.Store(&m[0])
	r.len.Store(vmaLen)
	return r, nil
}

// Name returns the OS object name of the region.
func (r *Region) Name() string { return r.name }

// Len returns the current length of the active mapping.
func (r *Region) Len() uint64 { return r.len.Load() }

// Mappings returns the number of mappings currently retained, the active one
// included.
func (r *Region) Mappings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mappings)
}

// Grow extends the backing object by at least n bytes (page aligned), remaps
// the whole object at a fresh address and publishes the new (ptr, len) pair.
// The prior mapping is retained: producer threads may still hold pointers
// derived from it. Returns the starting offset of the newly added bytes.
func (r *Region) Grow(n uint64) (uint64, error) {
	n = alignLen(n)

	r.mu.Lock()
	defer r.mu.Unlock()

	// len is only modified while holding the lock.
	oldLen := r.len.Load()
	newLen := oldLen + n

	if err := unix.Ftruncate(r.fd, int64(newLen)); err != nil {
		return 0, errors.Wrapf(ErrAllocExhausted,
			"unable to resize region '%s' to %d+%d: %v", r.name, oldLen, n, err)
	}

	m, err := unix.Mmap(r.fd, 0, int(newLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, errors.Wrapf(ErrAllocExhausted,
			"unable to map region '%s' to %d: %v", r.name, newLen, err)
	}

	r.mappings = append(r.mappings, m)

	// ptr must be published before len: a reader that observes the new len
	// is then guaranteed to observe the new ptr, while a stale len with a
	// new ptr only rejects accesses it could have allowed.
	r.ptr.Store(&m[0])
	r.len.Store(newLen)

	return oldLen, nil
}

// Ptr resolves an offset/length pair against the active mapping. Readers
// load len before ptr, pairing with the publish order in Grow.
func (r *Region) Ptr(off, n uint64) (unsafe.Pointer, error) {
	vmaLen := r.len.Load()
	vmaPtr := r.ptr.Load()

	if off+n > vmaLen {
		return nil, errors.Wrapf(ErrOutOfRegion,
			"region '%s': off=%d len=%d region_len=%d", r.name, off, n, vmaLen)
	}

	return unsafe.Add(unsafe.Pointer(vmaPtr), off), nil
}

// Slice resolves an offset/length pair as a byte slice over the mapping.
func (r *Region) Slice(off, n uint64) ([]byte, error) {
	p, err := r.Ptr(off, n)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), n), nil
}

// Close unmaps every retained mapping and closes the backing object. The
// caller must guarantee that no thread is still active in the region. When
// the region is owned the backing object is unlinked as well.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.mappings {
		if err := unix.Munmap(m); err != nil {
			return errors.Wrapf(err, "unable to unmap region '%s'", r.name)
		}
	}
	r.mappings = nil

	if err := unix.Close(r.fd); err != nil {
		return errors.Wrapf(err, "unable to close region '%s'", r.name)
	}

	if r.owned {
		if err := unix.Unlink(filepath.Join(shmDir, r.name)); err != nil {
			return errors.Wrapf(err, "unable to unlink region '%s'", r.name)
		}
	}

	return nil
}

// Unlink removes the named region object from the host.
func Unlink(name string) error {
	full, err := shmName(name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(filepath.Join(shmDir, full)); err != nil {
		return errors.Wrapf(err, "unable to unlink region '%s'", name)
	}
	return nil
}

// Foreach enumerates the logical names of every region object on the host,
// stopping early if fn returns false.
func Foreach(fn func(name string) bool) error {
	entries, err := os.ReadDir(shmDir)
	if err != nil {
		return errors.Wrapf(err, "unable to open '%s'", shmDir)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if !strings.HasPrefix(entry.Name(), shmPrefix) {
			continue
		}
		if !fn(strings.TrimPrefix(entry.Name(), shmPrefix)) {
			return nil
		}
	}

	return nil
}

// UnlinkAll removes every region object on the host.
func UnlinkAll() error {
	return Foreach(func(name string) bool {
		_ = Unlink(name)
		return true
	})
}
