package region

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testName(t *testing.T) string {
	t.Helper()
	return "test-" + uuid.New().String()
}

func TestCreateOpenClose(t *testing.T) {
	name := testName(t)

	r, err := Create(name, 100)
	require.NoError(t, err)

	// Initial length is page aligned.
	assert.Equal(t, uint64(pageLen), r.Len())

	// A second opener sees the same object.
	peer, err := Open(name)
	require.NoError(t, err)
	assert.Equal(t, r.Len(), peer.Len())

	// Writes through one mapping are visible through the other.
	b, err := r.Slice(128, 8)
	require.NoError(t, err)
	copy(b, "optics!!")

	pb, err := peer.Slice(128, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("optics!!"), pb)

	require.NoError(t, peer.Close())
	require.NoError(t, r.Close())

	// Close on the owner unlinks the object.
	_, err = Open(name)
	assert.Error(t, err)
}

func TestCreateWipesLeftover(t *testing.T) {
	name := testName(t)

	r, err := Create(name, pageLen)
	require.NoError(t, err)

	b, err := r.Slice(64, 4)
	require.NoError(t, err)
	copy(b, "old!")

	// Simulate a crashed owner: the object stays behind.
	_, err = r.Grow(pageLen)
	require.NoError(t, err)

	fresh, err := Create(name, pageLen)
	require.NoError(t, err)
	defer fresh.Close()

	fb, err := fresh.Slice(64, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, fb)

	r.owned = false // the recreate already replaced the object
	require.NoError(t, r.Close())
}

func TestPtrBounds(t *testing.T) {
	r, err := Create(testName(t), pageLen)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Ptr(0, pageLen)
	assert.NoError(t, err)

	_, err = r.Ptr(pageLen-8, 8)
	assert.NoError(t, err)

	_, err = r.Ptr(pageLen-8, 9)
	assert.ErrorIs(t, err, ErrOutOfRegion)

	_, err = r.Ptr(pageLen, 1)
	assert.ErrorIs(t, err, ErrOutOfRegion)
}

func TestGrow(t *testing.T) {
	r, err := Create(testName(t), pageLen)
	require.NoError(t, err)
	defer r.Close()

	b, err := r.Slice(512, 8)
	require.NoError(t, err)
	copy(b, "survives")

	off, err := r.Grow(100)
	require.NoError(t, err)
	assert.Equal(t, uint64(pageLen), off)
	assert.Equal(t, uint64(2*pageLen), r.Len())

	// The prior mapping is retained, never unmapped early.
	assert.Equal(t, 2, r.Mappings())

	// Previously returned offsets still resolve and carry their bytes.
	nb, err := r.Slice(512, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), nb)

	// Old derived pointers stay valid too: both mappings back the same
	// pages.
	copy(nb, "rewrote!")
	assert.Equal(t, []byte("rewrote!"), b)

	// The grown range is addressable and zero-filled.
	gb, err := r.Slice(off, 16)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), gb)

	_, err = r.Grow(1)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Mappings())
	assert.Equal(t, uint64(3*pageLen), r.Len())
}

func TestUnlink(t *testing.T) {
	name := testName(t)

	r, err := Create(name, pageLen)
	require.NoError(t, err)

	require.NoError(t, Unlink(name))
	assert.Error(t, Unlink(name))

	// The mapping stays usable until closed even though the name is gone.
	_, err = r.Slice(0, 8)
	assert.NoError(t, err)

	r.owned = false
	require.NoError(t, r.Close())
}

func TestForeach(t *testing.T) {
	name := testName(t)

	r, err := Create(name, pageLen)
	require.NoError(t, err)
	defer r.Close()

	found := false
	require.NoError(t, Foreach(func(n string) bool {
		if n == name {
			found = true
		}
		return true
	}))
	assert.True(t, found)

	// Early stop.
	count := 0
	require.NoError(t, Foreach(func(string) bool {
		count++
		return false
	}))
	assert.Equal(t, 1, count)
}

func TestNameTooLong(t *testing.T) {
	long := make([]byte, NameMax)
	for i := range long {
		long[i] = 'x'
	}

	_, err := Create(string(long), pageLen)
	assert.Error(t, err)

	_, err = Open(string(long))
	assert.Error(t, err)
}
