// Package htable implements an open-addressed hash table with string keys
// and 64-bit values, used for the opener-private lens name index. Probing is
// linear over a power-of-two bucket array hashed with xxhash; deletions leave
// tombstones that are reclaimed on growth.
package htable

import (
	"github.com/cespare/xxhash/v2"
)

// MaxKeyLen bounds key sizes; longer keys are rejected.
const MaxKeyLen = 1024

const (
	stateEmpty = iota
	stateFull
	stateTombstone
)

type bucket struct {
	state uint8
	hash  uint64
	key   string
	value uint64
}

// Table maps bounded string keys to uint64 values. The zero value is an
// empty table. Not safe for concurrent use.
type Table struct {
	buckets []bucket
	len     int
	used    int // full + tombstones
}

// Ret carries the result of a table operation; Value is only meaningful when
// OK is true.
type Ret struct {
	OK    bool
	Value uint64
}

func (t *Table) resize(cap int) {
	if cap < 8 {
		cap = 8
	}
	n := 8
	for n < cap {
		n <<= 1
	}

	old := t.buckets
	t.buckets = make([]bucket, n)
	t.used = 0
	t.len = 0

	for i := range old {
		if old[i].state == stateFull {
			t.insert(old[i].hash, old[i].key, old[i].value)
		}
	}
}

func (t *Table) insert(hash uint64, key string, value uint64) {
	mask := uint64(len(t.buckets) - 1)
	for i := hash & mask; ; i = (i + 1) & mask {
		b := &t.buckets[i]
		if b.state == stateFull {
			continue
		}
		if b.state == stateEmpty {
			t.used++
		}
		*b = bucket{state: stateFull, hash: hash, key: key, value: value}
		t.len++
		return
	}
}

func (t *Table) find(key string) *bucket {
	if len(t.buckets) == 0 {
		return nil
	}
	hash := xxhash.Sum64String(key)
	mask := uint64(len(t.buckets) - 1)
	for i := hash & mask; ; i = (i + 1) & mask {
		b := &t.buckets[i]
		switch b.state {
		case stateEmpty:
			return nil
		case stateFull:
			if b.hash == hash && b.key == key {
				return b
			}
		}
	}
}

func (t *Table) grow() {
	if len(t.buckets) == 0 || t.used*4 >= len(t.buckets)*3 {
		t.resize(len(t.buckets) * 2)
	}
}

// Len returns the number of live entries.
func (t *Table) Len() int { return t.len }

// Get looks up key.
func (t *Table) Get(key string) Ret {
	b := t.find(key)
	if b == nil {
		return Ret{}
	}
	return Ret{OK: true, Value: b.value}
}

// Put inserts key only if absent. When the key is already present the call
// fails and returns the existing value.
func (t *Table) Put(key string, value uint64) Ret {
	if len(key) > MaxKeyLen {
		return Ret{}
	}
	if b := t.find(key); b != nil {
		return Ret{OK: false, Value: b.value}
	}

	t.grow()
	t.insert(xxhash.Sum64String(key), key, value)
	return Ret{OK: true, Value: value}
}

// Xchg replaces the value of an existing key and returns the old value, or
// inserts the key if absent.
func (t *Table) Xchg(key string, value uint64) Ret {
	if len(key) > MaxKeyLen {
		return Ret{}
	}
	if b := t.find(key); b != nil {
		old := b.value
		b.value = value
		return Ret{OK: true, Value: old}
	}

	t.grow()
	t.insert(xxhash.Sum64String(key), key, value)
	return Ret{OK: true}
}

// Del removes key and returns its value.
func (t *Table) Del(key string) Ret {
	b := t.find(key)
	if b == nil {
		return Ret{}
	}
	value := b.value
	*b = bucket{state: stateTombstone}
	t.len--
	return Ret{OK: true, Value: value}
}

// Next iterates the table: pass -1 to start and the previously returned
// index to continue. Mutating the table invalidates the iteration.
func (t *Table) Next(prev int) (idx int, key string, value uint64, ok bool) {
	for i := prev + 1; i < len(t.buckets); i++ {
		if t.buckets[i].state == stateFull {
			return i, t.buckets[i].key, t.buckets[i].value, true
		}
	}
	return 0, "", 0, false
}

// Reset empties the table, releasing its buckets.
func (t *Table) Reset() {
	t.buckets = nil
	t.len = 0
	t.used = 0
}
