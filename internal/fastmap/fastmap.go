// Package fastmap provides a fast hash map for file descriptor keys.
// Uses fibonacci hashing for better distribution of sequential keys.
package fastmap

// FdMap is a fast hash map from file descriptor numbers to V.
// Uses open addressing with linear probing and fibonacci hashing.
type FdMap[V any] struct {
	buckets []bucket[V]
	count   int
	mask    uint32
}

type bucket[V any] struct {
	key   int
	value V
	used  bool // Needed because fd 0 is valid
}

// Fibonacci hash constant: 2^32 / golden ratio
const fibHash32 = 2654435769

// hash computes a fast hash using fibonacci hashing
func (m *FdMap[V]) hash(key int) uint32 {
	return uint32(key) * fibHash32
}

// find returns the bucket index holding key, or -1.
func (m *FdMap[V]) find(key int) int {
	if len(m.buckets) == 0 {
		return -1
	}
	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			return -1
		}
		if b.key == key {
			return int(idx)
		}
		idx = (idx + 1) & m.mask
	}
}

// Get returns the value for the given key.
func (m *FdMap[V]) Get(key int) (V, bool) {
	idx := m.find(key)
	if idx < 0 {
		var zero V
		return zero, false
	}
	return m.buckets[idx].value, true
}

// Set stores a key-value pair.
func (m *FdMap[V]) Set(key int, value V) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket[V], 16)
		m.mask = 15
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}

	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			b.key = key
			b.value = value
			b.used = true
			m.count++
			return
		}
		if b.key == key {
			b.value = value
			return
		}
		idx = (idx + 1) & m.mask
	}
}

// Delete removes key and returns the value it held.
// Uses backward-shift deletion so probe chains stay intact without tombstones.
func (m *FdMap[V]) Delete(key int) (V, bool) {
	var zero V
	found := m.find(key)
	if found < 0 {
		return zero, false
	}

	hole := uint32(found)
	value := m.buckets[hole].value

	next := (hole + 1) & m.mask
	for m.buckets[next].used {
		home := m.hash(m.buckets[next].key) & m.mask
		// The entry at next may fill the hole if its home slot does not lie
		// cyclically between the hole and next.
		if (next-home)&m.mask >= (next-hole)&m.mask {
			m.buckets[hole] = m.buckets[next]
			hole = next
		}
		next = (next + 1) & m.mask
	}

	m.buckets[hole] = bucket[V]{}
	m.count--
	return value, true
}

// grow doubles the hash table size
func (m *FdMap[V]) grow() {
	oldBuckets := m.buckets
	newSize := len(oldBuckets) * 2
	m.buckets = make([]bucket[V], newSize)
	m.mask = uint32(newSize - 1)
	m.count = 0

	for i := range oldBuckets {
		if oldBuckets[i].used {
			m.Set(oldBuckets[i].key, oldBuckets[i].value)
		}
	}
}

// ForEach iterates over all key-value pairs until fn returns false.
// The map must not be modified during iteration.
func (m *FdMap[V]) ForEach(fn func(int, V) bool) {
	for i := range m.buckets {
		if m.buckets[i].used {
			if !fn(m.buckets[i].key, m.buckets[i].value) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (m *FdMap[V]) Len() int {
	return m.count
}
