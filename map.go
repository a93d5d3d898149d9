// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package quadmap is a Go implementation of an insertion-ordered hash table
// that uses open addressing with quadratic probing and tombstone deletion.
// If you're not familiar with open-addressing see
// https://en.wikipedia.org/wiki/Open_addressing.
//
// Unlike Go's builtin map type, a quadmap.Map remembers the order in which
// keys were first inserted: All iterates and String formats the live
// entries in that order, and the order survives deletion of other keys,
// reinsertion of deleted keys, and growth of the table.
//
// # Probing
//
// The home slot for a key is hash(key) % capacity. Collisions advance the
// candidate slot by successive squares of a probe counter:
//
//	slot(i) = (hash(key) + i*i) % capacity   for i = 0, 1, 2, ...
//
// The sequence is a pure function of hash(key) and the capacity. Because
// (i+capacity)^2 = i^2 (mod capacity), the offsets repeat with period
// capacity, so probing i in [0, capacity) enumerates every slot the
// sequence can ever reach and all probe loops terminate there.
//
// Capacities are of the form 10*2^k rather than powers of two or primes,
// and quadratic probing at such capacities is not guaranteed to visit
// every slot: a capacity-10 table whose keys all share a home slot can
// reach only the six quadratic residues mod 10. The growth policy keeps
// tables under 8/10 occupancy precisely so that realistic hash functions
// always reach an absent slot, and Put panics if a probe sequence is ever
// exhausted rather than looping forever or silently misplacing an entry.
//
// # Deletion
//
// Delete is logical. The slot is marked as a tombstone and keeps its key
// and value; probe chains running through it stay intact, so keys placed
// past a collision remain reachable after the colliding key is deleted.
// Tombstones still count against the growth threshold and are physically
// dropped, with any out-of-line allocation released, only when the table
// grows.
//
// # Growth
//
// A table doubles its capacity when the next first insertion would bring
// the inserted-key count (live entries plus tombstones) to 8/10 of
// capacity. Growth rebuilds the table without tombstones, so it doubles
// as compaction. The rebuild is a blocking O(n) replay of the insertion
// order performed inside Put: amortized O(1) per insertion, but
// individual calls can pay a latency spike proportional to the map size.
//
// # Storage
//
// Entries narrower than two machine words are stored inline, by value, in
// one contiguous slot array: probing touches adjacent memory and no
// per-entry allocation is made. Wider entries are stored out of line, one
// owned allocation per entry behind an array of handles, so growth copies
// pointers instead of wide entries. The choice is made once, at
// construction, from unsafe.Sizeof of the slot. The Allocator option
// exposes every allocation and release the map performs.
package quadmap

import (
	"fmt"
	"strings"
	"unsafe"
)

const (
	debug = false

	// defaultCapacity is used by New when the caller does not request a
	// positive capacity.
	defaultCapacity = 10

	// The table grows when the next first insertion would bring the
	// inserted-key count to loadFactorNum/loadFactorDen of capacity. The
	// count includes tombstones: they occupy slots and lengthen probe
	// sequences, so they must push the table toward the growth that
	// drops them, even while Len stays small.
	loadFactorNum = 8
	loadFactorDen = 10
)

// slotState tracks the lifecycle of a slot. A slot starts out empty,
// becomes full when a key is first inserted into it, and becomes a
// tombstone when that key is deleted. A tombstone keeps its key and turns
// back into a full slot if the key is reinserted; it is physically
// cleared only when the table grows.
type slotState uint8

const (
	slotEmpty slotState = iota
	slotFull
	slotDeleted
)

// Slot holds a key, a value, and the state of the slot holding them. Its
// size relative to two machine words decides whether a Map[K,V] stores
// slots inline or out of line.
type Slot[K comparable, V any] struct {
	key   K
	value V
	state slotState
}

// Map is a map from keys to values with Put, Get, Contains, Delete, and
// All operations, the last of which iterates in first-insertion order.
// Keys are hashed with the same hash function as Go's builtin map[K]V.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K. The hash function is
	// extracted from the Go runtime's implementation of map[K]struct{}.
	hash hashFn
	seed uintptr
	// The allocator to use for the backing arrays and, in out-of-line
	// mode, the individual entries.
	allocator Allocator[K, V]
	// The slot backing, inline or out of line, chosen at construction
	// from the slot size.
	store store[K, V]
	// ledger records each key exactly once, at first insertion.
	// Overwrites and tombstone revivals do not append, so len(ledger)
	// is the inserted-key count live+tombstones, which is what the
	// growth threshold watches.
	ledger []K
	// The total number of slots. Always positive.
	capacity int
	// The number of slots holding a live entry, i.e. Len().
	live int
	// The number of slots holding a deletion tombstone.
	tombstones int
}

// New constructs a new Map with the specified initial capacity. If
// initialCapacity is not positive, the default capacity of 10 is used.
// The zero value for a Map is not usable.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:      getRuntimeHasher[K](),
		seed:      uintptr(fastrand64()),
		allocator: defaultAllocator[K, V]{},
	}

	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity <= 0 {
		initialCapacity = defaultCapacity
	}
	m.capacity = initialCapacity
	m.store = newStore[K, V](m.capacity, m.allocator)

	m.checkInvariants()
	return m
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default
// allocator. It is invalid to use a Map after it has been closed, though
// Close itself is idempotent.
//
// Before releasing anything, Close verifies that every key in the
// insertion record is still locatable, tombstones included. A miss means
// the table lost track of an entry it may still own memory for, and
// Close panics rather than release around the corruption.
func (m *Map[K, V]) Close() {
	if m.store == nil {
		return
	}
	for _, key := range m.ledger {
		if _, found := m.find(key, true); !found {
			panic(fmt.Sprintf("invariant failed: inserted key %v unlocatable at close\n%s",
				key, m.debugString()))
		}
	}
	m.store.free()
	m.store = nil
	m.ledger = nil
	m.capacity = 0
	m.live = 0
	m.tombstones = 0
	m.allocator = nil
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists, live or tombstoned. Reinserting
// a deleted key revives its slot in place: the key keeps its original
// position in the insertion order and the inserted-key count is
// unchanged.
func (m *Map[K, V]) Put(key K, value V) {
	// The growth check runs before we know whether key is a first
	// insertion, so an overwrite at the threshold grows the table too.
	if len(m.ledger)+1 >= m.capacity*loadFactorNum/loadFactorDen {
		m.grow()
	}

	i, found := m.find(key, true)
	if debug {
		fmt.Printf("put(%v): index=%d found=%t\n", key, i, found)
	}

	switch {
	case found:
		s := m.store.at(i)
		if s.state == slotDeleted {
			m.tombstones--
			m.live++
		}
		s.value = value
		s.state = slotFull
	case i >= 0:
		m.store.set(i, key, value)
		m.ledger = append(m.ledger, key)
		m.live++
	default:
		// The growth threshold is supposed to keep an absent slot
		// reachable on every probe sequence. Exhausting the probes
		// means the capacity/probing contract is broken; aborting
		// beats an unbounded loop.
		panic(fmt.Sprintf("invariant failed: no absent slot reachable for key %v\n%s",
			key, m.debugString()))
	}
	m.checkInvariants()
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present. A stored zero value is
// distinguishable from an absent key.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	i, found := m.find(key, false)
	if !found {
		return value, false
	}
	return m.store.at(i).value, true
}

// Contains reports whether the map holds a live entry for key.
func (m *Map[K, V]) Contains(key K) bool {
	_, found := m.find(key, false)
	return found
}

// Delete deletes the entry corresponding to the specified key from the
// map, reporting whether a live entry existed. The slot becomes a
// tombstone in place: it keeps its key and value, its out-of-line
// allocation is not yet released, and it continues to occupy a slot until
// the table next grows. It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key K) bool {
	i, found := m.find(key, false)
	if !found {
		return false
	}
	s := m.store.at(i)
	s.state = slotDeleted
	m.live--
	m.tombstones++
	if debug {
		fmt.Printf("delete(%v): index=%d live=%d tombstones=%d\n",
			key, i, m.live, m.tombstones)
	}
	m.checkInvariants()
	return true
}

// Clear removes all entries from the map, releasing any out-of-line
// allocations but retaining the current capacity.
func (m *Map[K, V]) Clear() {
	for i := 0; i < m.capacity; i++ {
		if m.store.present(i) {
			m.store.release(i)
		}
	}
	m.ledger = m.ledger[:0]
	m.live = 0
	m.tombstones = 0
	m.checkInvariants()
}

// All calls yield sequentially for each live entry in the map, in
// first-insertion order. If yield returns false, iteration stops. The map
// can be mutated during iteration: All walks the insertion order as of
// the time it was called, skipping keys deleted along the way, though
// there is no guarantee that other mutations will be visible to the
// iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	ledger := m.ledger
	for _, key := range ledger {
		i, found := m.find(key, false)
		if !found {
			continue
		}
		s := m.store.at(i)
		if !yield(s.key, s.value) {
			return
		}
	}
}

// Len returns the number of live entries in the map. Tombstones are not
// counted.
func (m *Map[K, V]) Len() int {
	return m.live
}

// String renders the live entries in first-insertion order:
//
//	{ 'a': 1, 'b': 2 }
//
// Keys and values of type string are single-quoted; all other types are
// formatted as by %v. An empty map renders as {}.
func (m *Map[K, V]) String() string {
	var buf strings.Builder
	buf.WriteString("{")
	n := 0
	for _, key := range m.ledger {
		i, found := m.find(key, false)
		if !found {
			// Deleted; the insertion record remembers the key but the
			// table no longer shows it.
			continue
		}
		if n > 0 {
			buf.WriteString(",")
		}
		buf.WriteString(" ")
		s := m.store.at(i)
		appendDisplay(&buf, s.key)
		buf.WriteString(": ")
		appendDisplay(&buf, s.value)
		n++
	}
	if n > 0 {
		buf.WriteString(" ")
	}
	buf.WriteString("}")
	return buf.String()
}

// appendDisplay appends v in display form: values of type string are
// single-quoted, everything else formats as %v.
func appendDisplay(buf *strings.Builder, v any) {
	if s, ok := v.(string); ok {
		buf.WriteByte('\'')
		buf.WriteString(s)
		buf.WriteByte('\'')
		return
	}
	fmt.Fprintf(buf, "%v", v)
}

// find locates the slot holding key, probing from the key's home slot.
// With includeDeleted false only full slots match; with includeDeleted
// true tombstones match as well, which is how Put revives them and how
// grow and Close account for every inserted key. A tombstone whose key
// matches but is excluded does not terminate the probe: keys are unique,
// so the probe then runs on without another match.
//
// When key is absent, find returns the index of the first non-present
// slot on the probe sequence, the slot an insertion of key must use, and
// found=false. If the bounded probe sequence is exhausted without
// reaching a non-present slot, find returns (-1, false).
func (m *Map[K, V]) find(key K, includeDeleted bool) (int, bool) {
	h := m.hash(noescape(unsafe.Pointer(&key)), m.seed)
	for seq := makeProbeSeq(h, m.capacity); !seq.done(); seq = seq.next() {
		i := int(seq.offset)
		if debug {
			fmt.Printf("find(%v): %s\n", key, seq)
		}
		if !m.store.present(i) {
			return i, false
		}
		s := m.store.at(i)
		if s.key == key && (s.state == slotFull || includeDeleted) {
			return i, true
		}
	}
	return -1, false
}

// grow doubles the capacity of the table, dropping tombstones in the
// process. The insertion record is replayed in order into a fresh table:
// each key is located with tombstones included, a miss being a fatal
// accounting violation, and the live entries are re-Put, which rebuilds
// the new table's insertion record and counters from scratch. The old
// store is released wholesale only after the replay: releasing slots
// mid-replay would turn them into false probe terminators for keys not
// yet located.
func (m *Map[K, V]) grow() {
	n := &Map[K, V]{
		hash:      m.hash,
		seed:      m.seed,
		allocator: m.allocator,
		capacity:  2 * m.capacity,
	}
	n.store = newStore[K, V](n.capacity, n.allocator)
	if debug {
		fmt.Printf("grow: capacity=%d->%d inserted=%d live=%d\n",
			m.capacity, n.capacity, len(m.ledger), m.live)
	}

	for _, key := range m.ledger {
		i, found := m.find(key, true)
		if !found {
			panic(fmt.Sprintf("invariant failed: inserted key %v unlocatable during grow\n%s",
				key, m.debugString()))
		}
		if s := m.store.at(i); s.state == slotFull {
			n.Put(key, s.value)
		}
	}

	// Freeing the old store releases every slot it still holds,
	// tombstones included; skipping tombstones here would leak their
	// out-of-line entries.
	m.store.free()
	m.store = n.store
	m.ledger = n.ledger
	m.capacity = n.capacity
	m.live = n.live
	m.tombstones = n.tombstones
	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if m.capacity <= 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not positive", m.capacity))
		}

		// Count the live and tombstoned slots, verifying that every
		// live entry can be found at its own index.
		var live, tombstones int
		for i := 0; i < m.capacity; i++ {
			if !m.store.present(i) {
				continue
			}
			switch s := m.store.at(i); s.state {
			case slotFull:
				live++
				if j, found := m.find(s.key, false); !found || j != i {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v found at (%d,%t)\n%s",
						i, s.key, j, found, m.debugString()))
				}
			case slotDeleted:
				tombstones++
			default:
				panic(fmt.Sprintf("invariant failed: present slot %d is in state %d\n%s",
					i, s.state, m.debugString()))
			}
		}
		if live != m.live || tombstones != m.tombstones {
			panic(fmt.Sprintf("invariant failed: counted %d live and %d tombstones, but recorded %d and %d\n%s",
				live, tombstones, m.live, m.tombstones, m.debugString()))
		}

		// The insertion record holds every inserted key exactly once,
		// and each is still locatable with tombstones included.
		if len(m.ledger) != m.live+m.tombstones {
			panic(fmt.Sprintf("invariant failed: %d recorded keys for %d inserted slots\n%s",
				len(m.ledger), m.live+m.tombstones, m.debugString()))
		}
		if len(m.ledger) > m.capacity {
			panic(fmt.Sprintf("invariant failed: %d inserted keys exceed capacity %d\n%s",
				len(m.ledger), m.capacity, m.debugString()))
		}
		seen := make(map[K]struct{}, len(m.ledger))
		for _, key := range m.ledger {
			if _, dup := seen[key]; dup {
				panic(fmt.Sprintf("invariant failed: inserted key %v recorded twice\n%s",
					key, m.debugString()))
			}
			seen[key] = struct{}{}
			if _, found := m.find(key, true); !found {
				panic(fmt.Sprintf("invariant failed: inserted key %v unlocatable\n%s",
					key, m.debugString()))
			}
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  live=%d  tombstones=%d  inserted=%d\n",
		m.capacity, m.live, m.tombstones, len(m.ledger))
	for i := 0; i < m.capacity; i++ {
		if !m.store.present(i) {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		s := m.store.at(i)
		h := m.hash(noescape(unsafe.Pointer(&s.key)), m.seed)
		home := int(h % uintptr(m.capacity))
		switch s.state {
		case slotDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted %v [home=%d]\n", i, s.key, home)
		default:
			fmt.Fprintf(&buf, "  %4d: %v=%v [home=%d]\n", i, s.key, s.value, home)
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a quadratic probe sequence
//
//	offset(i) = (hash + i*i) % capacity   for i = 0, 1, 2, ...
//
// that starts at the key's home slot hash % capacity. Because
// (i+capacity)^2 = i^2 (mod capacity), the offsets repeat with period
// capacity, so the first capacity steps enumerate every offset the
// sequence can ever reach; done reports when they are exhausted. The
// sequence is not guaranteed to reach every slot of the table (see the
// package comment), which is why exhaustion must be detectable at all.
type probeSeq struct {
	hash     uintptr
	capacity uintptr
	index    uintptr
	offset   uintptr
}

func makeProbeSeq(hash uintptr, capacity int) probeSeq {
	return probeSeq{
		hash:     hash,
		capacity: uintptr(capacity),
		index:    0,
		offset:   hash % uintptr(capacity),
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset = (s.hash + s.index*s.index) % s.capacity
	return s
}

func (s probeSeq) done() bool {
	return s.index >= s.capacity
}

func (s probeSeq) String() string {
	return fmt.Sprintf("hash=%d capacity=%d index=%d offset=%d",
		s.hash, s.capacity, s.index, s.offset)
}
