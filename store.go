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

package quadmap

import "unsafe"

// maxInlineSlotSize is the slot size threshold for inline storage. Slots
// strictly smaller than two machine words are stored by value in a single
// contiguous array; anything wider goes out of line behind per-entry
// allocations.
const maxInlineSlotSize = 2 * unsafe.Sizeof(uintptr(0))

// store is the slot backing of a Map: a fixed run of capacity slots
// addressed by probe index. The two implementations differ only in where
// slot memory lives; the probing, state, and ordering logic above them is
// identical.
type store[K comparable, V any] interface {
	// at returns the slot at index i. It must only be called when
	// present(i) is true.
	at(i int) *Slot[K, V]
	// present reports whether index i holds a slot in use, full or
	// tombstoned. A non-present slot terminates probe sequences.
	present(i int) bool
	// set fills the non-present slot at index i with a full entry,
	// allocating the entry first in out-of-line mode.
	set(i int, key K, value V)
	// release returns the slot at index i to the not-present state,
	// freeing its entry in out-of-line mode. It must only be called
	// when present(i) is true.
	release(i int)
	// free releases every slot still in use and then the backing array
	// itself. The store is unusable afterwards.
	free()
}

// newStore picks the backing for a Map[K,V] from the slot size: inline
// storage for slots under two machine words, out-of-line storage
// otherwise. The choice is per instantiation and fixed for the life of
// the map; growth allocates a larger store of the same kind.
func newStore[K comparable, V any](capacity int, a Allocator[K, V]) store[K, V] {
	if unsafe.Sizeof(Slot[K, V]{}) < maxInlineSlotSize {
		return &inlineStore[K, V]{
			slots:     a.AllocSlots(capacity),
			allocator: a,
		}
	}
	return &indirectStore[K, V]{
		handles:   a.AllocHandles(capacity),
		allocator: a,
	}
}

// inlineStore holds slots by value in one contiguous array. Presence is
// the slot's own state byte; releasing a slot zeroes it in place. Nothing
// is allocated per entry, so free only has the array to return.
type inlineStore[K comparable, V any] struct {
	slots     []Slot[K, V]
	allocator Allocator[K, V]
}

func (st *inlineStore[K, V]) at(i int) *Slot[K, V] {
	return &st.slots[i]
}

func (st *inlineStore[K, V]) present(i int) bool {
	return st.slots[i].state != slotEmpty
}

func (st *inlineStore[K, V]) set(i int, key K, value V) {
	st.slots[i] = Slot[K, V]{key: key, value: value, state: slotFull}
}

func (st *inlineStore[K, V]) release(i int) {
	st.slots[i] = Slot[K, V]{}
}

func (st *inlineStore[K, V]) free() {
	st.allocator.FreeSlots(st.slots)
	st.slots = nil
}

// indirectStore holds an array of handles, one per probe index, each
// pointing at an individually-allocated entry. Presence is a non-nil
// handle. The store owns its entries: release frees the entry as well as
// nilling the handle, and free releases every remaining entry, tombstoned
// ones included, before returning the handle array.
type indirectStore[K comparable, V any] struct {
	handles   []*Slot[K, V]
	allocator Allocator[K, V]
}

func (st *indirectStore[K, V]) at(i int) *Slot[K, V] {
	return st.handles[i]
}

func (st *indirectStore[K, V]) present(i int) bool {
	return st.handles[i] != nil
}

func (st *indirectStore[K, V]) set(i int, key K, value V) {
	s := st.allocator.AllocEntry()
	s.key = key
	s.value = value
	s.state = slotFull
	st.handles[i] = s
}

func (st *indirectStore[K, V]) release(i int) {
	if s := st.handles[i]; s != nil {
		st.handles[i] = nil
		st.allocator.FreeEntry(s)
	}
}

func (st *indirectStore[K, V]) free() {
	for i := range st.handles {
		st.release(i)
	}
	st.allocator.FreeHandles(st.handles)
	st.handles = nil
}
