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

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and new() and
// allows the GC to reclaim memory.
//
// Inline maps allocate only a slot array. Out-of-line maps allocate a handle
// array plus one entry per first insertion, and free entries when the table
// grows, is cleared, or is closed; a deletion alone frees nothing, as the
// tombstoned entry stays in its slot until growth drops it.
//
// If the allocator is manually managing memory, Map.Close must be called in
// order to ensure every Alloc call has been matched by a Free.
type Allocator[K comparable, V any] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n).
	// Used by inline maps for the slot array.
	AllocSlots(n int) []Slot[K, V]

	// AllocHandles should return a slice equivalent to make([]*Slot[K,V], n).
	// Used by out-of-line maps for the handle array.
	AllocHandles(n int) []*Slot[K, V]

	// AllocEntry should return a pointer equivalent to new(Slot[K,V]). Used
	// by out-of-line maps for each inserted entry.
	AllocEntry() *Slot[K, V]

	// FreeSlots can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocSlots.
	FreeSlots(v []Slot[K, V])

	// FreeHandles can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocHandles.
	FreeHandles(v []*Slot[K, V])

	// FreeEntry can optionally release the memory associated with the
	// supplied entry that is guaranteed to have been allocated by
	// AllocEntry.
	FreeEntry(v *Slot[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocSlots(n int) []Slot[K, V] {
	return make([]Slot[K, V], n)
}

func (defaultAllocator[K, V]) AllocHandles(n int) []*Slot[K, V] {
	return make([]*Slot[K, V], n)
}

func (defaultAllocator[K, V]) AllocEntry() *Slot[K, V] {
	return new(Slot[K, V])
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}

func (defaultAllocator[K, V]) FreeHandles(v []*Slot[K, V]) {
}

func (defaultAllocator[K, V]) FreeEntry(v *Slot[K, V]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}
