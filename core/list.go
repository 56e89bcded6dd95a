// Package core holds the data structures shared by the load order passes.
package core

import (
	"fmt"
	"iter"
)

// Index is a stable handle to an element of a List. It stays valid while the
// element is moved around and becomes stale once the element is removed. The
// zero Index never refers to an element.
type Index struct {
	slot int
	gen  uint32
}

// IsZero reports whether idx is the zero handle.
func (idx Index) IsZero() bool {
	return idx.gen == 0
}

func (idx Index) String() string {
	if idx.IsZero() {
		return "Index(none)"
	}
	return fmt.Sprintf("Index(%d@%d)", idx.slot, idx.gen)
}

const nilSlot = -1

type listSlot[T any] struct {
	value T
	prev  int
	next  int
	gen   uint32
	live  bool
}

// List is an ordered sequence backed by an arena of slots. Elements are linked
// by slot number, so moving an element is O(1) and never invalidates the
// handles of other elements. Freed slots are reused by later insertions.
type List[T any] struct {
	slots []listSlot[T]
	free  []int
	head  int
	tail  int
	size  int
}

// New returns an empty list.
func New[T any]() *List[T] {
	return &List[T]{head: nilSlot, tail: nilSlot}
}

// FromSlice returns a list holding values in slice order.
func FromSlice[T any](values []T) *List[T] {
	l := New[T]()
	for _, v := range values {
		l.PushBack(v)
	}
	return l
}

// Len returns the number of live elements.
func (l *List[T]) Len() int {
	return l.size
}

func (l *List[T]) alloc(value T) int {
	if n := len(l.free); n > 0 {
		slot := l.free[n-1]
		l.free = l.free[:n-1]
		s := &l.slots[slot]
		s.value = value
		s.prev, s.next = nilSlot, nilSlot
		s.gen++
		s.live = true
		return slot
	}

	l.slots = append(l.slots, listSlot[T]{value: value, prev: nilSlot, next: nilSlot, gen: 1, live: true})
	return len(l.slots) - 1
}

func (l *List[T]) handle(slot int) Index {
	return Index{slot: slot, gen: l.slots[slot].gen}
}

// check panics on handles that do not refer to a live element of l.
func (l *List[T]) check(idx Index) int {
	if idx.IsZero() || idx.slot < 0 || idx.slot >= len(l.slots) {
		panic(fmt.Sprintf("core: invalid list handle %v", idx))
	}
	s := &l.slots[idx.slot]
	if !s.live || s.gen != idx.gen {
		panic(fmt.Sprintf("core: stale list handle %v", idx))
	}
	return idx.slot
}

func (l *List[T]) unlink(slot int) {
	s := &l.slots[slot]
	if s.prev != nilSlot {
		l.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nilSlot {
		l.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = nilSlot, nilSlot
}

// linkBefore links slot in front of target, or at the back when target is nilSlot.
func (l *List[T]) linkBefore(slot, target int) {
	s := &l.slots[slot]
	if target == nilSlot {
		s.prev = l.tail
		s.next = nilSlot
		if l.tail != nilSlot {
			l.slots[l.tail].next = slot
		} else {
			l.head = slot
		}
		l.tail = slot
		return
	}

	t := &l.slots[target]
	s.next = target
	s.prev = t.prev
	if t.prev != nilSlot {
		l.slots[t.prev].next = slot
	} else {
		l.head = slot
	}
	t.prev = slot
}

// PushFront inserts value at the front and returns its handle.
func (l *List[T]) PushFront(value T) Index {
	slot := l.alloc(value)
	l.linkBefore(slot, l.head)
	l.size++
	return l.handle(slot)
}

// PushBack inserts value at the back and returns its handle.
func (l *List[T]) PushBack(value T) Index {
	slot := l.alloc(value)
	l.linkBefore(slot, nilSlot)
	l.size++
	return l.handle(slot)
}

// InsertAfter inserts value directly after the element at and returns its handle.
func (l *List[T]) InsertAfter(at Index, value T) Index {
	target := l.check(at)
	slot := l.alloc(value)
	l.linkBefore(slot, l.slots[target].next)
	l.size++
	return l.handle(slot)
}

// MoveBefore relocates the element idx directly before target. Both handles
// must be live and distinct.
func (l *List[T]) MoveBefore(idx, target Index) {
	slot := l.check(idx)
	t := l.check(target)
	if slot == t {
		panic(fmt.Sprintf("core: cannot move %v before itself", idx))
	}
	l.unlink(slot)
	l.linkBefore(slot, t)
}

// Remove unlinks the element idx, frees its slot and returns its value.
func (l *List[T]) Remove(idx Index) T {
	slot := l.check(idx)
	l.unlink(slot)

	s := &l.slots[slot]
	value := s.value
	var zero T
	s.value = zero
	s.live = false
	l.free = append(l.free, slot)
	l.size--
	return value
}

// PopFront removes and returns the front element.
func (l *List[T]) PopFront() (T, bool) {
	front, ok := l.Front()
	if !ok {
		var zero T
		return zero, false
	}
	return l.Remove(front), true
}

// Front returns the handle of the first element.
func (l *List[T]) Front() (Index, bool) {
	if l.head == nilSlot {
		return Index{}, false
	}
	return l.handle(l.head), true
}

// Back returns the handle of the last element.
func (l *List[T]) Back() (Index, bool) {
	if l.tail == nilSlot {
		return Index{}, false
	}
	return l.handle(l.tail), true
}

// Next returns the handle following idx.
func (l *List[T]) Next(idx Index) (Index, bool) {
	next := l.slots[l.check(idx)].next
	if next == nilSlot {
		return Index{}, false
	}
	return l.handle(next), true
}

// Previous returns the handle preceding idx.
func (l *List[T]) Previous(idx Index) (Index, bool) {
	prev := l.slots[l.check(idx)].prev
	if prev == nilSlot {
		return Index{}, false
	}
	return l.handle(prev), true
}

// Get returns a pointer to the value stored at idx. The pointer is valid until
// the next insertion into l.
func (l *List[T]) Get(idx Index) *T {
	return &l.slots[l.check(idx)].value
}

// All iterates over handles and values from front to back.
func (l *List[T]) All() iter.Seq2[Index, *T] {
	return func(yield func(Index, *T) bool) {
		for slot := l.head; slot != nilSlot; {
			next := l.slots[slot].next
			if !yield(l.handle(slot), &l.slots[slot].value) {
				return
			}
			slot = next
		}
	}
}

// Values returns a copy of the elements in list order.
func (l *List[T]) Values() []T {
	values := make([]T, 0, l.size)
	for _, v := range l.All() {
		values = append(values, *v)
	}
	return values
}

// Drain yields the elements from front to back, removing each one before it
// is yielded. Stopping early leaves the remaining elements in place.
func (l *List[T]) Drain() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok := l.PopFront()
			if !ok || !yield(v) {
				return
			}
		}
	}
}
