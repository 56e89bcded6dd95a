package loadorder

import (
	"github.com/carbonblack/ntloadorder/core"
)

// moveMatchingToFront walks list from back to front and moves every entry
// match accepts to the front, keeping matches in their relative order. The
// walk stops at *firstMoved, the boundary between the entries an earlier call
// already moved and the rest. *firstMoved is set to the first entry moved
// when it is still zero, so callers handling several keys iterate them in
// reverse and share one boundary. match may modify the entry.
func moveMatchingToFront(list *core.List[Entry], firstMoved *core.Index, match func(*Entry) bool) {
	current, ok := list.Back()
	if !ok {
		return
	}

	for {
		previous, hasPrevious := list.Previous(current)

		if match(list.Get(current)) {
			if front, _ := list.Front(); front != current {
				list.MoveBefore(current, front)
			}
			if firstMoved.IsZero() {
				*firstMoved = current
			}
		}

		// stop before re-sorting what is already sorted, or this never ends
		if !hasPrevious || previous == *firstMoved {
			return
		}
		current = previous
	}
}
