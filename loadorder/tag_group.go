package loadorder

import (
	"cmp"
	"strings"

	"github.com/carbonblack/ntloadorder/core"
)

// tagIndexNotInSet sorts tags missing from their group's GroupOrderList
// second to last.
const tagIndexNotInSet = 0xfffffffe

// SortByTagAndGroup builds the load order list from the registry services,
// sorted by tag and then by group. Entries are taken in reverse registry
// order, which is the tie-break order of both sorts.
func SortByTagAndGroup(info *RegistryInfo) *core.List[Entry] {
	list := core.New[Entry]()
	for i := len(info.Entries) - 1; i >= 0; i-- {
		list.PushBack(info.Entries[i])
	}

	sortListByTag(list, info.Groups)
	sortListByGroup(list, info.ServiceGroupOrder)
	return list
}

// sortListByTag is an insertion sort over the linked list: an entry ordered
// before its predecessor moves before the first entry that does not sort
// before it.
func sortListByTag(list *core.List[Entry], groups map[string]*TagSet) {
	start, _ := list.Front()
	end, _ := list.Back()
	if start == end {
		return
	}

	for current := start; current != end; {
		next, _ := list.Next(current)
		nextEntry := list.Get(next)

		if compareTags(list.Get(current), nextEntry, groups) > 0 {
			target, _ := list.Front()
			for target != current && compareTags(nextEntry, list.Get(target), groups) > 0 {
				target, _ = list.Next(target)
			}
			list.MoveBefore(next, target)
		}

		current = next
	}
}

// sortListByGroup moves the members of each group to the front, in
// ServiceGroupOrder. Services of unlisted groups stay behind.
func sortListByGroup(list *core.List[Entry], serviceGroupOrder []string) {
	var firstMoved core.Index

	for i := len(serviceGroupOrder) - 1; i >= 0; i-- {
		groupName := serviceGroupOrder[i]
		moveMatchingToFront(list, &firstMoved, func(entry *Entry) bool {
			return entry.Group != nil && strings.EqualFold(entry.Group.SearchKey, groupName)
		})
	}
}

// compareTags orders tagged entries before untagged ones and, among tagged
// ones, grouped before ungrouped. Two tagged and grouped entries compare by
// their tag's position in their group.
func compareTags(a, b *Entry, groups map[string]*TagSet) int {
	switch {
	case a.Tag == nil && b.Tag == nil:
		return 0
	case a.Tag == nil:
		return 1
	case b.Tag == nil:
		return -1
	}

	switch {
	case a.Group == nil && b.Group == nil:
		return 0
	case a.Group == nil:
		return 1
	case b.Group == nil:
		return -1
	}

	return cmp.Compare(tagIndex(*a.Tag, a.Group.SearchKey, groups), tagIndex(*b.Tag, b.Group.SearchKey, groups))
}

// tagIndex returns the sort position of tag within group. Groups without a
// GroupOrderList entry, like "Core", use the tag itself.
func tagIndex(tag uint32, group string, groups map[string]*TagSet) uint64 {
	set, ok := groups[group]
	if !ok {
		return uint64(tag)
	}
	if i, ok := set.IndexOf(tag); ok {
		return uint64(i) + 1
	}
	return tagIndexNotInSet
}
