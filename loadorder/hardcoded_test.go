package loadorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/ntloadorder/core"
)

func TestSortByHardcodedGroups(t *testing.T) {
	list := core.FromSlice([]Entry{
		{Name: "a", Group: NewGroup("Core"), Reason: ReasonStart},
		{Name: "b", Group: NewGroup("Core Security Extensions"), Reason: ReasonStart},
		{Name: "c", Group: NewGroup("early-launch"), Reason: ReasonStart},
		{Name: "d", Group: NewGroup("Core Platform Extensions"), Reason: ReasonStartOverride},
		{Name: "e", Group: NewGroup("Core Security Extensions"), Reason: ReasonStart},
		{Name: "f", Reason: ReasonStart},
	})

	SortByHardcodedGroups(list)

	entries := list.Values()
	require.Len(t, entries, 6)
	assert.Equal(t, []string{"c", "d", "b", "e", "a", "f"}, entryNames(list))
	assert.Equal(t, ReasonStart+`, loaded earlier due to hardcoded "Early-Launch" group`, entries[0].Reason)
	assert.Equal(t, ReasonStartOverride+`, loaded earlier due to hardcoded "Core Platform Extensions" group`, entries[1].Reason)
	assert.Equal(t, ReasonStart+`, loaded earlier due to hardcoded "Core Security Extensions" group`, entries[3].Reason)
	assert.Equal(t, ReasonStart, entries[4].Reason)
	assert.Equal(t, ReasonStart, entries[5].Reason)
}

func TestSortByHardcodedServiceLists(t *testing.T) {
	list := core.FromSlice([]Entry{
		{Name: "foo", ImagePath: "System32\\drivers\\foo.sys", Reason: ReasonStart},
		{Name: "acpi", ImagePath: "System32\\drivers\\ACPI.sys", Reason: ReasonStart},
		{Name: "cng", ImagePath: "system32\\drivers\\cng.sys", Reason: ReasonStart},
		{Name: "Wdf01000", ImagePath: "System32\\Drivers\\Wdf01000.sys", Reason: ReasonStart},
		{Name: "acpiex", ImagePath: "System32\\Drivers\\acpiex.sys", Reason: ReasonStart},
		{Name: "prefixed", ImagePath: "\\SystemRoot\\System32\\drivers\\lxss.sys", Reason: ReasonStart},
	})

	SortByHardcodedServiceLists(list)

	entries := list.Values()
	assert.Equal(t, []string{"Wdf01000", "acpiex", "cng", "acpi", "foo", "prefixed"}, entryNames(list))
	assert.Equal(t, ReasonStart+`, loaded earlier due to hardcoded "Core Driver Services" list`, entries[0].Reason)
	assert.Equal(t, ReasonStart+`, loaded earlier due to hardcoded "TPM Core Driver Services" list`, entries[3].Reason)
	assert.Equal(t, ReasonStart, entries[4].Reason)
	// only exact paths match
	assert.Equal(t, ReasonStart, entries[5].Reason)
}

func TestHardcodedPassesAppendReasons(t *testing.T) {
	list := core.FromSlice([]Entry{
		{Name: "other", ImagePath: "System32\\drivers\\other.sys", Reason: ReasonStart},
		{Name: "cng", ImagePath: "System32\\drivers\\cng.sys", Group: NewGroup("Core Security Extensions"), Reason: ReasonStart},
	})

	SortByHardcodedGroups(list)
	SortByHardcodedServiceLists(list)

	front, _ := list.Front()
	assert.Equal(t, ReasonStart+
		`, loaded earlier due to hardcoded "Core Security Extensions" group`+
		`, loaded earlier due to hardcoded "Core Driver Services" list`, list.Get(front).Reason)
}
