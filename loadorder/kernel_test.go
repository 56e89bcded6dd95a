package loadorder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carbonblack/ntloadorder/core"
)

func TestAddKernelBinaries(t *testing.T) {
	list := core.FromSlice([]Entry{
		{Name: "acpi", ImagePath: "System32\\drivers\\acpi.sys", Reason: ReasonStart},
	})

	last := AddBasicKernelBinaries(list)
	assert.Equal(t, "hal", list.Get(last).Name)
	last = AddKernelBinary(list, last, "kdcom", "System32\\kdcom.dll")
	AddKernelBinary(list, last, "mcupdate", "System32\\mcupdate_AuthenticAMD.dll")

	entries := list.Values()
	var paths []string
	for _, entry := range entries {
		paths = append(paths, entry.ImagePath)
	}
	assert.Equal(t, []string{
		"System32\\ntoskrnl.exe",
		"System32\\hal.dll",
		"System32\\kdcom.dll",
		"System32\\mcupdate_AuthenticAMD.dll",
		"System32\\drivers\\acpi.sys",
	}, paths)

	for _, entry := range entries[:4] {
		assert.True(t, entry.IsKernelBinary, entry.Name)
		assert.Equal(t, ReasonKernelBinary, entry.Reason)
		assert.Nil(t, entry.Group)
		assert.Nil(t, entry.Tag)
	}
	assert.False(t, entries[4].IsKernelBinary)
}

func TestAddBasicKernelBinariesEmptyList(t *testing.T) {
	list := core.New[Entry]()
	AddBasicKernelBinaries(list)
	assert.Equal(t, []string{"ntoskrnl", "hal"}, entryNames(list))
}
