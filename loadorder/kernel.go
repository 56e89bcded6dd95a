package loadorder

import (
	"github.com/carbonblack/ntloadorder/core"
)

// AddBasicKernelBinaries puts ntoskrnl and hal in front of list and returns
// the handle of hal, after which further kernel binaries are chained.
func AddBasicKernelBinaries(list *core.List[Entry]) core.Index {
	ntoskrnl := list.PushFront(kernelBinary("ntoskrnl", "System32\\ntoskrnl.exe"))
	return AddKernelBinary(list, ntoskrnl, "hal", "System32\\hal.dll")
}

// AddKernelBinary inserts a kernel binary after the entry at handle after and
// returns its handle.
func AddKernelBinary(list *core.List[Entry], after core.Index, name, imagePath string) core.Index {
	return list.InsertAfter(after, kernelBinary(name, imagePath))
}

func kernelBinary(name, imagePath string) Entry {
	return Entry{
		Name:           name,
		ImagePath:      imagePath,
		Reason:         ReasonKernelBinary,
		IsKernelBinary: true,
	}
}
