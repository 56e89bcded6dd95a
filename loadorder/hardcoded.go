package loadorder

import (
	"strings"

	"github.com/carbonblack/ntloadorder/core"
)

// HardcodedGroups precede every other group, whatever ServiceGroupOrder says.
var HardcodedGroups = []string{
	"Early-Launch",
	"Core Platform Extensions",
	"Core Security Extensions",
}

// ServiceList is a named list of image paths the bootloader loads first.
type ServiceList struct {
	Name       string
	ImagePaths []string
}

// HardcodedServiceLists precede the group and tag order.
var HardcodedServiceLists = []ServiceList{
	{
		Name: "Core Driver Services",
		ImagePaths: []string{
			"system32\\drivers\\verifierext.sys",
			"system32\\drivers\\wdf01000.sys",
			"system32\\drivers\\acpiex.sys",
			"system32\\drivers\\cng.sys",
			"system32\\drivers\\mssecflt.sys",
			"system32\\drivers\\sgrmagent.sys",
			"system32\\drivers\\lxss.sys",
			"system32\\drivers\\palcore.sys",
		},
	},
	{
		Name: "TPM Core Driver Services",
		ImagePaths: []string{
			"system32\\drivers\\acpisim.sys",
			"system32\\drivers\\acpi.sys",
		},
	},
}

// SortByHardcodedGroups moves the members of HardcodedGroups to the front,
// in that order, and notes the move in their reason.
func SortByHardcodedGroups(list *core.List[Entry]) {
	var firstMoved core.Index

	for i := len(HardcodedGroups) - 1; i >= 0; i-- {
		groupName := HardcodedGroups[i]
		searchKey := strings.ToLower(groupName)

		moveMatchingToFront(list, &firstMoved, func(entry *Entry) bool {
			if entry.Group == nil || entry.Group.SearchKey != searchKey {
				return false
			}
			entry.Reason += ", loaded earlier due to hardcoded \"" + groupName + "\" group"
			return true
		})
	}
}

// SortByHardcodedServiceLists moves the services of HardcodedServiceLists to
// the front, in list order, and notes the move in their reason.
func SortByHardcodedServiceLists(list *core.List[Entry]) {
	var firstMoved core.Index

	for i := len(HardcodedServiceLists) - 1; i >= 0; i-- {
		serviceList := HardcodedServiceLists[i]

		for j := len(serviceList.ImagePaths) - 1; j >= 0; j-- {
			imagePath := serviceList.ImagePaths[j]

			moveMatchingToFront(list, &firstMoved, func(entry *Entry) bool {
				if !strings.EqualFold(entry.ImagePath, imagePath) {
					return false
				}
				entry.Reason += ", loaded earlier due to hardcoded \"" + serviceList.Name + "\" list"
				return true
			})
		}
	}
}
