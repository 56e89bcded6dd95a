package loadorder

import (
	"fmt"
	"strconv"

	"github.com/carbonblack/ntloadorder/registry"
)

const serviceBootStart = 0

// ControlSetName returns the key name of control set n, e.g. ControlSet001.
func ControlSetName(n uint8) string {
	return fmt.Sprintf("ControlSet%03d", n)
}

// LoadFromRegistry reads the boot services, the GroupOrderList tag sets and
// the ServiceGroupOrder from hive. The boot file system driver is always
// appended, whatever its Start value.
func LoadFromRegistry(hive registry.Hive, bootFileSystem string, controlSet uint8) (*RegistryInfo, error) {
	controlSetName := ControlSetName(controlSet)

	hardwareConfig, err := requiredValue(hive, "HardwareConfig", "LastId")
	if err != nil {
		return nil, err
	}
	lastID, err := hardwareConfig.Dword()
	if err != nil {
		return nil, fmt.Errorf("Error reading HardwareConfig\\LastId: %w", err)
	}
	hardwareConfigID := strconv.FormatUint(uint64(lastID), 10)

	orderValue, err := requiredValue(hive, controlSetName+"\\Control\\ServiceGroupOrder", "List")
	if err != nil {
		return nil, err
	}
	serviceGroupOrder, err := orderValue.MultiSz()
	if err != nil {
		return nil, fmt.Errorf("Error reading ServiceGroupOrder\\List: %w", err)
	}

	groupOrderList, err := hive.KeyNode(controlSetName + "\\Control\\GroupOrderList")
	if err != nil {
		return nil, fmt.Errorf("Error opening GroupOrderList: %w", err)
	}
	groupValues, err := groupOrderList.Values()
	if err != nil {
		return nil, fmt.Errorf("Error reading GroupOrderList: %w", err)
	}

	info := &RegistryInfo{
		Groups:            make(map[string]*TagSet, len(groupValues)),
		ServiceGroupOrder: serviceGroupOrder,
	}
	for _, group := range groupValues {
		info.Groups[NewGroup(group.Name()).SearchKey] = DecodeTagSet(group.Binary())
	}

	services, err := hive.KeyNode(controlSetName + "\\Services")
	if err != nil {
		return nil, fmt.Errorf("Error opening Services: %w", err)
	}
	serviceKeys, err := services.Subkeys()
	if err != nil {
		return nil, fmt.Errorf("Error enumerating Services: %w", err)
	}

	for _, service := range serviceKeys {
		start, reason, ok := serviceStart(service, hardwareConfigID)
		if ok && start == serviceBootStart {
			info.Entries = append(info.Entries, serviceEntry(service, reason))
		}
	}

	bootFs, err := services.Subkey(bootFileSystem)
	if err != nil {
		return nil, fmt.Errorf("Error opening boot file system service %s: %w", bootFileSystem, err)
	}
	info.Entries = append(info.Entries, serviceEntry(bootFs, ReasonBootFileSystem))

	return info, nil
}

func requiredValue(hive registry.Hive, path, name string) (registry.Value, error) {
	key, err := hive.KeyNode(path)
	if err != nil {
		return nil, fmt.Errorf("Error opening %s: %w", path, err)
	}
	value, err := key.Value(name)
	if err != nil {
		return nil, fmt.Errorf("Error reading %s\\%s: %w", path, name, err)
	}
	return value, nil
}

// serviceStart returns the effective start type of service. A dword under
// StartOverride named after the current hardware config wins over Start.
func serviceStart(service registry.KeyNode, hardwareConfigID string) (uint32, string, bool) {
	var (
		start  uint32
		reason string
		found  bool
	)

	if value, err := service.Value("Start"); err == nil {
		if dword, err := value.Dword(); err == nil {
			start, reason, found = dword, ReasonStart, true
		}
	}

	if override, err := service.Subkey("StartOverride"); err == nil {
		if value, err := override.Value(hardwareConfigID); err == nil {
			if dword, err := value.Dword(); err == nil {
				start, reason, found = dword, ReasonStartOverride, true
			}
		}
	}

	return start, reason, found
}

func serviceEntry(service registry.KeyNode, reason string) Entry {
	entry := Entry{
		Name:      service.Name(),
		ImagePath: serviceImagePath(service),
		Reason:    reason,
	}

	if value, err := service.Value("Group"); err == nil {
		if name, err := value.Sz(); err == nil {
			entry.Group = NewGroup(name)
		}
	}

	if value, err := service.Value("Tag"); err == nil {
		if tag, err := value.Dword(); err == nil {
			entry.Tag = &tag
		}
	}

	return entry
}

// serviceImagePath falls back to System32\Drivers\<name>.sys for services
// without an ImagePath, like Fs_Rec and Wof.
func serviceImagePath(service registry.KeyNode) string {
	if value, err := service.Value("ImagePath"); err == nil {
		if path, err := value.Sz(); err == nil {
			return path
		}
	}
	return "System32\\Drivers\\" + service.Name() + ".sys"
}
