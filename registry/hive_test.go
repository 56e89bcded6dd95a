package registry_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/ntloadorder/internal/testutil"
	"github.com/carbonblack/ntloadorder/registry"
)

func buildSystemHive(listKind string) []byte {
	services := testutil.Key("Services", nil,
		testutil.Key("acpi", []testutil.HiveValue{
			testutil.Dword("Start", 0),
			testutil.Sz("Group", "Core"),
			testutil.Sz("ImagePath", "System32\\drivers\\ACPI.sys"),
		}),
		testutil.Key("Ntfs", []testutil.HiveValue{testutil.Dword("Start", 3)}),
		testutil.Key("pci", []testutil.HiveValue{testutil.Dword("Tag", 7)}),
		testutil.Key("Wdf01000", nil),
	)
	services.ListKind = listKind

	return testutil.BuildHive(testutil.Key("ROOT", nil,
		testutil.Key("HardwareConfig", []testutil.HiveValue{testutil.Dword("LastId", 2)}),
		testutil.Key("ControlSet001", nil,
			testutil.Key("Control", nil,
				testutil.Key("ServiceGroupOrder", []testutil.HiveValue{
					testutil.MultiSz("List", "System Reserved", "Boot Bus Extender", "Core"),
				}),
				testutil.Key("GroupOrderList", []testutil.HiveValue{
					testutil.GroupOrderList("Core", 3, 1, 2),
					testutil.Binary("Big", bytes.Repeat([]byte{0xab, 0xcd, 0xef}, 12000)),
				}),
			),
			services,
		),
	))
}

func subkeyNames(t *testing.T, key registry.KeyNode) []string {
	keys, err := key.Subkeys()
	require.NoError(t, err)
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.Name()
	}
	return names
}

func TestHiveFileListKinds(t *testing.T) {
	for _, kind := range []string{"lh", "lf", "li", "ri"} {
		t.Run(kind, func(t *testing.T) {
			hive, err := registry.ParseHive(buildSystemHive(kind), "SYSTEM")
			require.NoError(t, err)

			services, err := hive.KeyNode("ControlSet001\\services")
			require.NoError(t, err)
			assert.Equal(t, []string{"acpi", "Ntfs", "pci", "Wdf01000"}, subkeyNames(t, services))
		})
	}
}

func TestHiveFileValues(t *testing.T) {
	hive, err := registry.ParseHive(buildSystemHive(""), "SYSTEM")
	require.NoError(t, err)
	defer hive.Close()

	hw, err := hive.KeyNode("hardwareconfig")
	require.NoError(t, err)
	lastID, err := hw.Value("lastid")
	require.NoError(t, err)
	id, err := lastID.Dword()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)

	order, err := hive.KeyNode("ControlSet001/Control/ServiceGroupOrder")
	require.NoError(t, err)
	list, err := order.Value("List")
	require.NoError(t, err)
	groups, err := list.MultiSz()
	require.NoError(t, err)
	assert.Equal(t, []string{"System Reserved", "Boot Bus Extender", "Core"}, groups)

	acpi, err := hive.KeyNode("ControlSet001\\Services\\ACPI")
	require.NoError(t, err)
	assert.Equal(t, "acpi", acpi.Name())
	values, err := acpi.Values()
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, "Start", values[0].Name())
	assert.Equal(t, uint32(registry.REG_DWORD), values[0].Type())
	group, err := values[1].Sz()
	require.NoError(t, err)
	assert.Equal(t, "Core", group)

	_, err = values[1].Dword()
	assert.True(t, errors.Is(err, registry.ErrUnexpectedType))

	gol, err := hive.KeyNode("ControlSet001\\Control\\GroupOrderList")
	require.NoError(t, err)
	core, err := gol.Value("core")
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 0, 0, 0, 3, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0}, core.Binary())

	_, err = gol.Value("Big")
	assert.True(t, errors.Is(err, registry.ErrBigData))
	_, err = gol.Values()
	assert.True(t, errors.Is(err, registry.ErrBigData))
}

func TestHiveFileMissing(t *testing.T) {
	hive, err := registry.ParseHive(buildSystemHive(""), "SYSTEM")
	require.NoError(t, err)

	_, err = hive.KeyNode("ControlSet002\\Services")
	assert.True(t, errors.Is(err, registry.ErrKeyNotFound))

	acpi, err := hive.KeyNode("ControlSet001\\Services\\acpi")
	require.NoError(t, err)
	_, err = acpi.Value("Tag")
	assert.True(t, errors.Is(err, registry.ErrValueNotFound))

	pci, err := hive.KeyNode("ControlSet001\\Services\\pci")
	require.NoError(t, err)
	sub, err := pci.Subkeys()
	require.NoError(t, err)
	assert.Empty(t, sub)
}

func TestParseHiveRejectsGarbage(t *testing.T) {
	_, err := registry.ParseHive([]byte("regf"), "short")
	assert.True(t, errors.Is(err, registry.ErrNotRegistryHive))

	data := buildSystemHive("")
	copy(data, "fger")
	_, err = registry.ParseHive(data, "badsig")
	assert.True(t, errors.Is(err, registry.ErrNotRegistryHive))

	data = buildSystemHive("")
	// point the root cell past the end of the bins
	data[36], data[37], data[38] = 0xff, 0xff, 0x0f
	_, err = registry.ParseHive(data, "badroot")
	assert.True(t, errors.Is(err, registry.ErrCorruptHive))
}

func TestOpenTarget(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/system32/config", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/system32/config/SYSTEM", buildSystemHive(""), 0o644))

	hive, err := registry.OpenTarget(fs)
	require.NoError(t, err)
	_, err = hive.KeyNode("ControlSet001\\Services\\Ntfs")
	assert.NoError(t, err)

	_, err = registry.OpenTarget(afero.NewMemMapFs())
	assert.Error(t, err)
}
