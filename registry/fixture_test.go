package registry_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/ntloadorder/registry"
)

const fixture = `
registry:
  HardwareConfig:
    LastId: 1
  ControlSet001:
    Control:
      ServiceGroupOrder:
        List: [System Reserved, Boot Bus Extender]
      GroupOrderList:
        Boot Bus Extender: hex:02,00,00,00,02,00,00,00,01,00,00,00
    Services:
      pci:
        Start: 0
        Group: Boot Bus Extender
        Tag: 1
      acpi:
        StartOverride:
          1: dword:00000000
      empty:
`

func TestLoadFixture(t *testing.T) {
	mock, err := registry.LoadFixture([]byte(fixture))
	require.NoError(t, err)

	services, err := mock.KeyNode("ControlSet001\\Services")
	require.NoError(t, err)
	assert.Equal(t, []string{"pci", "acpi", "empty"}, subkeyNames(t, services))

	pci, err := services.Subkey("PCI")
	require.NoError(t, err)
	start, err := pci.Value("Start")
	require.NoError(t, err)
	d, err := start.Dword()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), d)

	group, err := pci.Value("Group")
	require.NoError(t, err)
	s, err := group.Sz()
	require.NoError(t, err)
	assert.Equal(t, "Boot Bus Extender", s)

	override, err := mock.KeyNode("ControlSet001\\Services\\acpi\\StartOverride")
	require.NoError(t, err)
	v, err := override.Value("1")
	require.NoError(t, err)
	assert.Equal(t, uint32(registry.REG_DWORD), v.Type())

	order, err := mock.KeyNode("ControlSet001\\Control\\ServiceGroupOrder")
	require.NoError(t, err)
	list, err := order.Value("List")
	require.NoError(t, err)
	groups, err := list.MultiSz()
	require.NoError(t, err)
	assert.Equal(t, []string{"System Reserved", "Boot Bus Extender"}, groups)

	gol, err := mock.KeyNode("ControlSet001\\Control\\GroupOrderList")
	require.NoError(t, err)
	tags, err := gol.Value("boot bus extender")
	require.NoError(t, err)
	assert.Len(t, tags.Binary(), 12)
}

func TestLoadFixtureErrors(t *testing.T) {
	_, err := registry.LoadFixture([]byte("registry: [unclosed"))
	assert.Error(t, err)

	_, err = registry.LoadFixture([]byte("registry:\n  Key:\n    Flag: true\n"))
	assert.Error(t, err)

	_, err = registry.LoadFixtureFile(afero.NewMemMapFs(), "/missing.yaml")
	assert.Error(t, err)
}

func TestLoadFixtureFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/fixture.yaml", []byte(fixture), 0o644))

	mock, err := registry.LoadFixtureFile(fs, "/fixture.yaml")
	require.NoError(t, err)
	_, err = mock.KeyNode("HardwareConfig")
	assert.NoError(t, err)
}
