package util_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/ntloadorder/util"
)

func makeFs(t *testing.T) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/System32/drivers", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/System32/drivers/ACPI.sys", []byte("acpi"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/System32/hal.dll", []byte("hal"), 0o644))
	return fs
}

func TestPathResolverIgnoresCase(t *testing.T) {
	r := util.NewPathResolver(makeFs(t))

	resolved, err := r.Resolve("system32\\DRIVERS\\acpi.SYS")
	require.NoError(t, err)
	assert.Equal(t, "/System32/drivers/ACPI.sys", resolved)

	data, err := r.ReadFile("SYSTEM32/Hal.dll")
	require.NoError(t, err)
	assert.Equal(t, "hal", string(data))

	assert.True(t, r.Exists("System32\\hal.dll"))
	assert.False(t, r.Exists("System32\\drivers"), "directories are not files")
	assert.False(t, r.Exists("System32\\missing.dll"))

	_, err = r.Resolve("System32\\missing.dll")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSearchFileOrder(t *testing.T) {
	fs := makeFs(t)
	require.NoError(t, afero.WriteFile(fs, "/System32/acpi.sys", []byte("shadow"), 0o644))
	r := util.NewPathResolver(fs)

	found, err := r.SearchFile([]string{"System32\\drivers", "System32"}, "acpi.sys")
	require.NoError(t, err)
	assert.Equal(t, "System32\\drivers\\acpi.sys", found)

	found, err = r.SearchFile([]string{"System32\\drivers", "System32"}, "hal.dll")
	require.NoError(t, err)
	assert.Equal(t, "System32\\hal.dll", found)

	_, err = r.SearchFile([]string{"System32\\drivers", "System32"}, "nope.dll")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestTrimSystemRoot(t *testing.T) {
	assert.Equal(t, "System32\\drivers\\x.sys", util.TrimSystemRoot("\\SystemRoot\\System32\\drivers\\x.sys"))
	assert.Equal(t, "system32\\drivers\\x.sys", util.TrimSystemRoot("%SystemRoot%\\system32\\drivers\\x.sys"))
	assert.Equal(t, "System32\\drivers\\x.sys", util.TrimSystemRoot("System32\\drivers\\x.sys"))
}

func TestUTF16RoundTrip(t *testing.T) {
	b := util.StringToUTF16("Boot Bus Extender")
	assert.Len(t, b, 34)
	assert.Equal(t, "Boot Bus Extender", util.UTF16ToString(b))

	withNul := append(util.StringToUTF16("ntfs"), 0, 0, 'x', 0)
	assert.Equal(t, "ntfs", util.UTF16ToStringNul(withNul))
}

func TestReadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`root: /mnt/windows
kd_driver: kdcom
cpu_vendor: GenuineIntel
control_set: 2
steps:
  add_imports: false
`), 0o644))

	conf, err := util.ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/windows", conf.Root)
	assert.Equal(t, "kdcom", conf.KdDriver)
	assert.Equal(t, "GenuineIntel", conf.CpuVendor)
	assert.Equal(t, uint8(2), conf.ControlSet)
	assert.False(t, util.BoolOr(conf.Steps.AddImports, true))
	assert.True(t, util.BoolOr(conf.Steps.SortByTagAndGroup, true))
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rooot: /mnt\n"), 0o644))

	_, err := util.ReadConfig(path)
	assert.Error(t, err)
}
