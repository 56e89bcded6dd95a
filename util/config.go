package util

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// StepsConfig toggles the individual load order passes. A nil field keeps
// the default.
type StepsConfig struct {
	SortByTagAndGroup           *bool `yaml:"sort_by_tag_and_group"`
	SortByHardcodedGroups       *bool `yaml:"sort_by_hardcoded_groups"`
	SortByHardcodedServiceLists *bool `yaml:"sort_by_hardcoded_service_lists"`
	AddKernelBinaries           *bool `yaml:"add_kernel_binaries"`
	AddImports                  *bool `yaml:"add_imports"`
}

// Config holds every setting that can be passed via the `-c` flag.
type Config struct {
	Root            string      `yaml:"root"`
	KdDriver        string      `yaml:"kd_driver"`
	CpuVendor       string      `yaml:"cpu_vendor"`
	ControlSet      uint8       `yaml:"control_set"`
	BootFileSystem  string      `yaml:"boot_file_system"`
	RegistryFixture string      `yaml:"registry_fixture"`
	Steps           StepsConfig `yaml:"steps"`
}

// ReadConfig parses the yaml configuration file at path.
func ReadConfig(path string) (conf Config, err error) {
	var buf []byte
	if buf, err = os.ReadFile(path); err != nil {
		return conf, fmt.Errorf("Error reading config file %s: %w", path, err)
	}
	if err = yaml.UnmarshalStrict(buf, &conf); err != nil {
		return conf, fmt.Errorf("Error parsing config file %s: %w", path, err)
	}
	return conf, nil
}

// BoolOr returns *b, or def when b is nil.
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
