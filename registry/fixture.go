package registry

import (
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

type fixtureFile struct {
	Registry yaml.MapSlice `yaml:"registry"`
}

// LoadFixture builds a mock hive from a yaml document. Mappings are keys and
// scalars are values, in the textual form ParseValue accepts. Integers are
// stored as REG_DWORD and sequences as REG_MULTI_SZ. Document order becomes
// enumeration order:
//
//	registry:
//	  HardwareConfig:
//	    LastId: 0
//	  ControlSet001:
//	    Services:
//	      acpi:
//	        Start: 0
//	        Group: Core
//	        ImagePath: System32\drivers\ACPI.sys
func LoadFixture(data []byte) (*Registry, error) {
	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("Error parsing registry fixture: %w", err)
	}

	mock := &Registry{root: &Reg{}}
	if err := mock.loadFixtureKey("", file.Registry); err != nil {
		return nil, err
	}
	return mock, nil
}

// LoadFixtureFile reads a fixture from fs.
func LoadFixtureFile(fs afero.Fs, path string) (*Registry, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("Error reading registry fixture %s: %w", path, err)
	}
	return LoadFixture(data)
}

func (r *Registry) loadFixtureKey(path string, items yaml.MapSlice) error {
	if _, err := r.InsertKey(path); err != nil {
		return err
	}

	for _, item := range items {
		name := fmt.Sprint(item.Key)
		child := joinPath(path, name)

		var err error
		switch v := item.Value.(type) {
		case yaml.MapSlice:
			err = r.loadFixtureKey(child, v)
		case nil:
			_, err = r.InsertKey(child)
		case string:
			err = r.Insert(child, v)
		case int:
			err = r.Insert(child, fmt.Sprintf("dword:%x", uint32(v)))
		case bool:
			return fmt.Errorf("Error loading registry fixture: value %s is a boolean, quote it", child)
		case []interface{}:
			strs := make([]string, len(v))
			for i, s := range v {
				strs[i] = fmt.Sprint(s)
			}
			err = r.insertRaw(child, &rawValue{typ: REG_MULTI_SZ, data: encodeMultiSz(strs)})
		default:
			return fmt.Errorf("Error loading registry fixture: unsupported value %s of type %T", child, v)
		}
		if err != nil {
			return fmt.Errorf("Error loading registry fixture: %w", err)
		}
	}
	return nil
}

// insertRaw stores an already decoded value, taking its name from path.
func (r *Registry) insertRaw(path string, v *rawValue) error {
	key, name, err := r.splitValuePath(path)
	if err != nil {
		return err
	}
	v.name = name
	key.setValue(v)
	return nil
}
