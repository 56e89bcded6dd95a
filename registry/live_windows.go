//go:build windows

package registry

import (
	"errors"
	"fmt"
	"syscall"

	winreg "golang.org/x/sys/windows/registry"
)

const liveRoot = "SYSTEM"

// liveHive reads HKEY_LOCAL_MACHINE\SYSTEM of the running system. Keys are
// opened for the duration of a single call.
type liveHive struct{}

// OpenLive opens the SYSTEM hive of the running Windows system.
func OpenLive() (Hive, error) {
	k, err := winreg.OpenKey(winreg.LOCAL_MACHINE, liveRoot, winreg.READ)
	if err != nil {
		return nil, fmt.Errorf("Error opening HKLM\\%s: %w", liveRoot, err)
	}
	k.Close()
	return &liveHive{}, nil
}

func (h *liveHive) Close() error {
	return nil
}

func (h *liveHive) KeyNode(path string) (KeyNode, error) {
	root := &liveKey{}
	return walk(root, path)
}

type liveKey struct {
	name string
	path string
}

func (k *liveKey) open() (winreg.Key, error) {
	full := liveRoot
	if k.path != "" {
		full += "\\" + k.path
	}
	key, err := winreg.OpenKey(winreg.LOCAL_MACHINE, full, winreg.READ)
	if errors.Is(err, winreg.ErrNotExist) {
		return 0, fmt.Errorf("HKLM\\%s: %w", full, ErrKeyNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("Error opening HKLM\\%s: %w", full, err)
	}
	return key, nil
}

func (k *liveKey) Name() string {
	return k.name
}

func (k *liveKey) Subkey(name string) (KeyNode, error) {
	sub := &liveKey{name: name, path: joinPath(k.path, name)}
	key, err := sub.open()
	if err != nil {
		return nil, err
	}
	key.Close()
	return sub, nil
}

func (k *liveKey) Subkeys() ([]KeyNode, error) {
	key, err := k.open()
	if err != nil {
		return nil, err
	}
	defer key.Close()

	names, err := key.ReadSubKeyNames(-1)
	if err != nil {
		return nil, fmt.Errorf("Error listing subkeys of %s: %w", k.path, err)
	}
	keys := make([]KeyNode, len(names))
	for i, name := range names {
		keys[i] = &liveKey{name: name, path: joinPath(k.path, name)}
	}
	return keys, nil
}

func readLiveValue(key winreg.Key, name string) (*rawValue, error) {
	n, _, err := key.GetValue(name, nil)
	if err != nil {
		return nil, err
	}
	for {
		buf := make([]byte, n)
		var typ uint32
		n, typ, err = key.GetValue(name, buf)
		if errors.Is(err, syscall.ERROR_MORE_DATA) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &rawValue{name: name, typ: typ, data: buf[:n]}, nil
	}
}

func (k *liveKey) Value(name string) (Value, error) {
	key, err := k.open()
	if err != nil {
		return nil, err
	}
	defer key.Close()

	v, err := readLiveValue(key, name)
	if errors.Is(err, winreg.ErrNotExist) {
		return nil, valueNotFound(k.path, name)
	}
	if err != nil {
		return nil, fmt.Errorf("Error reading value %q of %s: %w", name, k.path, err)
	}
	return v, nil
}

func (k *liveKey) Values() ([]Value, error) {
	key, err := k.open()
	if err != nil {
		return nil, err
	}
	defer key.Close()

	names, err := key.ReadValueNames(-1)
	if err != nil {
		return nil, fmt.Errorf("Error listing values of %s: %w", k.path, err)
	}
	values := make([]Value, 0, len(names))
	for _, name := range names {
		v, err := readLiveValue(key, name)
		if err != nil {
			return nil, fmt.Errorf("Error reading value %q of %s: %w", name, k.path, err)
		}
		values = append(values, v)
	}
	return values, nil
}
