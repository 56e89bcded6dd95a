package registry_test

import (
	"errors"
	"testing"

	"github.com/carbonblack/ntloadorder/registry"
)

func makeRegistry() *registry.Registry {
	temp := make(map[string]string)
	temp["HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Control\\Arbiters\\InaccessibleRange\\Psi"] = "PhysicalAddress"
	temp["HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Control\\Arbiters\\InaccessibleRange\\Root"] = "PhysicalAddress2"
	temp["HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Control\\Arbiters\\InaccessibleRange2"] = "PhysicalAddress3"
	temp["ControlSet001\\Services\\Disk\\"] = ""

	mock, _ := registry.NewRegistry(temp)
	return mock
}

func TestRegistry(t *testing.T) {
	mock := makeRegistry()

	if _, err := mock.Get("ControlSet001\\Services\\disk"); err != nil {
		t.Errorf("%s", err)
	}

	if err := mock.Update("ControlSet001\\Control\\Arbiters\\InaccessibleRange2", "test"); err != nil {
		t.Errorf("%s", err)
	}

	key, err := mock.KeyNode("ControlSet001\\Control\\Arbiters")
	if err != nil {
		t.Fatalf("%s", err)
	}
	v, err := key.Value("inaccessiblerange2")
	if err != nil {
		t.Fatalf("%s", err)
	}
	if s, _ := v.Sz(); s != "test" {
		t.Errorf("update failed, got %q", s)
	}

	if err := mock.Update("ControlSet001\\Control\\Arbiters\\Missing", "test"); !errors.Is(err, registry.ErrValueNotFound) {
		t.Errorf("updating a missing value should fail, got %v", err)
	}

	if _, err := mock.KeyNode("ControlSet002"); !errors.Is(err, registry.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestRegistryKeepsInsertionOrder(t *testing.T) {
	mock, _ := registry.NewRegistry(nil)
	for _, name := range []string{"zeta", "Alpha", "mid"} {
		if err := mock.Insert("Services\\"+name+"\\Start", "dword:0"); err != nil {
			t.Fatal(err)
		}
	}

	services, err := mock.KeyNode("Services")
	if err != nil {
		t.Fatal(err)
	}
	keys, _ := services.Subkeys()
	if len(keys) != 3 || keys[0].Name() != "zeta" || keys[1].Name() != "Alpha" || keys[2].Name() != "mid" {
		t.Errorf("unexpected order %v", keys)
	}

	if err := mock.Delete("Services\\Alpha"); err != nil {
		t.Fatal(err)
	}
	keys, _ = services.Subkeys()
	if len(keys) != 2 {
		t.Errorf("delete failed, %d keys left", len(keys))
	}
}

func TestReg(t *testing.T) {
	reg, err := registry.ParseValue("", "AAAA")
	if err != nil {
		t.Fatal(err)
	}

	h := reg.Binary()
	if reg.Type() != registry.REG_SZ || len(h) != 10 || h[0] != 0x41 || h[1] != 0x00 || h[8] != 0x00 || h[9] != 0x00 {
		t.Errorf("error converting string to bytes, got %v", h)
	}
}

func TestRegHex(t *testing.T) {
	reg, _ := registry.ParseValue("", "hex:41,41,41,41")

	hexStuff := reg.Binary()
	if reg.Type() != registry.REG_BINARY || len(hexStuff) != 4 {
		t.Fatalf("error converting string to bytes, got type %d len %d", reg.Type(), len(hexStuff))
	}
	for _, n := range hexStuff {
		if n != 0x41 {
			t.Errorf("error converting string to bytes")
		}
	}

	reg, _ = registry.ParseValue("List", "hex(7):61,00,00,00,62,00,00,00,00,00")
	strs, err := reg.MultiSz()
	if err != nil || len(strs) != 2 || strs[0] != "a" || strs[1] != "b" {
		t.Errorf("error decoding hex(7), got %v %v", strs, err)
	}

	if _, err := registry.ParseValue("", "hex:zz"); err == nil {
		t.Errorf("invalid hex should fail")
	}
}

func TestRegDword(t *testing.T) {
	reg, _ := registry.ParseValue("Start", "dword:0000000a")

	d, err := reg.Dword()
	if err != nil || d != 10 {
		t.Errorf("error converting dword, got %d %v", d, err)
	}

	if _, err := reg.Sz(); !errors.Is(err, registry.ErrUnexpectedType) {
		t.Errorf("reading a dword as string should fail, got %v", err)
	}

	reg, _ = registry.ParseValue("Big", "qword:100000000")
	q, err := reg.Qword()
	if err != nil || q != 0x100000000 {
		t.Errorf("error converting qword, got %d %v", q, err)
	}
}

func TestRegMultiSz(t *testing.T) {
	reg, _ := registry.ParseValue("List", "multi_sz:System Reserved|Boot Bus Extender")
	strs, err := reg.MultiSz()
	if err != nil || len(strs) != 2 || strs[1] != "Boot Bus Extender" {
		t.Errorf("error converting multi_sz, got %v %v", strs, err)
	}

	reg, _ = registry.ParseValue("List", "multi_sz:")
	strs, _ = reg.MultiSz()
	if len(strs) != 0 {
		t.Errorf("empty multi_sz should be empty, got %v", strs)
	}

	reg, _ = registry.ParseValue("ImagePath", "expand_sz:%SystemRoot%\\x.sys")
	if s, err := reg.Sz(); err != nil || s != "%SystemRoot%\\x.sys" || reg.Type() != registry.REG_EXPAND_SZ {
		t.Errorf("error converting expand_sz, got %q %v", s, err)
	}
}
