package pefile_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/carbonblack/ntloadorder/internal/testutil"
	"github.com/carbonblack/ntloadorder/pefile"
)

func TestLoadPe32p(t *testing.T) {
	data := testutil.BuildPe(testutil.PeImage{
		Imports: []string{"ntoskrnl.exe", "HAL.dll", "api-ms-win-core-synch-l1-2-0.dll"},
	})

	pe, err := pefile.LoadPeBytes(data, "driver.sys")
	if err != nil {
		t.Fatalf("Error loading driver.sys: %v", err)
	}

	if pe.PeType != pefile.Pe32p {
		t.Errorf("%s should be PE32+, got %d", pe.Path, pe.PeType)
	}

	dlls := pe.ImportedDlls()
	expected := []string{"ntoskrnl.exe", "HAL.dll", "api-ms-win-core-synch-l1-2-0.dll"}
	if len(dlls) != len(expected) {
		t.Fatalf("Wrong number of imported dlls for %s, %d == %d", pe.Path, len(expected), len(dlls))
	}
	for i := range expected {
		if dlls[i] != expected[i] {
			t.Errorf("import %d of %s should be %s, got %s", i, pe.Path, expected[i], dlls[i])
		}
	}

	if len(pe.Imports) != 3 {
		t.Errorf("%s total number of imported functions should be 3 == %d", pe.Path, len(pe.Imports))
	}
	if pe.Imports[1].FuncName != "FunctionB" || pe.Imports[1].DllName != "HAL.dll" {
		t.Errorf("unexpected second import %+v", *pe.Imports[1])
	}
	if pe.ImportsErr != nil {
		t.Errorf("unexpected import error: %v", pe.ImportsErr)
	}
}

func TestLoadPe32(t *testing.T) {
	data := testutil.BuildPe(testutil.PeImage{Pe32: true, Imports: []string{"ntdll.dll", "kernel32.dll"}})

	pe, err := pefile.LoadPeBytes(data, "app.exe")
	if err != nil {
		t.Fatalf("Error loading app.exe: %v", err)
	}
	if pe.PeType != pefile.Pe32 {
		t.Errorf("%s should be PE32, got %d", pe.Path, pe.PeType)
	}
	if got := pe.ImportedDlls(); len(got) != 2 || got[0] != "ntdll.dll" || got[1] != "kernel32.dll" {
		t.Errorf("unexpected imports %v", got)
	}
}

func TestNoImportDirectory(t *testing.T) {
	pe, err := pefile.LoadPeBytes(testutil.BuildPe(testutil.PeImage{}), "noimports.sys")
	if err != nil {
		t.Fatalf("Error loading noimports.sys: %v", err)
	}
	if len(pe.ImportedDlls()) != 0 || pe.ImportsErr != nil {
		t.Errorf("expected no imports, got %v (%v)", pe.ImportedDlls(), pe.ImportsErr)
	}
}

func TestBrokenImportDirectoryIsNotFatal(t *testing.T) {
	pe, err := pefile.LoadPeBytes(testutil.BuildPe(testutil.PeImage{BadImportDirectory: true}), "broken.sys")
	if err != nil {
		t.Fatalf("headers are intact, loading must succeed: %v", err)
	}
	if pe.ImportsErr == nil {
		t.Errorf("expected an import error")
	}
	if !errors.Is(pe.ImportsErr, pefile.ErrRvaOutOfSection) {
		t.Errorf("import error should wrap ErrRvaOutOfSection: %v", pe.ImportsErr)
	}
	if len(pe.ImportedDlls()) != 0 {
		t.Errorf("broken import directory must yield no imports")
	}
}

func TestBrokenThunkKeepsDllNames(t *testing.T) {
	data := testutil.BuildPe(testutil.PeImage{Imports: []string{"ntoskrnl.exe", "HAL.dll", "ci.dll"}, BadThunk: true})
	pe, err := pefile.LoadPeBytes(data, "badthunk.sys")
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(pe.ImportsErr, pefile.ErrRvaOutOfSection) {
		t.Errorf("import error should wrap ErrRvaOutOfSection: %v", pe.ImportsErr)
	}
	if got := pe.ImportedDlls(); len(got) != 3 || got[0] != "ntoskrnl.exe" || got[1] != "HAL.dll" || got[2] != "ci.dll" {
		t.Errorf("dll names must survive a broken thunk, got %v", got)
	}
	if len(pe.Imports) != 0 {
		t.Errorf("function list of a broken thunk table should be dropped, got %d", len(pe.Imports))
	}
}

func TestRepeatedDescriptorsReportedOnce(t *testing.T) {
	data := testutil.BuildPe(testutil.PeImage{Imports: []string{"hal.dll", "ci.dll", "hal.dll"}})
	pe, err := pefile.LoadPeBytes(data, "dup.sys")
	if err != nil {
		t.Fatal(err)
	}
	if got := pe.ImportedDlls(); len(got) != 2 {
		t.Errorf("expected 2 distinct imports, got %v", got)
	}
	if len(pe.Imports) != 3 {
		t.Errorf("every thunk should be kept, got %d", len(pe.Imports))
	}
}

func TestRejectsNonPe(t *testing.T) {
	cases := map[string][]byte{
		"empty":     {},
		"text":      []byte("this is not an executable at all, just some text padding it out to size......"),
		"truncated": testutil.BuildPe(testutil.PeImage{})[:0x50],
	}
	for name, data := range cases {
		if _, err := pefile.LoadPeBytes(data, name); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}

	bad := testutil.BuildPe(testutil.PeImage{})
	bad[0x40] = 'X'
	if _, err := pefile.LoadPeBytes(bad, "badsig"); !errors.Is(err, pefile.ErrNotPe) {
		t.Errorf("bad signature should wrap ErrNotPe, got %v", err)
	}
}

func TestLoadPeFsAndFile(t *testing.T) {
	data := testutil.BuildPe(testutil.PeImage{Imports: []string{"ci.dll"}})

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/drivers/x.sys", data, 0o644); err != nil {
		t.Fatal(err)
	}
	pe, err := pefile.LoadPeFs(fs, "/drivers/x.sys")
	if err != nil {
		t.Fatalf("Error loading from fs: %v", err)
	}
	if got := pe.ImportedDlls(); len(got) != 1 || got[0] != "ci.dll" {
		t.Errorf("unexpected imports %v", got)
	}

	if _, err := pefile.LoadPeFs(fs, "/drivers/missing.sys"); err == nil {
		t.Errorf("expected an error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "x.sys")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := pefile.LoadPeFile(path); err != nil {
		t.Errorf("Error loading %s: %v", path, err)
	}
}
