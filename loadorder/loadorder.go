package loadorder

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/carbonblack/ntloadorder/core"
	"github.com/carbonblack/ntloadorder/registry"
)

// Options select the system to analyze and the steps to run.
type Options struct {
	// SystemRoot is the Windows directory of an offline system, e.g. a
	// mounted image's "Windows" folder. Empty analyzes the running system.
	SystemRoot string
	// KdDriver is the base name of the kernel debugger transport, e.g.
	// "kdcom". Empty adds none.
	KdDriver string
	// CpuVendor selects mcupdate_<CpuVendor>.dll, e.g. "GenuineIntel".
	// Empty adds none.
	CpuVendor      string
	ControlSet     uint8
	BootFileSystem string

	SortByTagAndGroup           bool
	SortByHardcodedGroups       bool
	SortByHardcodedServiceLists bool
	AddKernelBinaries           bool
	AddImports                  bool

	// Hive replaces the SYSTEM hive of the system root. It is not closed.
	Hive registry.Hive
	// Fs replaces the filesystem rooted at the system root.
	Fs  afero.Fs
	Log logr.Logger
}

// InitOptions will build a default option struct to pass into Get
func InitOptions() *Options {
	return &Options{
		ControlSet:                  1,
		BootFileSystem:              "ntfs",
		SortByTagAndGroup:           true,
		SortByHardcodedGroups:       true,
		SortByHardcodedServiceLists: true,
		AddKernelBinaries:           true,
		AddImports:                  true,
		Log:                         logr.Discard(),
	}
}

var ErrNoSystemRoot = errors.New("SystemRoot environment variable not set")

// Get computes the load order. Any failure to read the registry or the
// images aborts it and no partial result is returned.
func Get(opts *Options) ([]Entry, error) {
	if opts == nil {
		opts = InitOptions()
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	hive := opts.Hive
	if hive == nil {
		var err error
		if hive, err = openHive(opts); err != nil {
			return nil, err
		}
		defer hive.Close()
	}

	info, err := LoadFromRegistry(hive, opts.BootFileSystem, opts.ControlSet)
	if err != nil {
		return nil, err
	}
	log.V(1).Info("loaded registry", "services", len(info.Entries), "groups", len(info.ServiceGroupOrder), "controlSet", ControlSetName(opts.ControlSet))

	var list *core.List[Entry]
	if opts.SortByTagAndGroup {
		list = SortByTagAndGroup(info)
	} else {
		list = core.FromSlice(info.Entries)
	}

	if opts.SortByHardcodedGroups {
		SortByHardcodedGroups(list)
	}

	if opts.SortByHardcodedServiceLists {
		SortByHardcodedServiceLists(list)
	}

	if opts.AddKernelBinaries {
		last := AddBasicKernelBinaries(list)
		if opts.KdDriver != "" {
			last = AddKernelBinary(list, last, opts.KdDriver, "System32\\"+opts.KdDriver+".dll")
		}
		if opts.CpuVendor != "" {
			AddKernelBinary(list, last, "mcupdate", "System32\\mcupdate_"+opts.CpuVendor+".dll")
		}
	}

	if opts.AddImports {
		fs, err := SystemRootFs(opts)
		if err != nil {
			return nil, err
		}
		before := list.Len()
		if list, err = AddImports(list, NewImageReader(fs), log); err != nil {
			return nil, err
		}
		log.V(1).Info("added imports", "imports", list.Len()-before)
	}

	entries := list.Values()
	log.Info("computed load order", "entries", len(entries), "systemRoot", opts.SystemRoot)
	return entries, nil
}

func openHive(opts *Options) (registry.Hive, error) {
	if opts.SystemRoot == "" {
		hive, err := registry.OpenLive()
		if err != nil {
			return nil, fmt.Errorf("Error opening live registry: %w", err)
		}
		return hive, nil
	}

	fs, err := SystemRootFs(opts)
	if err != nil {
		return nil, err
	}
	hive, err := registry.OpenTarget(fs)
	if err != nil {
		return nil, fmt.Errorf("Error opening registry of %s: %w", opts.SystemRoot, err)
	}
	return hive, nil
}

// SystemRootFs returns opts.Fs, or the host filesystem below the system root.
// The running system's root comes from the SystemRoot environment variable.
func SystemRootFs(opts *Options) (afero.Fs, error) {
	if opts.Fs != nil {
		return opts.Fs, nil
	}

	root := opts.SystemRoot
	if root == "" {
		if root = os.Getenv("SystemRoot"); root == "" {
			return nil, ErrNoSystemRoot
		}
	}
	return afero.NewBasePathFs(afero.NewOsFs(), root), nil
}
