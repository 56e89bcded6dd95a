// Package cmd implements the ntloadorder command line.
package cmd

import (
	"fmt"
	"log"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/carbonblack/ntloadorder/loadorder"
	"github.com/carbonblack/ntloadorder/registry"
	"github.com/carbonblack/ntloadorder/util"
)

var version = "dev"

// rootFlags holds every flag of the root command and its subcommands.
type rootFlags struct {
	configPath      string
	root            string
	kdDriver        string
	cpuVendor       string
	controlSet      uint8
	bootFileSystem  string
	registryFixture string

	noSortTagGroup    bool
	noHardcodedGroups bool
	noHardcodedLists  bool
	noKernelBinaries  bool
	noImports         bool
	outputJSON        bool
	verbose           int
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	f := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "ntloadorder",
		Short: "Reconstruct the boot driver load order of a Windows system",
		Long: `Reconstruct the order in which the Windows bootloader loads boot drivers
and their DLL dependencies, either for the running system or for an offline
Windows directory.`,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd)
			if err != nil {
				return err
			}

			entries, err := loadorder.Get(opts)
			if err != nil {
				return err
			}
			return writeEntries(cmd.OutOrStdout(), entries, f.outputJSON)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "path to configuration file")
	pf.StringVarP(&f.root, "root", "r", "", "Windows directory of an offline system, defaults to the running system")
	pf.CountVarP(&f.verbose, "verbose", "v", "verbose output, repeat for more")
	pf.BoolVarP(&f.outputJSON, "json", "j", false, "output data as json")

	pf.StringVar(&f.kdDriver, "kd-driver", "", "kernel debugger transport to load, e.g. kdcom")
	pf.StringVar(&f.cpuVendor, "cpu-vendor", "", "cpu vendor selecting the microcode update, defaults to the host's on the running system")
	pf.Uint8Var(&f.controlSet, "control-set", 1, "control set to read services from")
	pf.StringVar(&f.bootFileSystem, "boot-fs", "ntfs", "service name of the boot file system driver")
	pf.StringVar(&f.registryFixture, "registry-fixture", "", "read the SYSTEM hive from a yaml fixture instead")
	pf.BoolVar(&f.noSortTagGroup, "no-sort-tag-group", false, "keep registry order instead of sorting by tag and group")
	pf.BoolVar(&f.noHardcodedGroups, "no-hardcoded-groups", false, "do not load hardcoded groups first")
	pf.BoolVar(&f.noHardcodedLists, "no-hardcoded-lists", false, "do not load hardcoded service lists first")
	pf.BoolVar(&f.noKernelBinaries, "no-kernel-binaries", false, "do not add the kernel binaries")
	pf.BoolVar(&f.noImports, "no-imports", false, "do not add imported modules")

	rootCmd.AddCommand(newApiSetCmd(f), newImportsCmd(f), newInteractiveCmd(f))
	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

func (f *rootFlags) logger(cmd *cobra.Command) logr.Logger {
	stdr.SetVerbosity(f.verbose)
	return stdr.New(log.New(cmd.ErrOrStderr(), "", log.LstdFlags))
}

// options merges, from lowest to highest precedence, the defaults, the
// config file and the flags that were set.
func (f *rootFlags) options(cmd *cobra.Command) (*loadorder.Options, error) {
	opts := loadorder.InitOptions()
	opts.Log = f.logger(cmd)

	fixture := ""
	if f.configPath != "" {
		conf, err := util.ReadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		applyConfig(conf, opts)
		fixture = conf.RegistryFixture
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		opts.SystemRoot = f.root
	}
	if flags.Changed("kd-driver") {
		opts.KdDriver = f.kdDriver
	}
	if flags.Changed("cpu-vendor") {
		opts.CpuVendor = f.cpuVendor
	}
	if flags.Changed("control-set") {
		opts.ControlSet = f.controlSet
	}
	if flags.Changed("boot-fs") {
		opts.BootFileSystem = f.bootFileSystem
	}
	if flags.Changed("registry-fixture") {
		fixture = f.registryFixture
	}
	if f.noSortTagGroup {
		opts.SortByTagAndGroup = false
	}
	if f.noHardcodedGroups {
		opts.SortByHardcodedGroups = false
	}
	if f.noHardcodedLists {
		opts.SortByHardcodedServiceLists = false
	}
	if f.noKernelBinaries {
		opts.AddKernelBinaries = false
	}
	if f.noImports {
		opts.AddImports = false
	}

	if fixture != "" {
		mock, err := registry.LoadFixtureFile(afero.NewOsFs(), fixture)
		if err != nil {
			return nil, err
		}
		opts.Hive = mock
	}

	if opts.CpuVendor == "" && opts.SystemRoot == "" && opts.Hive == nil {
		opts.CpuVendor = hostCpuVendor()
	}
	return opts, nil
}

// applyConfig overlays the settings of a config file on opts. Unset
// settings keep the value in opts.
func applyConfig(conf util.Config, opts *loadorder.Options) {
	if conf.Root != "" {
		opts.SystemRoot = conf.Root
	}
	if conf.KdDriver != "" {
		opts.KdDriver = conf.KdDriver
	}
	if conf.CpuVendor != "" {
		opts.CpuVendor = conf.CpuVendor
	}
	if conf.ControlSet != 0 {
		opts.ControlSet = conf.ControlSet
	}
	if conf.BootFileSystem != "" {
		opts.BootFileSystem = conf.BootFileSystem
	}

	opts.SortByTagAndGroup = util.BoolOr(conf.Steps.SortByTagAndGroup, opts.SortByTagAndGroup)
	opts.SortByHardcodedGroups = util.BoolOr(conf.Steps.SortByHardcodedGroups, opts.SortByHardcodedGroups)
	opts.SortByHardcodedServiceLists = util.BoolOr(conf.Steps.SortByHardcodedServiceLists, opts.SortByHardcodedServiceLists)
	opts.AddKernelBinaries = util.BoolOr(conf.Steps.AddKernelBinaries, opts.AddKernelBinaries)
	opts.AddImports = util.BoolOr(conf.Steps.AddImports, opts.AddImports)
}

// hostCpuVendor returns the vendor string of the running cpu, e.g.
// GenuineIntel, or "" when it cannot be determined.
func hostCpuVendor() string {
	return cpuid.CPU.VendorString
}

// systemRootFs returns the filesystem below root, or below the running
// system's root when root is empty.
func systemRootFs(root string) (afero.Fs, error) {
	opts := loadorder.InitOptions()
	opts.SystemRoot = root
	fs, err := loadorder.SystemRootFs(opts)
	if err != nil {
		return nil, fmt.Errorf("Error opening system root: %w", err)
	}
	return fs, nil
}
