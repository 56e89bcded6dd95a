package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/carbonblack/ntloadorder/loadorder"
	"github.com/carbonblack/ntloadorder/pefile"
)

func newApiSetCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "apiset [name]",
		Short: "List the API Sets of a system, or resolve one",
		Long: `List every API Set of the system's apisetschema.dll and the modules
hosting it. With a name, print the hosts of that API Set only.

Examples:
  ntloadorder apiset -r /mnt/windows
  ntloadorder apiset api-ms-win-core-synch-l1-2-0.dll`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd)
			if err != nil {
				return err
			}
			apiSet, err := loadApiSet(opts.SystemRoot)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				hosts, ok := apiSet.Lookup(args[0])
				if !ok {
					return fmt.Errorf("apiset %s not found", args[0])
				}
				return writeHosts(cmd.OutOrStdout(), hosts, f.outputJSON)
			}
			return writeApiSet(cmd.OutOrStdout(), apiSet, f.outputJSON)
		},
	}
}

func loadApiSet(root string) (*pefile.ApiSetMap, error) {
	fs, err := systemRootFs(root)
	if err != nil {
		return nil, err
	}
	schema, err := loadorder.NewImageReader(fs).Open(loadorder.ApiSetSchemaPath)
	if err != nil {
		return nil, err
	}
	return schema.ApiSet()
}

func hostNames(hosts []pefile.ApiSetHost) []string {
	names := make([]string, 0, len(hosts))
	for _, host := range hosts {
		if host.ImportingName != "" {
			names = append(names, host.HostName+" (for "+host.ImportingName+")")
			continue
		}
		names = append(names, host.HostName)
	}
	return names
}

func writeHosts(w io.Writer, hosts []pefile.ApiSetHost, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(hosts)
	}
	for _, name := range hostNames(hosts) {
		if _, err := fmt.Fprintln(w, "  ", name); err != nil {
			return err
		}
	}
	return nil
}

func writeApiSet(w io.Writer, apiSet *pefile.ApiSetMap, asJSON bool) error {
	entries := apiSet.Entries()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	for _, entry := range entries {
		if _, err := fmt.Fprintf(w, "%s => %s\n", entry.Name, strings.Join(hostNames(entry.Hosts), ", ")); err != nil {
			return err
		}
	}
	return nil
}
