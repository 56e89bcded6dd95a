package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carbonblack/ntloadorder/pefile"
)

func newImportsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "imports <pe file>",
		Short: "Dump a PE file's import table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := pefile.LoadPeFile(args[0])
			if err != nil {
				return err
			}
			if pe.ImportsErr != nil {
				f.logger(cmd).Error(pe.ImportsErr, "import table is incomplete", "path", args[0])
			}

			out := cmd.OutOrStdout()
			if f.outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(pe.Imports)
			}

			for _, importInfo := range pe.Imports {
				if importInfo.FuncName == "" {
					fmt.Fprintf(out, "%s.#%d\n", importInfo.DllName, importInfo.Ordinal)
					continue
				}
				fmt.Fprintf(out, "%s.%s\n", importInfo.DllName, importInfo.FuncName)
			}
			return nil
		},
	}
}
