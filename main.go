// Package main is the entry point of ntloadorder. All options are parsed by
// the cmd package.
package main

import (
	"os"

	"github.com/carbonblack/ntloadorder/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
