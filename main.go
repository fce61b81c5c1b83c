// Package main is the entry point of the lode binary, the command-line
// frontend over the document and directory extractors. All functionality
// lives in the cli package; main only executes the root command and turns
// an uncaught failure into a non-zero exit.
package main

import (
	"os"

	"lode.evalgo.org/cli"
	"lode.evalgo.org/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.Error(err)
		os.Exit(1)
	}
}
