// flogctl inspects and manipulates flogfs flash image files.
//
// Usage:
//
//	flogctl [options] <command> [args]
//
// Run "flogctl help" for the command list.
package main

import (
	"os"

	"github.com/newcuit/flogfs/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args[1:]))
}
