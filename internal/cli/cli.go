// Package cli implements the flogctl subcommands.
//
// flogctl operates on a flash image file: each invocation loads the image,
// mounts the filesystem, performs one operation, and saves the image back
// atomically. The interactive shell keeps the image open across commands.
package cli

import (
	"fmt"
	"io"

	flag "github.com/spf13/pflag"

	"github.com/newcuit/flogfs/logger"
)

// Run is the flogctl entry point. Returns the process exit code.
func Run(in io.Reader, out, errOut io.Writer, args []string) int {
	globalFlags := flag.NewFlagSet("flogctl", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.SetOutput(io.Discard)

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagImage := globalFlags.StringP("image", "i", "", "Flash image `file`")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagLogLevel := globalFlags.String("log-level", "", "Log level (debug|info|warn|error)")

	if err := globalFlags.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut)

		return 1
	}

	rest := globalFlags.Args()

	if *flagHelp || len(rest) == 0 {
		printUsage(out)

		if len(rest) == 0 && !*flagHelp {
			return 1
		}

		return 0
	}

	cfg, err := LoadConfig(*flagConfig, Config{Image: *flagImage, LogLevel: *flagLogLevel})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	logger.SetLevel(cfg.LogLevel)

	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "format":
		return cmdFormat(out, errOut, cfg, cmdArgs)
	case "ls":
		return cmdLs(out, errOut, cfg, cmdArgs)
	case "put":
		return cmdPut(in, out, errOut, cfg, cmdArgs)
	case "cat":
		return cmdCat(out, errOut, cfg, cmdArgs)
	case "rm":
		return cmdRm(out, errOut, cfg, cmdArgs)
	case "info":
		return cmdInfo(out, errOut, cfg, cmdArgs)
	case "shell":
		return cmdShell(out, errOut, cfg)
	case "help":
		printUsage(out)

		return 0
	default:
		fprintln(errOut, "error: unknown command:", cmd)
		printUsage(errOut)

		return 1
	}
}

func printUsage(out io.Writer) {
	fprintln(out, "Usage: flogctl [options] <command> [args]")
	fprintln(out, "")
	fprintln(out, "Commands:")
	fprintln(out, "  format               Create and format a flash image")
	fprintln(out, "  ls                   List files")
	fprintln(out, "  put <name> [file]    Write a file (or stdin) into the image")
	fprintln(out, "  cat <name>           Stream a file to stdout")
	fprintln(out, "  rm <name>            Delete a file")
	fprintln(out, "  info                 Show geometry and filesystem counters")
	fprintln(out, "  shell                Interactive shell")
	fprintln(out, "")
	fprintln(out, "Options:")
	fprintln(out, "  -i, --image=<file>   Flash image file [default: flash.img]")
	fprintln(out, "  -c, --config=<file>  Config file [default: .flogctl.json]")
	fprintln(out, "      --log-level=<l>  debug|info|warn|error [default: warn]")
}

// fprintln writes a line, ignoring output errors; a broken pipe on stdout
// must not change command results.
func fprintln(w io.Writer, args ...any) {
	_, _ = fmt.Fprintln(w, args...)
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}

	return false
}
