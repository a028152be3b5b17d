package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"

	"github.com/newcuit/flogfs/pkg/flogfs"
)

// cmdShell runs an interactive session against one open image. Changes are
// saved on exit (and on an explicit "save").
func cmdShell(out, errOut io.Writer, cfg Config) int {
	img, fsys, err := openFS(cfg)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	defer func() {
		_ = line.Close()

		if err := saveImage(img); err != nil {
			fprintln(errOut, "error:", err)
		}
	}()

	fprintln(out, "flogctl shell on", img.Path(), "- type 'help' for commands")

	for {
		input, err := line.Prompt("flogfs> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return 0
			}

			fprintln(errOut, "error:", err)

			return 1
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "exit", "quit", "q":
			return 0

		case "help":
			shellHelp(out)

		case "ls":
			names, err := fsys.ListFiles()
			if err != nil {
				fprintln(errOut, "error:", err)

				continue
			}

			for _, name := range names {
				fprintln(out, name)
			}

		case "cat":
			if len(args) != 1 {
				fprintln(errOut, "usage: cat <name>")

				continue
			}

			shellCat(out, errOut, fsys, args[0])

		case "put":
			if len(args) < 2 {
				fprintln(errOut, "usage: put <name> <text...>")

				continue
			}

			shellPut(out, errOut, fsys, args[0], strings.Join(args[1:], " "))

		case "rm":
			if len(args) != 1 {
				fprintln(errOut, "usage: rm <name>")

				continue
			}

			if err := fsys.Remove(args[0]); err != nil {
				fprintln(errOut, "error:", err)
			}

		case "info":
			stats := fsys.Stats()
			fprintln(out, fmt.Sprintf("files=%d free_blocks=%d max_file_id=%d",
				stats.NumFiles, stats.NumFreeBlocks, stats.MaxFileID))

		case "save":
			if err := img.Save(); err != nil {
				fprintln(errOut, "error:", err)
			} else {
				fprintln(out, "saved", img.Path())
			}

		default:
			fprintln(errOut, "unknown command:", cmd, "(try 'help')")
		}
	}
}

func shellCat(out, errOut io.Writer, fsys *flogfs.FS, name string) {
	r, err := fsys.OpenRead(name)
	if err != nil {
		fprintln(errOut, "error:", err)

		return
	}
	defer r.Close()

	if _, err := io.Copy(out, r); err != nil {
		fprintln(errOut, "error:", err)

		return
	}

	fprintln(out)
}

func shellPut(out, errOut io.Writer, fsys *flogfs.FS, name, text string) {
	w, err := fsys.OpenWrite(name)
	if err != nil {
		fprintln(errOut, "error:", err)

		return
	}

	n, writeErr := w.Write([]byte(text))
	closeErr := w.Close()

	if writeErr != nil {
		fprintln(errOut, "error:", writeErr)

		return
	}

	if closeErr != nil {
		fprintln(errOut, "error:", closeErr)

		return
	}

	fprintln(out, "wrote", n, "bytes to", w.Name())
}

func shellHelp(out io.Writer) {
	fprintln(out, "Commands:")
	fprintln(out, "  ls                 List files")
	fprintln(out, "  put <name> <text>  Append text to a file")
	fprintln(out, "  cat <name>         Print a file")
	fprintln(out, "  rm <name>          Delete a file")
	fprintln(out, "  info               Show filesystem counters")
	fprintln(out, "  save               Save the image now")
	fprintln(out, "  exit               Save and quit")
}
