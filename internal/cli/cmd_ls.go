package cli

import "io"

func cmdLs(out, errOut io.Writer, cfg Config, args []string) int {
	if hasHelpFlag(args) {
		fprintln(out, "Usage: flogctl ls")
		fprintln(out, "")
		fprintln(out, "List files in creation order, one per line.")

		return 0
	}

	img, fsys, err := openFS(cfg)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}
	defer img.Close()

	names, err := fsys.ListFiles()
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	for _, name := range names {
		fprintln(out, name)
	}

	return 0
}
