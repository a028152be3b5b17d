package cli

import "io"

func cmdCat(out, errOut io.Writer, cfg Config, args []string) int {
	if hasHelpFlag(args) || len(args) != 1 {
		fprintln(out, "Usage: flogctl cat <name>")

		if hasHelpFlag(args) {
			return 0
		}

		return 1
	}

	img, fsys, err := openFS(cfg)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}
	defer img.Close()

	r, err := fsys.OpenRead(args[0])
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}
	defer r.Close()

	if _, err := io.Copy(out, r); err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	return 0
}
