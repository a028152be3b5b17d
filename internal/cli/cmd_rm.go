package cli

import "io"

func cmdRm(out, errOut io.Writer, cfg Config, args []string) int {
	if hasHelpFlag(args) || len(args) != 1 {
		fprintln(out, "Usage: flogctl rm <name>")

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

	if err := fsys.Remove(args[0]); err != nil {
		_ = img.Close()
		fprintln(errOut, "error:", err)

		return 1
	}

	if err := saveImage(img); err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	return 0
}
