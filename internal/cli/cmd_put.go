package cli

import (
	"io"
	"os"
)

func cmdPut(in io.Reader, out, errOut io.Writer, cfg Config, args []string) int {
	if hasHelpFlag(args) || len(args) < 1 || len(args) > 2 {
		fprintln(out, "Usage: flogctl put <name> [file]")
		fprintln(out, "")
		fprintln(out, "Append the contents of file (or stdin) to <name>,")
		fprintln(out, "creating it if it does not exist.")

		if hasHelpFlag(args) {
			return 0
		}

		return 1
	}

	src := in

	if len(args) == 2 {
		f, err := os.Open(args[1])
		if err != nil {
			fprintln(errOut, "error:", err)

			return 1
		}
		defer f.Close()

		src = f
	}

	img, fsys, err := openFS(cfg)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	w, err := fsys.OpenWrite(args[0])
	if err != nil {
		_ = img.Close()
		fprintln(errOut, "error:", err)

		return 1
	}

	n, copyErr := io.Copy(w, src)
	closeErr := w.Close()

	if copyErr != nil || closeErr != nil {
		_ = saveImage(img) // keep whatever was committed

		if copyErr != nil {
			fprintln(errOut, "error:", copyErr)
		} else {
			fprintln(errOut, "error:", closeErr)
		}

		return 1
	}

	if err := saveImage(img); err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	fprintln(out, "wrote", n, "bytes to", w.Name())

	return 0
}
