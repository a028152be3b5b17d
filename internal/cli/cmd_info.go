package cli

import (
	"fmt"
	"io"
)

func cmdInfo(out, errOut io.Writer, cfg Config, args []string) int {
	if hasHelpFlag(args) {
		fprintln(out, "Usage: flogctl info")
		fprintln(out, "")
		fprintln(out, "Show image geometry and filesystem counters.")

		return 0
	}

	img, fsys, err := openFS(cfg)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}
	defer img.Close()

	geo := img.Geometry()
	stats := fsys.Stats()

	fprintln(out, "image:          ", img.Path())
	fprintln(out, "geometry:       ", fmt.Sprintf("%d blocks x %d pages x %d sectors x %d bytes",
		geo.NumBlocks, geo.PagesPerBlock, geo.SectorsPerPage, geo.SectorSize))
	fprintln(out, "files:          ", stats.NumFiles)
	fprintln(out, "free blocks:    ", stats.NumFreeBlocks)
	fprintln(out, "max file id:    ", stats.MaxFileID)
	fprintln(out, "mean block age: ", stats.MeanBlockAge)

	return 0
}
