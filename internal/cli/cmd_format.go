package cli

import (
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/newcuit/flogfs/pkg/flash"
	"github.com/newcuit/flogfs/pkg/flogfs"
)

func cmdFormat(out, errOut io.Writer, cfg Config, args []string) int {
	if hasHelpFlag(args) {
		printFormatHelp(out)

		return 0
	}

	flagSet := flag.NewFlagSet("format", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	force := flagSet.BoolP("force", "f", false, "Overwrite an existing image")
	numBlocks := flagSet.Int("blocks", cfg.NumBlocks, "Number of erase blocks")
	pagesPerBlock := flagSet.Int("pages", cfg.PagesPerBlock, "Pages per block")
	sectorsPerPage := flagSet.Int("sectors", cfg.SectorsPerPage, "Sectors per page")
	sectorSize := flagSet.Int("sector-size", cfg.SectorSize, "Sector size in bytes")

	if err := flagSet.Parse(args); err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	if _, err := os.Stat(cfg.Image); err == nil && !*force {
		fprintln(errOut, "error: image exists:", cfg.Image, "(use --force to overwrite)")

		return 1
	}

	geo := flash.Geometry{
		NumBlocks:      *numBlocks,
		PagesPerBlock:  *pagesPerBlock,
		SectorsPerPage: *sectorsPerPage,
		SectorSize:     *sectorSize,
		SpareSize:      flash.DefaultGeometry().SpareSize,
	}

	img, err := flash.CreateImage(cfg.Image, geo)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	fsys, err := flogfs.New(img, flogfs.Options{})
	if err != nil {
		_ = img.Close()
		fprintln(errOut, "error:", err)

		return 1
	}

	if err := fsys.Format(); err != nil {
		_ = img.Close()
		fprintln(errOut, "error:", err)

		return 1
	}

	if err := saveImage(img); err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	fprintln(out, "formatted", cfg.Image)

	return 0
}

func printFormatHelp(out io.Writer) {
	fprintln(out, "Usage: flogctl format [options]")
	fprintln(out, "")
	fprintln(out, "Create a flash image and write an empty filesystem into it.")
	fprintln(out, "")
	fprintln(out, "Options:")
	fprintln(out, "  -f, --force            Overwrite an existing image")
	fprintln(out, "      --blocks=N         Number of erase blocks")
	fprintln(out, "      --pages=N          Pages per block")
	fprintln(out, "      --sectors=N        Sectors per page")
	fprintln(out, "      --sector-size=N    Sector size in bytes")
}
