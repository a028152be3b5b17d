package cli

import (
	"fmt"

	"github.com/newcuit/flogfs/pkg/flash"
	"github.com/newcuit/flogfs/pkg/flogfs"
)

// openFS loads the configured image and mounts the filesystem in it.
func openFS(cfg Config) (*flash.Image, *flogfs.FS, error) {
	img, err := flash.LoadImage(cfg.Image)
	if err != nil {
		return nil, nil, err
	}

	fsys, err := flogfs.New(img, flogfs.Options{})
	if err != nil {
		_ = img.Close()

		return nil, nil, err
	}

	if err := fsys.Mount(); err != nil {
		_ = img.Close()

		return nil, nil, fmt.Errorf("mount %s: %w", cfg.Image, err)
	}

	return img, fsys, nil
}

// saveImage persists the image and releases its lock.
func saveImage(img *flash.Image) error {
	if err := img.Save(); err != nil {
		_ = img.Close()

		return err
	}

	return img.Close()
}
