// Package flogfs implements a log-structured filesystem for raw NAND-style
// flash devices.
//
// flogfs targets devices with page-based programming, block-based erase,
// per-page spare bytes and bounded write cycles: files are append-only
// chains of erase blocks, the directory is a chain of inode blocks, and all
// metadata exploits the NAND property that erased flash reads as all-ones
// and programming can only clear bits. Wear is spread by a rotating
// allocation cursor and an age-sorted preallocation list, and every
// power-loss window is closed by the mount-time recovery scan.
//
// # Basic Usage
//
//	dev, _ := flash.NewMem(flash.DefaultGeometry())
//	fs, err := flogfs.New(dev, flogfs.Options{})
//	if err != nil {
//	    // bad geometry or device init failure
//	}
//	_ = fs.Format()
//	_ = fs.Mount()
//
//	w, _ := fs.OpenWrite("log.txt")
//	w.Write([]byte("hello"))
//	w.Close()
//
//	r, _ := fs.OpenRead("log.txt")
//	io.Copy(os.Stdout, r)
//	r.Close()
//
// # Concurrency
//
// An [FS] is safe for concurrent use: every public operation serializes on
// the filesystem lock, and allocator state is additionally guarded so that
// at most one block is ever reserved but not yet initialized. Distinct
// files may be read and written from distinct goroutines; a single
// [ReadFile] or [WriteFile] must not be shared without external
// synchronization.
//
// # Durability
//
// Data is durable once its sector is committed to flash: when a sector
// fills, on [WriteFile.Sync], or on [WriteFile.Close]. Between a Write call
// and the next commit, data lives in a RAM buffer and is lost on power
// failure. Half-finished allocations and deletions are repaired by
// [FS.Mount].
package flogfs
