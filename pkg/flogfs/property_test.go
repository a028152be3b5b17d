// Invariant tests: free-block accounting, timestamp recovery, per-block
// age monotonicity and write/read round trips under seeded random
// operation sequences. White-box so invariants can be recomputed straight
// from the device.

package flogfs

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newcuit/flogfs/pkg/flash"
)

// smallGeometry keeps block counts low so chain growth, reuse and inode
// extension happen within a few kilobytes of writes.
func smallGeometry() flash.Geometry {
	return flash.Geometry{
		NumBlocks:      8,
		PagesPerBlock:  8,
		SectorsPerPage: 4,
		SectorSize:     128,
		SpareSize:      4,
	}
}

func newTestFS(t *testing.T, geo flash.Geometry) *FS {
	t.Helper()

	mem, err := flash.NewMem(geo)
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}

	fsys, err := New(mem, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := fsys.Format(); err != nil {
		t.Fatalf("Format: %v", err)
	}

	if err := fsys.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	return fsys
}

// recountFreeBlocks rescans the device and counts unallocated blocks plus
// blocks with a programmed invalidation record. Only meaningful while no
// write handle is open (a leased block has no header yet).
func recountFreeBlocks(t *testing.T, fs *FS) int {
	t.Helper()

	n := 0

	for i := range fs.geo.NumBlocks {
		block := blockIdx(i)

		if err := fs.openPage(block, 0); err != nil {
			t.Fatalf("open block %d: %v", i, err)
		}

		if bad, _ := fs.dev.BlockIsBad(); bad {
			continue
		}

		spare, err := fs.readSpare(block, 0)
		if err != nil {
			t.Fatalf("read spare %d: %v", i, err)
		}

		switch spare.Type {
		case blockTypeUnallocated:
			n++
		case blockTypeInode, blockTypeFile:
			inv, err := fs.readInvalidation(block)
			if err != nil {
				t.Fatalf("read invalidation %d: %v", i, err)
			}

			if inv.Timestamp != timestampInvalid {
				n++
			}
		}
	}

	return n
}

// blockAges reads the current header age of every typed block.
func blockAges(t *testing.T, fs *FS) map[int]blockAge {
	t.Helper()

	ages := make(map[int]blockAge)

	for i := range fs.geo.NumBlocks {
		block := blockIdx(i)

		if err := fs.openPage(block, 0); err != nil {
			t.Fatalf("open block %d: %v", i, err)
		}

		spare, err := fs.readSpare(block, 0)
		if err != nil {
			t.Fatalf("read spare %d: %v", i, err)
		}

		switch spare.Type {
		case blockTypeInode:
			buf := make([]byte, inodeSector0HeaderSize)
			if err := fs.readAt(buf, block, 0, 0); err != nil {
				t.Fatalf("read header %d: %v", i, err)
			}

			ages[i] = decodeInodeSector0(buf).Age
		case blockTypeFile:
			buf := make([]byte, fileSector0HeaderSize)
			if err := fs.readAt(buf, block, 0, 0); err != nil {
				t.Fatalf("read header %d: %v", i, err)
			}

			ages[i] = decodeFileSector0(buf).Age
		}
	}

	return ages
}

func mustWrite(t *testing.T, fs *FS, name string, data []byte) {
	t.Helper()

	w, err := fs.OpenWrite(name)
	if err != nil {
		t.Fatalf("OpenWrite %s: %v", name, err)
	}

	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write %s: %v", name, err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close %s: %v", name, err)
	}
}

func mustRead(t *testing.T, fs *FS, name string) []byte {
	t.Helper()

	r, err := fs.OpenRead(name)
	if err != nil {
		t.Fatalf("OpenRead %s: %v", name, err)
	}
	defer r.Close()

	var out []byte

	buf := make([]byte, 300)

	for {
		n, err := r.Read(buf)

		out = append(out, buf[:n]...)

		if n == 0 {
			return out
		}

		if err != nil {
			return out
		}
	}
}

func Test_Free_Block_Count_Matches_Rescan_After_Ops(t *testing.T) {
	t.Parallel()

	fsys := newTestFS(t, smallGeometry())

	check := func(step string) {
		t.Helper()

		if got, want := recountFreeBlocks(t, fsys), fsys.numFreeBlocks; got != want {
			t.Fatalf("%s: rescan found %d free, state says %d", step, got, want)
		}
	}

	check("fresh")

	mustWrite(t, fsys, "a", bytes.Repeat([]byte{1}, 500))
	check("after create a")

	mustWrite(t, fsys, "b", bytes.Repeat([]byte{2}, 4000)) // spans blocks
	check("after create b")

	if err := fsys.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	check("after rm a")

	mustWrite(t, fsys, "c", bytes.Repeat([]byte{3}, 100))
	check("after create c")
}

func Test_Mount_Recovers_Max_Timestamp(t *testing.T) {
	t.Parallel()

	fsys := newTestFS(t, smallGeometry())

	mustWrite(t, fsys, "a", bytes.Repeat([]byte{1}, 4000))
	mustWrite(t, fsys, "b", bytes.Repeat([]byte{2}, 100))

	if err := fsys.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	tBefore := fsys.t

	if err := fsys.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fsys2, err := New(fsys.dev, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := fsys2.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if fsys2.t != tBefore {
		t.Fatalf("recovered t = %d, want %d", fsys2.t, tBefore)
	}
}

func Test_Block_Ages_Never_Decrease_Under_Churn(t *testing.T) {
	t.Parallel()

	fsys := newTestFS(t, smallGeometry())
	lastSeen := blockAges(t, fsys)

	// Create/delete churn forces block reuse and, past 14 directory
	// entries, growth of the inode chain.
	for cycle := range 40 {
		name := fmt.Sprintf("churn-%d", cycle)

		mustWrite(t, fsys, name, bytes.Repeat([]byte{byte(cycle)}, 200))

		if err := fsys.Remove(name); err != nil {
			t.Fatalf("Remove %s: %v", name, err)
		}

		for block, age := range blockAges(t, fsys) {
			if prev, ok := lastSeen[block]; ok && age < prev {
				t.Fatalf("cycle %d: block %d age went %d -> %d", cycle, block, prev, age)
			}

			lastSeen[block] = age
		}
	}

	if got, want := recountFreeBlocks(t, fsys), fsys.numFreeBlocks; got != want {
		t.Fatalf("rescan found %d free, state says %d", got, want)
	}
}

func Test_Directory_Survives_Inode_Chain_Growth(t *testing.T) {
	t.Parallel()

	fsys := newTestFS(t, smallGeometry())

	// Burn directory entries with create+delete cycles so live files land
	// in the second inode block.
	for cycle := range 20 {
		name := fmt.Sprintf("burn-%d", cycle)

		mustWrite(t, fsys, name, []byte{1})

		if err := fsys.Remove(name); err != nil {
			t.Fatalf("Remove %s: %v", name, err)
		}
	}

	mustWrite(t, fsys, "keep-1", bytes.Repeat([]byte{7}, 100))
	mustWrite(t, fsys, "keep-2", bytes.Repeat([]byte{8}, 100))

	names, err := fsys.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}

	if diff := cmp.Diff([]string{"keep-1", "keep-2"}, names); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}

	if err := fsys.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fsys2, err := New(fsys.dev, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := fsys2.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	names2, err := fsys2.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles after remount: %v", err)
	}

	if diff := cmp.Diff(names, names2); diff != "" {
		t.Fatalf("remount changed listing (-before +after):\n%s", diff)
	}

	if got := mustRead(t, fsys2, "keep-2"); !bytes.Equal(got, bytes.Repeat([]byte{8}, 100)) {
		t.Fatalf("keep-2 content corrupted: %d bytes", len(got))
	}
}

func Test_Random_Ops_Round_Trip_Across_Remount(t *testing.T) {
	t.Parallel()

	for seed := uint64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewPCG(seed, seed))
			fsys := newTestFS(t, flash.DefaultGeometry())

			names := []string{"red", "green", "blue"}
			want := map[string][]byte{}

			for range 60 {
				name := names[rng.IntN(len(names))]

				switch rng.IntN(10) {
				case 0: // delete, sometimes
					if _, ok := want[name]; !ok {
						continue
					}

					if err := fsys.Remove(name); err != nil {
						t.Fatalf("Remove %s: %v", name, err)
					}

					delete(want, name)

				default: // append a random chunk
					chunk := make([]byte, 1+rng.IntN(1500))
					for i := range chunk {
						chunk[i] = byte(rng.UintN(256))
					}

					mustWrite(t, fsys, name, chunk)
					want[name] = append(want[name], chunk...)
				}
			}

			verify := func(fsys *FS, when string) {
				t.Helper()

				for name, data := range want {
					got := mustRead(t, fsys, name)
					if !bytes.Equal(got, data) {
						t.Fatalf("%s: %s mismatch: got %d bytes, want %d", when, name, len(got), len(data))
					}
				}

				gotNames, err := fsys.ListFiles()
				if err != nil {
					t.Fatalf("%s: ListFiles: %v", when, err)
				}

				if len(gotNames) != len(want) {
					t.Fatalf("%s: listed %d files, want %d", when, len(gotNames), len(want))
				}
			}

			verify(fsys, "before remount")

			if got, want := recountFreeBlocks(t, fsys), fsys.numFreeBlocks; got != want {
				t.Fatalf("rescan found %d free, state says %d", got, want)
			}

			if err := fsys.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			fsys2, err := New(fsys.dev, Options{})
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			if err := fsys2.Mount(); err != nil {
				t.Fatalf("Mount: %v", err)
			}

			verify(fsys2, "after remount")
		})
	}
}
