// Crash-equivalence tests: a power loss at any flash mutation boundary
// must leave a device the next mount brings back to a consistent state —
// files are a prefix of what was written, deletions are either absent or
// completed, and the free-block accounting matches a rescan.

package flogfs

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/newcuit/flogfs/pkg/flash"
)

// crashTraceContents is what each file holds once the whole trace ran.
func crashTraceContents() map[string][]byte {
	alpha := append(bytes.Repeat([]byte{0xA1}, 600), bytes.Repeat([]byte{0xA2}, 600)...)

	return map[string][]byte{
		"alpha": alpha,
		"beta":  bytes.Repeat([]byte{0xB1}, 4500),
		"gamma": bytes.Repeat([]byte{0xC1}, 300),
	}
}

// runCrashTrace executes the operation trace, tolerating failures once the
// simulated power is lost.
func runCrashTrace(fsys *FS) {
	write := func(name string, data []byte) {
		w, err := fsys.OpenWrite(name)
		if err != nil {
			return
		}

		_, _ = w.Write(data)
		_ = w.Close()
	}

	write("alpha", bytes.Repeat([]byte{0xA1}, 600))
	write("beta", bytes.Repeat([]byte{0xB1}, 4500))
	write("alpha", bytes.Repeat([]byte{0xA2}, 600))
	_ = fsys.Remove("beta")
	write("gamma", bytes.Repeat([]byte{0xC1}, 300))
}

// setupCrashDevice formats a fresh device and returns it wrapped in the
// crash failpoint, mounted and ready for the trace.
func setupCrashDevice(t *testing.T) (*flash.Crash, *FS) {
	t.Helper()

	mem, err := flash.NewMem(smallGeometry())
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}

	dev := flash.NewCrash(mem)

	fsys, err := New(dev, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := fsys.Format(); err != nil {
		t.Fatalf("Format: %v", err)
	}

	if err := fsys.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	return dev, fsys
}

// isSubsequence reports whether names appear in got preserving the order
// of want.
func isSubsequence(got, want []string) bool {
	i := 0

	for _, name := range want {
		if i < len(got) && got[i] == name {
			i++
		}
	}

	return i == len(got)
}

func Test_Mount_Recovers_From_Crash_At_Every_Mutation_Boundary(t *testing.T) {
	t.Parallel()

	// Reference run to learn how many mutation boundaries the trace has.
	dev, fsys := setupCrashDevice(t)
	before := dev.Mutations()

	runCrashTrace(fsys)

	traceMutations := dev.Mutations() - before

	if traceMutations < 10 {
		t.Fatalf("trace performed only %d mutations; too shallow to be useful", traceMutations)
	}

	finalContents := crashTraceContents()
	creationOrder := []string{"alpha", "beta", "gamma"}

	for k := range traceMutations {
		t.Run(fmt.Sprintf("crash_after_%d", k), func(t *testing.T) {
			t.Parallel()

			dev, fsys := setupCrashDevice(t)

			dev.Arm(k)
			runCrashTrace(fsys)

			if !dev.Down() {
				t.Fatal("failpoint did not fire")
			}

			dev.PowerOn()

			recovered, err := New(dev, Options{})
			if err != nil {
				t.Fatalf("New after crash: %v", err)
			}

			if err := recovered.Mount(); err != nil {
				t.Fatalf("Mount after crash: %v", err)
			}

			verifyRecovered(t, recovered, creationOrder, finalContents)
		})
	}
}

func verifyRecovered(t *testing.T, fsys *FS, creationOrder []string, finalContents map[string][]byte) {
	t.Helper()

	names, err := fsys.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}

	if !isSubsequence(names, creationOrder) {
		t.Fatalf("listing %v is not a creation-order subsequence of %v", names, creationOrder)
	}

	for _, name := range names {
		want, ok := finalContents[name]
		if !ok {
			t.Fatalf("unexpected file %q", name)
		}

		got := mustRead(t, fsys, name)
		if !bytes.HasPrefix(want, got) {
			t.Fatalf("%s: %d bytes are not a prefix of the %d written", name, len(got), len(want))
		}
	}

	if got, want := recountFreeBlocks(t, fsys), fsys.numFreeBlocks; got != want {
		t.Fatalf("rescan found %d free blocks, state says %d", got, want)
	}

	// Mounting again must change nothing.
	if err := fsys.Mount(); err != nil {
		t.Fatalf("second Mount: %v", err)
	}

	// The filesystem stays fully usable after recovery.
	mustWrite(t, fsys, "delta", bytes.Repeat([]byte{0xD1}, 150))

	if got := mustRead(t, fsys, "delta"); !bytes.Equal(got, bytes.Repeat([]byte{0xD1}, 150)) {
		t.Fatalf("post-recovery write read back %d bytes", len(got))
	}
}

func Test_Interrupted_Deletion_Completes_At_Mount(t *testing.T) {
	t.Parallel()

	dev, fsys := setupCrashDevice(t)

	mustWrite(t, fsys, "victim", bytes.Repeat([]byte{5}, 4500)) // two blocks
	mustWrite(t, fsys, "other", bytes.Repeat([]byte{6}, 100))

	// Let the inode entry invalidation through, cut power on the first
	// chain invalidation.
	dev.Arm(1)

	if err := fsys.Remove("victim"); err == nil {
		t.Fatal("Remove survived the failpoint")
	}

	dev.PowerOn()

	recovered, err := New(dev, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := recovered.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	names, err := recovered.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}

	if len(names) != 1 || names[0] != "other" {
		t.Fatalf("names = %v, want [other]", names)
	}

	// The deletion fixup must have reclaimed the whole chain.
	if got, want := recountFreeBlocks(t, recovered), recovered.numFreeBlocks; got != want {
		t.Fatalf("rescan found %d free blocks, state says %d", got, want)
	}

	if recovered.numFiles != 1 {
		t.Fatalf("numFiles = %d, want 1", recovered.numFiles)
	}
}

func Test_Interrupted_Creation_Is_Completed_At_Mount(t *testing.T) {
	t.Parallel()

	dev, fsys := setupCrashDevice(t)

	// Force reuse so the creation path has an erase to interrupt: fill
	// and delete a file spanning all four blocks the mount cached as free
	// (three tail seals need more than 3*3944 bytes), so every cached
	// block is a reused one.
	mustWrite(t, fsys, "old", bytes.Repeat([]byte{1}, 12000))

	if err := fsys.Remove("old"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	// Creation commits the inode entry, then erases the claimed block.
	// Cut power between the two.
	dev.Arm(1)

	if _, err := fsys.OpenWrite("fresh"); err == nil {
		t.Fatal("OpenWrite survived the failpoint")
	}

	dev.PowerOn()

	recovered, err := New(dev, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := recovered.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	// The announced file exists, empty, and is writable.
	names, err := recovered.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}

	if len(names) != 1 || names[0] != "fresh" {
		t.Fatalf("names = %v, want [fresh]", names)
	}

	if got := mustRead(t, recovered, "fresh"); len(got) != 0 {
		t.Fatalf("recovered file holds %d bytes, want 0", len(got))
	}

	mustWrite(t, recovered, "fresh", bytes.Repeat([]byte{9}, 300))

	if got := mustRead(t, recovered, "fresh"); !bytes.Equal(got, bytes.Repeat([]byte{9}, 300)) {
		t.Fatalf("append after recovery read back %d bytes", len(got))
	}

	if got, want := recountFreeBlocks(t, recovered), recovered.numFreeBlocks; got != want {
		t.Fatalf("rescan found %d free blocks, state says %d", got, want)
	}
}
