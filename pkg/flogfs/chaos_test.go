// Fault-injection tests: random driver failures must surface as errors,
// never as panics or as a device the next mount cannot repair.

package flogfs

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/newcuit/flogfs/pkg/flash"
)

func Test_Random_Driver_Failures_Leave_A_Mountable_Device(t *testing.T) {
	t.Parallel()

	for seed := uint64(1); seed <= 8; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			mem, err := flash.NewMem(smallGeometry())
			if err != nil {
				t.Fatalf("NewMem: %v", err)
			}

			// Format on the reliable device; chaos starts with mounted
			// operation.
			setup, err := New(mem, Options{})
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			if err := setup.Format(); err != nil {
				t.Fatalf("Format: %v", err)
			}

			chaotic := flash.NewChaos(mem, flash.ChaosConfig{Seed: seed, FailureRate: 0.02})

			fsys, err := New(chaotic, Options{})
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			if err := fsys.Mount(); err != nil {
				// A scan hit by injected failures may legitimately refuse
				// to mount; nothing else to test for this seed.
				t.Skipf("mount under chaos: %v", err)
			}

			// Errors are expected; corruption of the in-memory run
			// (panic, hang) is not.
			for i := range 30 {
				name := fmt.Sprintf("f%d", i%3)

				w, err := fsys.OpenWrite(name)
				if err != nil {
					continue
				}

				_, _ = w.Write(bytes.Repeat([]byte{byte(i)}, 400))
				_ = w.Close()

				if i%7 == 0 {
					_ = fsys.Remove(name)
				}
			}

			// The reliable device must mount cleanly afterwards, with
			// accounting that matches a rescan.
			recovered, err := New(mem, Options{})
			if err != nil {
				t.Fatalf("New after chaos: %v", err)
			}

			if err := recovered.Mount(); err != nil {
				t.Fatalf("Mount after chaos: %v", err)
			}

			if got, want := recountFreeBlocks(t, recovered), recovered.numFreeBlocks; got != want {
				t.Fatalf("rescan found %d free blocks, state says %d", got, want)
			}

			// And it keeps working.
			mustWrite(t, recovered, "after", bytes.Repeat([]byte{0xAF}, 200))

			if got := mustRead(t, recovered, "after"); !bytes.Equal(got, bytes.Repeat([]byte{0xAF}, 200)) {
				t.Fatalf("post-chaos write read back %d bytes", len(got))
			}
		})
	}
}
