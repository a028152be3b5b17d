package flogfs_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/newcuit/flogfs/pkg/flash"
	"github.com/newcuit/flogfs/pkg/flogfs"
)

func Test_Read_Past_EOF_Returns_Short_Count_Not_Error(t *testing.T) {
	t.Parallel()

	_, fsys := newFS(t, flash.DefaultGeometry())

	writeAll(t, fsys, "short", pattern(3, 33))

	r, err := fsys.OpenRead("short")
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 1000)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 33, n)
}

func Test_Write_Returns_Bytes_Accepted_When_Space_Runs_Out(t *testing.T) {
	t.Parallel()

	geo := flash.DefaultGeometry()
	_, fsys := newFS(t, geo)

	// Every sector except the invalidation sector carries payload; the
	// sector-0 and tail headers cost 8 and 16 bytes.
	blockPayload := (geo.SectorsPerBlock()-1)*geo.SectorSize - 8 - 16

	w, err := fsys.OpenWrite("hog")
	require.NoError(t, err)
	defer w.Close()

	// 15 data blocks exist; filling them all must eventually refuse with
	// ErrNoSpace and report the bytes that did commit.
	total := 0
	chunk := pattern(0xEE, blockPayload)

	for range geo.NumBlocks {
		n, err := w.Write(chunk)

		total += n
		if err != nil {
			require.ErrorIs(t, err, flogfs.ErrNoSpace)
			require.Less(t, n, len(chunk))

			break
		}
	}

	require.Positive(t, total)

	// Everything accepted so far must read back intact.
	require.NoError(t, w.Sync())

	got := readAll(t, fsys, "hog")
	require.Len(t, got, total)
}

func Test_OpenRead_Of_Missing_File_Fails(t *testing.T) {
	t.Parallel()

	_, fsys := newFS(t, flash.DefaultGeometry())

	_, err := fsys.OpenRead("nope")
	require.ErrorIs(t, err, flogfs.ErrNotFound)

	err = fsys.Remove("nope")
	require.ErrorIs(t, err, flogfs.ErrNotFound)
}

func Test_OpenWrite_Of_Existing_File_Appends(t *testing.T) {
	t.Parallel()

	_, fsys := newFS(t, flash.DefaultGeometry())

	writeAll(t, fsys, "log", pattern(1, 600))
	writeAll(t, fsys, "log", pattern(2, 600))

	got := readAll(t, fsys, "log")
	require.Equal(t, pattern(1, 600), got[:600])
	require.Equal(t, pattern(2, 600), got[600:])
}

func Test_Long_Names_Rejected_On_Read_Truncated_On_Write(t *testing.T) {
	t.Parallel()

	_, fsys := newFS(t, flash.DefaultGeometry())

	long := strings.Repeat("n", flogfs.MaxFilenameLen+10)
	truncated := long[:flogfs.MaxFilenameLen-1]

	_, err := fsys.OpenRead(long)
	require.ErrorIs(t, err, flogfs.ErrNameTooLong)

	w, err := fsys.OpenWrite(long)
	require.NoError(t, err)
	require.Equal(t, truncated, w.Name())

	_, err = w.Write(pattern(4, 4))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Equal(t, pattern(4, 4), readAll(t, fsys, truncated))
}

func Test_Double_Close_Is_Detected(t *testing.T) {
	t.Parallel()

	_, fsys := newFS(t, flash.DefaultGeometry())

	w, err := fsys.OpenWrite("f")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Close(), flogfs.ErrClosed)

	r, err := fsys.OpenRead("f")
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.ErrorIs(t, r.Close(), flogfs.ErrClosed)

	_, err = r.Read(make([]byte, 1))
	require.ErrorIs(t, err, flogfs.ErrClosed)

	_, err = w.Write([]byte{1})
	require.ErrorIs(t, err, flogfs.ErrClosed)
}

func Test_Conflicting_Handles_Are_Refused(t *testing.T) {
	t.Parallel()

	_, fsys := newFS(t, flash.DefaultGeometry())

	w, err := fsys.OpenWrite("busy")
	require.NoError(t, err)
	defer w.Close()

	_, err = fsys.OpenWrite("busy")
	require.ErrorIs(t, err, flogfs.ErrBusy)

	err = fsys.Remove("busy")
	require.ErrorIs(t, err, flogfs.ErrBusy)
}

func Test_Operations_Require_Mount(t *testing.T) {
	t.Parallel()

	mem, err := flash.NewMem(flash.DefaultGeometry())
	require.NoError(t, err)

	fsys, err := flogfs.New(mem, flogfs.Options{})
	require.NoError(t, err)
	require.NoError(t, fsys.Format())

	_, err = fsys.OpenWrite("f")
	require.ErrorIs(t, err, flogfs.ErrNotMounted)

	_, err = fsys.OpenRead("f")
	require.ErrorIs(t, err, flogfs.ErrNotMounted)

	_, err = fsys.ListFiles()
	require.ErrorIs(t, err, flogfs.ErrNotMounted)

	require.ErrorIs(t, fsys.Remove("f"), flogfs.ErrNotMounted)
}

func Test_Format_Refused_While_Mounted(t *testing.T) {
	t.Parallel()

	_, fsys := newFS(t, flash.DefaultGeometry())

	require.ErrorIs(t, fsys.Format(), flogfs.ErrMounted)
}

func Test_Mount_Fails_On_Unformatted_Device(t *testing.T) {
	t.Parallel()

	mem, err := flash.NewMem(flash.DefaultGeometry())
	require.NoError(t, err)

	fsys, err := flogfs.New(mem, flogfs.Options{})
	require.NoError(t, err)

	require.ErrorIs(t, fsys.Mount(), flogfs.ErrCorrupt)
}
