package dev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhmu/dogfood-sub000/bio"
)

func TestFileDiskWriteThenReadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4*bio.BlockSize), 0644))

	d, err := OpenFileDisk(path, os.O_RDWR)
	require.NoError(t, err)
	defer d.Close()

	write := &bio.Buffer{IOBlockNumber: 2, Flags: bio.FlagDirty}
	copy(write.Data[:], "hello")
	require.NoError(t, d.PerformIO(write))

	read := &bio.Buffer{IOBlockNumber: 2}
	require.NoError(t, d.PerformIO(read))
	require.Equal(t, "hello", string(read.Data[:5]))
}

func TestFileDiskReadPastEndZeroFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, bio.BlockSize), 0644))

	d, err := OpenFileDisk(path, os.O_RDWR)
	require.NoError(t, err)
	defer d.Close()

	read := &bio.Buffer{IOBlockNumber: 5}
	require.NoError(t, d.PerformIO(read))
	for _, b := range read.Data {
		require.Equal(t, byte(0), b)
	}
}
