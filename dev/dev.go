// Package dev implements the kernel's device major/minor table: console,
// /dev/null, and raw disk special files, each reachable by the packed
// device number ext2 special-file inodes store in i_block[0].
package dev

import (
	"bytes"
	"os"
	"sync"

	"github.com/zhmu/dogfood-sub000/bio"
	"github.com/zhmu/dogfood-sub000/kerr"
)

// Well-known device majors, matching the teacher's defs.D_* numbering.
const (
	Console = 1
	Null    = 4
	RawDisk = 5
)

// Mkdev packs a major/minor pair into the single uint32 ext2 stores in a
// special inode's first block pointer.
func Mkdev(major, minor int) uint32 {
	if minor > 0xff {
		panic("dev: bad minor")
	}
	return uint32(major)<<8 | uint32(minor)
}

// Unmkdev unpacks a device number into its major/minor components.
func Unmkdev(d uint32) (int, int) {
	return int(d >> 8), int(uint8(d))
}

// Device is anything reachable through a character special file.
type Device interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

var (
	mu      sync.Mutex
	devices = map[uint32]Device{}
)

// Register installs dev under (major,minor); subsequent Lookup calls for
// that pair return it.
func Register(major, minor int, d Device) {
	mu.Lock()
	defer mu.Unlock()
	devices[Mkdev(major, minor)] = d
}

// Lookup finds the device registered for a packed device number.
func Lookup(packed uint32) (Device, error) {
	mu.Lock()
	defer mu.Unlock()
	d, ok := devices[packed]
	if !ok {
		return nil, kerr.New("dev.Lookup", kerr.NoDevice)
	}
	return d, nil
}

// NullDevice implements /dev/null: writes are discarded, reads return EOF.
type NullDevice struct{}

func (NullDevice) Read([]byte) (int, error)        { return 0, nil }
func (NullDevice) Write(buf []byte) (int, error)    { return len(buf), nil }

// ConsoleDevice is a text sink/source backed by an in-memory
// bytes.Buffer (writes append, reads drain what was written), with no
// line buffering, standing in for the real UART/VGA console driver the
// spec places out of scope.
type ConsoleDevice struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *ConsoleDevice) Write(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(buf)
}

func (c *ConsoleDevice) Read(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Read(buf)
}

// FileDisk implements bio.Disk over a regular file, standing in for the
// raw IDE/AHCI transfer the spec places out of scope: PerformIO is one
// blocking pread/pwrite at the buffer's already-resolved block number.
type FileDisk struct {
	f *os.File
}

// OpenFileDisk opens path as a FileDisk's backing store.
func OpenFileDisk(path string, flag int) (*FileDisk, error) {
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, kerr.Wrap("dev.OpenFileDisk", kerr.IOError, err)
	}
	return &FileDisk{f: f}, nil
}

// PerformIO reads or writes buf.Data at buf.IOBlockNumber*bio.BlockSize,
// satisfying bio.Disk.
func (d *FileDisk) PerformIO(buf *bio.Buffer) error {
	off := int64(buf.IOBlockNumber) * bio.BlockSize
	if buf.Flags&bio.FlagDirty != 0 {
		if _, err := d.f.WriteAt(buf.Data[:], off); err != nil {
			return kerr.Wrap("dev.FileDisk.PerformIO", kerr.IOError, err)
		}
		return nil
	}
	n, err := d.f.ReadAt(buf.Data[:], off)
	if err != nil && n < len(buf.Data) {
		// A read past a freshly truncated image's end is zero-filled
		// rather than treated as an error, matching a sparse-file disk.
		for i := n; i < len(buf.Data); i++ {
			buf.Data[i] = 0
		}
	}
	return nil
}

// Close closes the backing file.
func (d *FileDisk) Close() error { return d.f.Close() }
