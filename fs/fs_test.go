package fs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhmu/dogfood-sub000/bio"
	"github.com/zhmu/dogfood-sub000/ext2"
)

// memDisk mirrors ext2's test double: an in-memory Disk backing a small
// throwaway ext2 image, built directly against the bio.Cache rather than
// through a real driver.
type memDisk struct {
	blocks [][bio.BlockSize]byte
}

func (d *memDisk) PerformIO(b *bio.Buffer) error {
	idx := int(b.IOBlockNumber)
	if b.Flags&bio.FlagDirty != 0 {
		d.blocks[idx] = b.Data
	} else {
		b.Data = d.blocks[idx]
	}
	return nil
}

const (
	blockSize     = 1024
	inodesPerGrp  = 64
	totalBlocks   = 256
	inodeTableLen = inodesPerGrp * ext2.InodeSize128 / blockSize
	usedBlocks    = 5 + inodeTableLen
)

func writeRaw(d *memDisk, biosPerBlock, bioBlockNr int, data []byte) {
	for i := 0; i*bio.BlockSize < len(data); i++ {
		lo := i * bio.BlockSize
		hi := lo + bio.BlockSize
		if hi > len(data) {
			hi = len(data)
		}
		copy(d.blocks[bioBlockNr+i][:], data[lo:hi])
	}
}

func mountTestFS(t *testing.T) *FS {
	t.Helper()
	biosPerBlock := blockSize / bio.BlockSize
	d := &memDisk{blocks: make([][bio.BlockSize]byte, totalBlocks*biosPerBlock)}

	sb := &ext2.Superblock{
		InodesCount:     inodesPerGrp,
		BlocksCount:     totalBlocks,
		FreeBlocksCount: totalBlocks - usedBlocks,
		FreeInodesCount: inodesPerGrp - 2,
		FirstDataBlock:  1,
		BlocksPerGroup:  8192,
		InodesPerGroup:  inodesPerGrp,
		Magic_:          ext2.Magic,
		InodeSize:       ext2.InodeSize128,
		State:           ext2.StateClean,
	}
	writeRaw(d, biosPerBlock, 1*biosPerBlock, sb.Encode())

	bg := &ext2.BlockGroup{
		BlockBitmap: 3, InodeBitmap: 4, InodeTable: 5,
		FreeBlocksCount: uint16(sb.FreeBlocksCount),
		FreeInodesCount: uint16(sb.FreeInodesCount),
		UsedDirsCount:   1,
	}
	writeRaw(d, biosPerBlock, 2*biosPerBlock, bg.Encode())

	blockBitmap := make([]byte, blockSize)
	for i := 0; i < usedBlocks; i++ {
		blockBitmap[i/8] |= 1 << (i % 8)
	}
	writeRaw(d, biosPerBlock, int(bg.BlockBitmap)*biosPerBlock, blockBitmap)

	inodeBitmap := make([]byte, blockSize)
	inodeBitmap[0] = 0x03
	writeRaw(d, biosPerBlock, int(bg.InodeBitmap)*biosPerBlock, inodeBitmap)

	root := &ext2.Inode{Mode: ext2.S_IFDIR | 0755, LinksCount: 2}
	rootOff := (ext2.RootInode - 1) * ext2.InodeSize128 // inode 2's byte offset in the table
	rootBlockNr := int(bg.InodeTable)*biosPerBlock + rootOff/bio.BlockSize
	copy(d.blocks[rootBlockNr][rootOff%bio.BlockSize:], root.Encode())

	cache := bio.NewCache(d, 32)
	cache.RegisterDevice(1, 0)

	f := New(cache)
	require.NoError(t, f.Mount(1))
	return f
}

func TestIgetReturnsSameInodeOnRepeatedLookup(t *testing.T) {
	f := mountTestFS(t)
	a, err := f.Iget(1, ext2.RootInode)
	require.NoError(t, err)
	b, err := f.Iget(1, ext2.RootInode)
	require.NoError(t, err)
	require.Same(t, a, b)
	f.Iput(a)
	f.Iput(b)
}

func TestCreateAndNameiRoundTrip(t *testing.T) {
	f := mountTestFS(t)
	root := f.Root()

	_, err := f.CreateRegular(root, "file.txt", 0644)
	require.NoError(t, err)

	in, err := f.Namei("/file.txt", root)
	require.NoError(t, err)
	require.EqualValues(t, ext2.S_IFREG, in.Ext2().Mode&ext2.S_IFMT)
	f.Iput(in)
}

func TestWriteReadAndStat(t *testing.T) {
	f := mountTestFS(t)
	root := f.Root()

	in, err := f.CreateRegular(root, "data", 0644)
	require.NoError(t, err)

	payload := []byte("abcdefgh")
	n, err := f.Write(in, payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = f.Read(in, buf, 0)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])

	st := f.Stat(in)
	require.EqualValues(t, len(payload), st.Size())
	f.Iput(in)
}

func TestNestedDirectoryNamei(t *testing.T) {
	f := mountTestFS(t)
	root := f.Root()

	sub, err := f.CreateDirectory(root, "sub", 0755)
	require.NoError(t, err)
	_, err = f.CreateRegular(sub, "leaf", 0644)
	require.NoError(t, err)
	f.Iput(sub)

	in, err := f.Namei("/sub/leaf", root)
	require.NoError(t, err)
	f.Iput(in)

	_, err = f.Namei("/sub/missing", root)
	require.Error(t, err)
}

func TestSymlinkResolution(t *testing.T) {
	f := mountTestFS(t)
	root := f.Root()

	_, err := f.CreateRegular(root, "real", 0644)
	require.NoError(t, err)
	link, err := f.CreateSymlink(root, "link", "real")
	require.NoError(t, err)

	target, err := f.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, "real", target)
	f.Iput(link)

	// namei treats the final component literally: resolving "/link" itself
	// must not follow the symlink.
	leaf, err := f.Namei("/link", root)
	require.NoError(t, err)
	require.EqualValues(t, ext2.S_IFLNK, leaf.Ext2().Mode&ext2.S_IFMT)
	f.Iput(leaf)
}

func TestUnlinkRemovesEntry(t *testing.T) {
	f := mountTestFS(t)
	root := f.Root()

	_, err := f.CreateRegular(root, "gone", 0644)
	require.NoError(t, err)
	require.NoError(t, f.Unlink(root, "gone"))

	_, err = f.Namei("/gone", root)
	require.Error(t, err)
}

func TestRemoveEmptyDirectory(t *testing.T) {
	f := mountTestFS(t)
	root := f.Root()

	_, err := f.CreateDirectory(root, "empty", 0755)
	require.NoError(t, err)
	require.NoError(t, f.RemoveDirectory(root, "empty"))

	_, err = f.Namei("/empty", root)
	require.Error(t, err)
}
