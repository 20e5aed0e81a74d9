package sysdispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/zhmu/dogfood-sub000/bio"
	"github.com/zhmu/dogfood-sub000/ext2"
	"github.com/zhmu/dogfood-sub000/fs"
	"github.com/zhmu/dogfood-sub000/mem"
	"github.com/zhmu/dogfood-sub000/proc"
	"github.com/zhmu/dogfood-sub000/signal"
)

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

func mountTestFS(t *testing.T) *fs.FS {
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

	f := fs.New(cache)
	require.NoError(t, f.Mount(1))
	return f
}

func withZone(t *testing.T) {
	t.Helper()
	mem.ResetForTest()
	mem.RegisterMemory(make([]byte, 256*mem.PageSize))
}

// newTestProcess mounts a fresh ext2 image and returns a runnable init
// process with its own address space, matching the fixture every other
// package's tests build against.
func newTestProcess(t *testing.T) (*proc.Table, *fs.FS, *proc.Process) {
	t.Helper()
	withZone(t)
	vfs := mountTestFS(t)
	table := proc.NewTable()
	p, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)
	return table, vfs, p
}

// scratchVA is an arbitrary mapped address used as a scratch buffer for
// syscall arguments that take a user pointer.
func scratchVA(t *testing.T, p *proc.Process, length int) uintptr {
	t.Helper()
	va, err := p.Space.MmapAnon(length)
	require.NoError(t, err)
	for off := 0; off < length; off += mem.PageSize {
		require.True(t, p.Space.HandlePageFault(nil, va+uintptr(off)))
	}
	return va
}

func writeUserString(t *testing.T, p *proc.Process, va uintptr, s string) {
	t.Helper()
	buf := append([]byte(s), 0)
	require.NoError(t, p.Space.Write(buf, va))
}

func TestOpenWriteReadClose(t *testing.T) {
	table, vfs, p := newTestProcess(t)

	pathVA := scratchVA(t, p, 64)
	writeUserString(t, p, pathVA, "/hello.txt")

	fdNum := Dispatch(table, vfs, p, &Frame{
		Num:  SYS_open,
		Arg1: uint64(pathVA),
		Arg2: uint64(O_CREAT | O_RDWR),
		Arg3: 0644,
	})
	require.GreaterOrEqual(t, fdNum, int64(0))

	dataVA := scratchVA(t, p, 64)
	writeUserString(t, p, dataVA, "hi there")

	n := Dispatch(table, vfs, p, &Frame{
		Num:  SYS_write,
		Arg1: uint64(fdNum),
		Arg2: uint64(dataVA),
		Arg3: 8,
	})
	require.Equal(t, int64(8), n)

	// rewind via seek before reading back
	offVA := scratchVA(t, p, 8)
	require.NoError(t, p.Space.Write(make([]byte, 8), offVA))
	rc := Dispatch(table, vfs, p, &Frame{Num: SYS_seek, Arg1: uint64(fdNum), Arg2: uint64(offVA), Arg3: SEEK_SET})
	require.Equal(t, int64(0), rc)

	readVA := scratchVA(t, p, 64)
	n = Dispatch(table, vfs, p, &Frame{
		Num:  SYS_read,
		Arg1: uint64(fdNum),
		Arg2: uint64(readVA),
		Arg3: 8,
	})
	require.Equal(t, int64(8), n)

	got := make([]byte, 8)
	require.NoError(t, p.Space.Read(got, readVA))
	require.Equal(t, "hi there", string(got))

	rc = Dispatch(table, vfs, p, &Frame{Num: SYS_close, Arg1: uint64(fdNum)})
	require.Equal(t, int64(0), rc)
}

func TestMkdirChdirGetcwd(t *testing.T) {
	table, vfs, p := newTestProcess(t)

	pathVA := scratchVA(t, p, 64)
	writeUserString(t, p, pathVA, "/sub")
	rc := Dispatch(table, vfs, p, &Frame{Num: SYS_mkdir, Arg1: uint64(pathVA), Arg2: 0755})
	require.Equal(t, int64(0), rc)

	rc = Dispatch(table, vfs, p, &Frame{Num: SYS_chdir, Arg1: uint64(pathVA)})
	require.Equal(t, int64(0), rc)

	cwdVA := scratchVA(t, p, 64)
	rc = Dispatch(table, vfs, p, &Frame{Num: SYS_getcwd, Arg1: uint64(cwdVA), Arg2: 64})
	require.Equal(t, int64(0), rc)

	got := make([]byte, 5)
	require.NoError(t, p.Space.Read(got, cwdVA))
	require.Equal(t, "/sub\x00", string(got))
}

func TestDupAndDup2(t *testing.T) {
	table, vfs, p := newTestProcess(t)

	pathVA := scratchVA(t, p, 64)
	writeUserString(t, p, pathVA, "/a.txt")
	fdNum := Dispatch(table, vfs, p, &Frame{Num: SYS_open, Arg1: uint64(pathVA), Arg2: uint64(O_CREAT | O_RDWR), Arg3: 0644})
	require.GreaterOrEqual(t, fdNum, int64(0))

	dupFd := Dispatch(table, vfs, p, &Frame{Num: SYS_dup, Arg1: uint64(fdNum)})
	require.GreaterOrEqual(t, dupFd, int64(0))
	require.NotEqual(t, fdNum, dupFd)

	rc := Dispatch(table, vfs, p, &Frame{Num: SYS_dup2, Arg1: uint64(fdNum), Arg2: 9})
	require.Equal(t, int64(9), rc)
}

func TestFstat(t *testing.T) {
	table, vfs, p := newTestProcess(t)

	pathVA := scratchVA(t, p, 64)
	writeUserString(t, p, pathVA, "/st.txt")
	fdNum := Dispatch(table, vfs, p, &Frame{Num: SYS_open, Arg1: uint64(pathVA), Arg2: uint64(O_CREAT | O_RDWR), Arg3: 0644})
	require.GreaterOrEqual(t, fdNum, int64(0))

	statVA := scratchVA(t, p, 128)
	rc := Dispatch(table, vfs, p, &Frame{Num: SYS_fstat, Arg1: uint64(fdNum), Arg2: uint64(statVA)})
	require.Equal(t, int64(0), rc)
}

func TestLinkSymlinkReadlink(t *testing.T) {
	table, vfs, p := newTestProcess(t)

	srcVA := scratchVA(t, p, 64)
	writeUserString(t, p, srcVA, "/src.txt")
	fdNum := Dispatch(table, vfs, p, &Frame{Num: SYS_open, Arg1: uint64(srcVA), Arg2: uint64(O_CREAT | O_RDWR), Arg3: 0644})
	require.GreaterOrEqual(t, fdNum, int64(0))

	hardVA := scratchVA(t, p, 64)
	writeUserString(t, p, hardVA, "/hard.txt")
	rc := Dispatch(table, vfs, p, &Frame{Num: SYS_link, Arg1: uint64(srcVA), Arg2: uint64(hardVA)})
	require.Equal(t, int64(0), rc)

	symVA := scratchVA(t, p, 64)
	writeUserString(t, p, symVA, "/sym.txt")
	targetVA := scratchVA(t, p, 64)
	writeUserString(t, p, targetVA, "/src.txt")
	rc = Dispatch(table, vfs, p, &Frame{Num: SYS_symlink, Arg1: uint64(targetVA), Arg2: uint64(symVA)})
	require.Equal(t, int64(0), rc)

	readBackVA := scratchVA(t, p, 64)
	n := Dispatch(table, vfs, p, &Frame{Num: SYS_readlink, Arg1: uint64(symVA), Arg2: uint64(readBackVA), Arg3: 64})
	require.Equal(t, int64(len("/src.txt")), n)

	got := make([]byte, len("/src.txt"))
	require.NoError(t, p.Space.Read(got, readBackVA))
	require.Equal(t, "/src.txt", string(got))
}

func TestPipeRoundTrip(t *testing.T) {
	table, vfs, p := newTestProcess(t)

	fdsVA := scratchVA(t, p, 8)
	rc := Dispatch(table, vfs, p, &Frame{Num: SYS_pipe, Arg1: uint64(fdsVA)})
	require.Equal(t, int64(0), rc)

	fdsBuf := make([]byte, 8)
	require.NoError(t, p.Space.Read(fdsBuf, fdsVA))
	readFd := int64(uint32(fdsBuf[0]) | uint32(fdsBuf[1])<<8 | uint32(fdsBuf[2])<<16 | uint32(fdsBuf[3])<<24)
	writeFd := int64(uint32(fdsBuf[4]) | uint32(fdsBuf[5])<<8 | uint32(fdsBuf[6])<<16 | uint32(fdsBuf[7])<<24)

	dataVA := scratchVA(t, p, 64)
	writeUserString(t, p, dataVA, "ping")
	n := Dispatch(table, vfs, p, &Frame{Num: SYS_write, Arg1: uint64(writeFd), Arg2: uint64(dataVA), Arg3: 4})
	require.Equal(t, int64(4), n)

	readVA := scratchVA(t, p, 64)
	n = Dispatch(table, vfs, p, &Frame{Num: SYS_read, Arg1: uint64(readFd), Arg2: uint64(readVA), Arg3: 4})
	require.Equal(t, int64(4), n)

	got := make([]byte, 4)
	require.NoError(t, p.Space.Read(got, readVA))
	require.Equal(t, "ping", string(got))
}

func TestSigactionSigprocmaskKill(t *testing.T) {
	table, vfs, p := newTestProcess(t)

	actionVA := scratchVA(t, p, 24)
	raw := make([]byte, 24)
	raw[0] = 0xef
	raw[1] = 0xbe
	raw[2] = 0xad
	raw[3] = 0xde
	require.NoError(t, p.Space.Write(raw, actionVA))

	rc := Dispatch(table, vfs, p, &Frame{Num: SYS_sigaction, Arg1: uint64(unix.SIGUSR1), Arg2: uint64(actionVA)})
	require.Equal(t, int64(0), rc)

	oldVA := scratchVA(t, p, 24)
	setVA := scratchVA(t, p, 4)
	require.NoError(t, p.Space.Write([]byte{1, 0, 0, 0}, setVA))
	rc = Dispatch(table, vfs, p, &Frame{Num: SYS_sigprocmask, Arg1: uint64(signal.SIG_BLOCK), Arg2: uint64(setVA), Arg3: uint64(oldVA)})
	require.Equal(t, int64(0), rc)

	rc = Dispatch(table, vfs, p, &Frame{Num: SYS_kill, Arg1: uint64(p.Pid), Arg2: uint64(unix.SIGTERM)})
	require.Equal(t, int64(0), rc)
}

func TestCloneWaitpidExit(t *testing.T) {
	table, vfs, p := newTestProcess(t)

	childPid := Dispatch(table, vfs, p, &Frame{Num: SYS_clone})
	require.Greater(t, childPid, int64(0))

	child := table.Lookup(int(childPid))
	require.NotNil(t, child)
	Dispatch(table, vfs, child, &Frame{Num: SYS_exit, Arg1: 7})

	statusVA := scratchVA(t, p, 8)
	pid := Dispatch(table, vfs, p, &Frame{Num: SYS_waitpid, Arg2: uint64(statusVA)})
	require.Equal(t, childPid, pid)
}

func TestVmopMapUnmap(t *testing.T) {
	table, vfs, p := newTestProcess(t)

	const mapLen = 4096
	optsVA := scratchVA(t, p, 24)
	raw := make([]byte, 24)
	raw[0] = OP_MAP
	raw[16], raw[17] = byte(mapLen), byte(mapLen>>8)
	require.NoError(t, p.Space.Write(raw, optsVA))

	rc := Dispatch(table, vfs, p, &Frame{Num: SYS_vmop, Arg1: uint64(optsVA)})
	require.Equal(t, int64(0), rc)

	mapped := make([]byte, 24)
	require.NoError(t, p.Space.Read(mapped, optsVA))
	mappedAddr := uint64(mapped[8]) | uint64(mapped[9])<<8 | uint64(mapped[10])<<16 | uint64(mapped[11])<<24 |
		uint64(mapped[12])<<32 | uint64(mapped[13])<<40 | uint64(mapped[14])<<48 | uint64(mapped[15])<<56
	require.NotZero(t, mappedAddr)

	unmapOpts := make([]byte, 24)
	unmapOpts[0] = OP_UNMAP
	copy(unmapOpts[8:16], mapped[8:16])
	unmapOpts[16], unmapOpts[17] = byte(mapLen), byte(mapLen>>8)
	unmapVA := scratchVA(t, p, 24)
	require.NoError(t, p.Space.Write(unmapOpts, unmapVA))

	rc = Dispatch(table, vfs, p, &Frame{Num: SYS_vmop, Arg1: uint64(unmapVA)})
	require.Equal(t, int64(0), rc)
}

func TestProcinfo(t *testing.T) {
	table, vfs, p := newTestProcess(t)

	bufVA := scratchVA(t, p, 4096)
	n := Dispatch(table, vfs, p, &Frame{Num: SYS_procinfo, Arg1: uint64(bufVA), Arg2: 4096})
	require.Greater(t, n, int64(0))
}

func TestStubSyscallsReturnDocumentedSentinels(t *testing.T) {
	table, vfs, p := newTestProcess(t)

	require.Equal(t, int64(0), Dispatch(table, vfs, p, &Frame{Num: SYS_getuid}))
	require.Equal(t, int64(0), Dispatch(table, vfs, p, &Frame{Num: SYS_getpgrp}))
	require.Equal(t, int64(0), Dispatch(table, vfs, p, &Frame{Num: SYS_setsid}))
	require.Less(t, Dispatch(table, vfs, p, &Frame{Num: SYS_ioctl}), int64(0))
	require.Equal(t, int64(p.Pid), Dispatch(table, vfs, p, &Frame{Num: SYS_getpid}))
}
