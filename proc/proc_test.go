package proc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhmu/dogfood-sub000/bio"
	"github.com/zhmu/dogfood-sub000/dev"
	"github.com/zhmu/dogfood-sub000/ext2"
	"github.com/zhmu/dogfood-sub000/fd"
	"github.com/zhmu/dogfood-sub000/fs"
	"github.com/zhmu/dogfood-sub000/mem"
)

// memDisk mirrors ext2's and fs's test double: an in-memory Disk backing
// a small throwaway ext2 image built directly against the bio.Cache.
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
	mem.RegisterMemory(make([]byte, 64*mem.PageSize))
}

func TestCreateInitProcessWiresConsoleAndCwd(t *testing.T) {
	withZone(t)
	dev.Register(dev.Console, 0, &dev.ConsoleDevice{})
	vfs := mountTestFS(t)

	table := NewTable()
	init, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)
	require.Equal(t, 1, init.Pid)
	require.Equal(t, Runnable, init.State)
	require.NotNil(t, init.Fds[0])
	require.NotNil(t, init.Fds[1])
	require.NotNil(t, init.Fds[2])
	require.NotNil(t, init.Cwd)
}

func TestForkClonesAddressSpaceAndFiles(t *testing.T) {
	withZone(t)
	vfs := mountTestFS(t)
	table := NewTable()
	parent, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)

	addr, err := parent.Space.MmapAnon(mem.PageSize)
	require.NoError(t, err)
	require.True(t, parent.Space.HandlePageFault(nil, addr))
	require.NoError(t, parent.Space.Write([]byte("parent"), addr))

	child, err := table.Fork(vfs, parent)
	require.NoError(t, err)
	require.Equal(t, parent.Pid, child.Ppid)
	require.NotSame(t, parent.Space, child.Space)

	require.NoError(t, child.Space.Write([]byte("CHILD!"), addr))
	buf := make([]byte, 6)
	require.NoError(t, parent.Space.Read(buf, addr))
	require.Equal(t, "parent", string(buf))
}

func TestForkSkipsCloexecFds(t *testing.T) {
	withZone(t)
	vfs := mountTestFS(t)
	table := NewTable()
	parent, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)

	root := vfs.Root()
	vfs.Iref(root)
	n, err := parent.AllocFd(fd.MkInodeFd(root, fd.FD_READ|fd.FD_CLOEXEC))
	require.NoError(t, err)

	child, err := table.Fork(vfs, parent)
	require.NoError(t, err)
	require.Nil(t, child.Fds[n])
	require.NotNil(t, parent.Fds[n])
}

func TestExitThenWaitPidReturnsStatus(t *testing.T) {
	withZone(t)
	vfs := mountTestFS(t)
	table := NewTable()
	parent, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)
	child, err := table.Fork(vfs, parent)
	require.NoError(t, err)

	table.Exit(vfs, child, 42)

	pid, status, err := table.WaitPid(parent)
	require.NoError(t, err)
	require.Equal(t, child.Pid, pid)
	require.Equal(t, 42, status)
	require.Equal(t, Unused, child.State)
}

func TestWaitPidReturnsNoChildrenWhenNoneExist(t *testing.T) {
	withZone(t)
	vfs := mountTestFS(t)
	table := NewTable()
	parent, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)

	_, _, err = table.WaitPid(parent)
	require.Error(t, err)
}

func TestWaitPidBlocksUntilChildExits(t *testing.T) {
	withZone(t)
	vfs := mountTestFS(t)
	table := NewTable()
	parent, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)
	child, err := table.Fork(vfs, parent)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		pid, _, err := table.WaitPid(parent)
		require.NoError(t, err)
		done <- pid
	}()

	time.Sleep(10 * time.Millisecond)
	table.Exit(vfs, child, 7)

	select {
	case pid := <-done:
		require.Equal(t, child.Pid, pid)
	case <-time.After(time.Second):
		t.Fatal("WaitPid never woke up")
	}
}

func TestKillMarksPendingSignal(t *testing.T) {
	withZone(t)
	vfs := mountTestFS(t)
	table := NewTable()
	p, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)

	require.NoError(t, table.Kill(p.Pid, 9))
	require.NotZero(t, p.PendingSignals()&(1<<8))
	p.ClearSignal(9)
	require.Zero(t, p.PendingSignals()&(1<<8))

	require.Error(t, table.Kill(p.Pid, 99))
	require.Error(t, table.Kill(12345, 9))
}

func TestScheduleReturnsOnlyRunnableProcesses(t *testing.T) {
	withZone(t)
	vfs := mountTestFS(t)
	table := NewTable()
	p, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)

	picked := table.Schedule()
	require.Same(t, p, picked)
	require.Equal(t, Running, p.State)

	require.Nil(t, table.Schedule())
}

func TestSleepWakeupRoundTrip(t *testing.T) {
	withZone(t)
	vfs := mountTestFS(t)
	table := NewTable()
	p, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)

	ch := new(int)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		table.Sleep(p, ch)
	}()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, Sleeping, p.State)

	table.Wakeup(ch)
	wg.Wait()
	require.Equal(t, Runnable, p.State)
}

func TestAllocFdUsesLowestFreeSlotThenCloseFreesIt(t *testing.T) {
	withZone(t)
	dev.Register(dev.Console, 0, &dev.ConsoleDevice{})
	vfs := mountTestFS(t)
	table := NewTable()
	p, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)

	root := vfs.Root()
	in, err := vfs.CreateRegular(root, "f", 0644)
	require.NoError(t, err)

	// stdin/stdout/stderr occupy 0-2, so the next free slot is 3.
	n, err := p.AllocFd(fd.MkInodeFd(in, fd.FD_READ|fd.FD_WRITE))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, p.CloseFd(vfs, n))
	_, err = p.Fd(n)
	require.Error(t, err)
}
