package signal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/zhmu/dogfood-sub000/bio"
	"github.com/zhmu/dogfood-sub000/ext2"
	"github.com/zhmu/dogfood-sub000/fs"
	"github.com/zhmu/dogfood-sub000/mem"
	"github.com/zhmu/dogfood-sub000/proc"
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
	mem.RegisterMemory(make([]byte, 64*mem.PageSize))
}

func newTestProcess(t *testing.T) (*proc.Table, *fs.FS, *proc.Process) {
	t.Helper()
	withZone(t)
	vfs := mountTestFS(t)
	table := proc.NewTable()
	p, err := table.CreateInitProcess(vfs)
	require.NoError(t, err)
	return table, vfs, p
}

func TestSendMarksPendingAndWakesSleeper(t *testing.T) {
	table, _, p := newTestProcess(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		table.Sleep(p, new(int))
	}()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, proc.Sleeping, p.GetState())

	require.True(t, Send(table, p, int(unix.SIGTERM)))
	wg.Wait()
	require.Equal(t, proc.Runnable, p.GetState())
	require.True(t, HasPending(p))
}

func TestKillRejectsBadArguments(t *testing.T) {
	table, _, p := newTestProcess(t)

	require.Error(t, Kill(table, -1, int(unix.SIGTERM)))
	require.Error(t, Kill(table, p.Pid, 0))
	require.Error(t, Kill(table, 99999, int(unix.SIGTERM)))
	require.NoError(t, Kill(table, p.Pid, int(unix.SIGTERM)))
}

func TestSigActionRoundTrip(t *testing.T) {
	_, _, p := newTestProcess(t)

	old, err := SigAction(p, int(unix.SIGUSR1), &proc.SigAction{Handler: 0x4000, Restorer: 0x5000})
	require.NoError(t, err)
	require.Zero(t, old.Handler)

	cur, err := SigAction(p, int(unix.SIGUSR1), nil)
	require.NoError(t, err)
	require.EqualValues(t, 0x4000, cur.Handler)
}

func TestSigProcMaskBlockUnblockSetmask(t *testing.T) {
	_, _, p := newTestProcess(t)

	blockSet := uint32(1) << 3
	old, err := SigProcMask(p, SIG_BLOCK, &blockSet)
	require.NoError(t, err)
	require.Zero(t, old)
	require.Equal(t, blockSet, p.SigMask())

	unblockSet := blockSet
	_, err = SigProcMask(p, SIG_UNBLOCK, &unblockSet)
	require.NoError(t, err)
	require.Zero(t, p.SigMask())

	full := uint32(0xff)
	_, err = SigProcMask(p, SIG_SETMASK, &full)
	require.NoError(t, err)
	require.Equal(t, full, p.SigMask())
}

func TestDeliverSignalDefaultTerminateExitsProcess(t *testing.T) {
	table, vfs, p := newTestProcess(t)
	require.True(t, Send(table, p, int(unix.SIGTERM)))

	_, delivered := DeliverSignal(table, vfs, p, Frame{Rip: 0x1000, Rsp: 0x2000})
	require.False(t, delivered)
	require.Equal(t, proc.Zombie, p.GetState())
}

func TestDeliverSignalDefaultIgnoreLeavesProcessRunning(t *testing.T) {
	table, vfs, p := newTestProcess(t)
	require.True(t, Send(table, p, int(unix.SIGCHLD)))

	tf := Frame{Rip: 0x1000, Rsp: 0x2000}
	out, delivered := DeliverSignal(table, vfs, p, tf)
	require.False(t, delivered)
	require.Equal(t, tf, out)
	require.NotEqual(t, proc.Zombie, p.GetState())
}

func TestDeliverSignalWithHandlerBuildsSyntheticFrame(t *testing.T) {
	table, vfs, p := newTestProcess(t)
	_, err := SigAction(p, int(unix.SIGUSR1), &proc.SigAction{Handler: 0xdeadbeef})
	require.NoError(t, err)
	require.True(t, Send(table, p, int(unix.SIGUSR1)))

	tf := Frame{Rip: 0x1000, Rsp: 0x2000}
	newTF, delivered := DeliverSignal(table, vfs, p, tf)
	require.True(t, delivered)
	require.EqualValues(t, int(unix.SIGUSR1), newTF.Rdi)
	require.EqualValues(t, 0xdeadbeef, newTF.Rip)
	require.Equal(t, tf.Rsp-8, newTF.Rsp)

	require.Equal(t, tf, SigReturn(tf))
}

func TestDeliverSignalIgnoredHandlerIsSkipped(t *testing.T) {
	table, vfs, p := newTestProcess(t)
	_, err := SigAction(p, int(unix.SIGUSR1), &proc.SigAction{Handler: SIG_IGN})
	require.NoError(t, err)
	require.True(t, Send(table, p, int(unix.SIGUSR1)))

	tf := Frame{Rip: 0x1000, Rsp: 0x2000}
	out, delivered := DeliverSignal(table, vfs, p, tf)
	require.False(t, delivered)
	require.Equal(t, tf, out)
}

func TestExtractPendingSignalPrefersHighestNumbered(t *testing.T) {
	table, _, p := newTestProcess(t)
	require.True(t, Send(table, p, int(unix.SIGHUP)))
	require.True(t, Send(table, p, int(unix.SIGTERM)))

	signo, ok := p.ExtractPendingSignal()
	require.True(t, ok)
	require.Equal(t, int(unix.SIGTERM), signo)

	signo, ok = p.ExtractPendingSignal()
	require.True(t, ok)
	require.Equal(t, int(unix.SIGHUP), signo)

	_, ok = p.ExtractPendingSignal()
	require.False(t, ok)
}
