// Command kernel is the boot entry point: it brings every subsystem up
// in dependency order (mem, bio, ext2/fs, vm, proc, signal, sysdispatch)
// against a disk image built by cmd/mkfs, then drives pid 1 through a
// fixed startup script of syscalls the way a real boot would drive a
// freshly exec'd init binary.
//
// There is no CPU here to trap into this process from hardware, so this
// stands in for that trap: it is both "userland" issuing the calls and
// the dispatcher servicing them, the same relationship proc.Table.Schedule
// documents ("whatever executes user code is expected to call Schedule
// in a loop and run the process it returns").
package main

import (
	"flag"
	"log"
	"os"

	"github.com/zhmu/dogfood-sub000/bio"
	"github.com/zhmu/dogfood-sub000/dev"
	"github.com/zhmu/dogfood-sub000/fs"
	"github.com/zhmu/dogfood-sub000/kernel/ktrap"
	"github.com/zhmu/dogfood-sub000/mem"
	"github.com/zhmu/dogfood-sub000/proc"
	"github.com/zhmu/dogfood-sub000/signal"
	"github.com/zhmu/dogfood-sub000/sysdispatch"
)

const rootDev = 0

func main() {
	diskPath := flag.String("disk", "", "path to an ext2 image built by cmd/mkfs (required)")
	memMB := flag.Int("memmb", 16, "page-allocator memory pool size, in megabytes")
	buffers := flag.Int("buffers", 64, "bio cache buffer count")
	flag.Parse()

	if *diskPath == "" {
		log.Fatal("kernel: -disk is required")
	}

	disk, err := dev.OpenFileDisk(*diskPath, os.O_RDWR)
	if err != nil {
		log.Fatalf("kernel: %v", err)
	}
	defer disk.Close()

	mem.RegisterMemory(make([]byte, *memMB*1024*1024))

	cache := bio.NewCache(disk, *buffers)
	cache.RegisterDevice(rootDev, 0)

	vfs := fs.New(cache)
	if err := vfs.Mount(rootDev); err != nil {
		log.Fatalf("kernel: mount: %v", err)
	}

	dev.Register(dev.Console, 0, &dev.ConsoleDevice{})
	dev.Register(dev.Null, 0, dev.NullDevice{})

	table := proc.NewTable()
	if _, err := table.CreateInitProcess(vfs); err != nil {
		log.Fatalf("kernel: creating init process: %v", err)
	}

	scheduled := table.Schedule()
	if scheduled == nil {
		log.Fatal("kernel: scheduler returned no runnable process")
	}
	runInit(table, vfs, scheduled)
}

// runInit plays a fixed script of syscalls on behalf of pid 1: announce
// itself on the console, publish a kstat occupancy snapshot through
// procinfo, probe a deliberately unmapped address to exercise the
// unresolved-fault diagnostic, then exit(0).
func runInit(table *proc.Table, vfs *fs.FS, p *proc.Process) {
	msg := []byte("dogfood: init running\n")
	msgVA, err := p.Space.MmapAnon(len(msg))
	if err != nil {
		log.Fatalf("kernel: mmap: %v", err)
	}
	faultIn(p, msgVA, len(msg))
	if err := p.Space.Write(msg, msgVA); err != nil {
		log.Fatalf("kernel: %v", err)
	}

	tf := sysdispatch.Frame{Num: sysdispatch.SYS_write, Arg1: 1, Arg2: uint64(msgVA), Arg3: uint64(len(msg))}
	if n := sysdispatch.Dispatch(table, vfs, p, &tf); n < 0 {
		log.Printf("kernel: console write failed: errno=%d", -n)
	}
	tf = advance(table, vfs, p, tf)

	const profileBufLen = 1 << 16
	profVA, err := p.Space.MmapAnon(profileBufLen)
	if err != nil {
		log.Fatalf("kernel: mmap: %v", err)
	}
	faultIn(p, profVA, profileBufLen)

	tf = sysdispatch.Frame{Num: sysdispatch.SYS_procinfo, Arg1: uint64(profVA), Arg2: profileBufLen}
	if n := sysdispatch.Dispatch(table, vfs, p, &tf); n < 0 {
		log.Printf("kernel: procinfo failed: errno=%d", -n)
	} else {
		log.Printf("kernel: procinfo snapshot captured (%d bytes)", n)
	}
	tf = advance(table, vfs, p, tf)

	// A page nobody ever mapped: HandlePageFault must refuse it, and the
	// diagnostic path prints the would-be kill report instead of any
	// process actually dying, since this is pid 1 itself probing.
	const unmapped = 0x7fff00000000
	if !p.Space.HandlePageFault(vfs, unmapped) {
		report := ktrap.FaultReport(p.Pid, unmapped, tf.Rip, []byte{0xcc}) // INT3
		log.Printf("kernel: %s", report)
	}

	tf = sysdispatch.Frame{Num: sysdispatch.SYS_exit, Arg1: 0}
	sysdispatch.Dispatch(table, vfs, p, &tf)
}

// faultIn walks every page in [va, va+length) through HandlePageFault, the
// step a real page fault would perform lazily on first touch; runInit
// does it eagerly since there is no trap to defer to.
func faultIn(p *proc.Process, va uintptr, length int) {
	for off := 0; off < length; off += mem.PageSize {
		p.Space.HandlePageFault(nil, va+uintptr(off))
	}
}

// advance runs pending-signal delivery after a syscall, the same
// Dispatch-then-DeliverSignal sequence sysdispatch.Frame's doc comment
// describes, and folds any rewritten resume point back into tf.
func advance(table *proc.Table, vfs *fs.FS, p *proc.Process, tf sysdispatch.Frame) sysdispatch.Frame {
	sigTF, delivered := signal.DeliverSignal(table, vfs, p, signal.Frame{Rip: tf.Rip, Rsp: tf.Rsp})
	if delivered {
		tf.Rip, tf.Rsp = sigTF.Rip, sigTF.Rsp
	}
	return tf
}
