package sysdispatch

import (
	"bytes"
	"encoding/binary"
	"path"
	"time"

	"github.com/zhmu/dogfood-sub000/ext2"
	"github.com/zhmu/dogfood-sub000/fd"
	"github.com/zhmu/dogfood-sub000/fs"
	"github.com/zhmu/dogfood-sub000/kerr"
	"github.com/zhmu/dogfood-sub000/kernel/kstat"
	"github.com/zhmu/dogfood-sub000/pipe"
	"github.com/zhmu/dogfood-sub000/proc"
	"github.com/zhmu/dogfood-sub000/signal"
	"github.com/zhmu/dogfood-sub000/stat"
	"github.com/zhmu/dogfood-sub000/ustr"
	"github.com/zhmu/dogfood-sub000/vm"
)

func asErrno(c kerr.Code) uintptr { return uintptr(kerr.Errno(c)) }

func errno(err error) int64 {
	if err == nil {
		return 0
	}
	return -int64(kerr.ToErrno(err))
}

// maxCStringLen bounds readCString's scan so a missing NUL terminator in
// a malformed user buffer can't spin the kernel forever.
const maxCStringLen = 4096

// readCString copies a NUL-terminated string out of space starting at
// va, 256 bytes at a time.
func readCString(space *vm.Space, va uintptr) (string, error) {
	var out []byte
	chunk := make([]byte, 256)
	for len(out) < maxCStringLen {
		if err := space.Read(chunk, va+uintptr(len(out))); err != nil {
			return "", kerr.Wrap("sysdispatch.readCString", kerr.MemoryFault, err)
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk...)
	}
	return "", kerr.New("sysdispatch.readCString", kerr.NameTooLong)
}

// splitParent resolves the directory containing path and returns it
// alongside the final path component's name, the Go analogue of the
// teacher's habit of letting fs::namei walk everything but the last
// component internally.
func splitParent(vfs *fs.FS, cwd *fs.Inode, pathStr string) (*fs.Inode, string, error) {
	dir, err := vfs.Namei(path.Dir(pathStr), cwd)
	if err != nil {
		return nil, "", err
	}
	return dir, path.Base(pathStr), nil
}

func doReadWrite(vfs *fs.FS, p *proc.Process, tf Frame, write bool) int64 {
	f, err := p.Fd(int(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	va := uintptr(tf.Arg2)
	n := int(tf.Arg3)
	if n < 0 {
		return errno(kerr.New("sysdispatch.readwrite", kerr.InvalidArgument))
	}
	buf := make([]byte, n)
	if write {
		if err := p.Space.Read(buf, va); err != nil {
			return errno(kerr.Wrap("sysdispatch.write", kerr.MemoryFault, err))
		}
		written, err := f.Write(buf, vfs)
		if err != nil {
			return errno(err)
		}
		return int64(written)
	}
	nread, err := f.Read(buf, vfs)
	if err != nil {
		return errno(err)
	}
	if err := p.Space.Write(buf[:nread], va); err != nil {
		return errno(kerr.Wrap("sysdispatch.read", kerr.MemoryFault, err))
	}
	return int64(nread)
}

func doOpen(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	pathStr, err := readCString(p.Space, uintptr(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	flags := int(tf.Arg2)
	mode := uint16(tf.Arg3) & 0777

	in, err := vfs.Namei(pathStr, p.Cwd.Inode)
	if err != nil {
		if flags&O_CREAT == 0 {
			return errno(err)
		}
		dir, name, perr := splitParent(vfs, p.Cwd.Inode, pathStr)
		if perr != nil {
			return errno(perr)
		}
		in, err = vfs.CreateRegular(dir, name, mode)
		vfs.Iput(dir)
		if err != nil {
			return errno(err)
		}
	} else if flags&(O_CREAT|O_EXCL) == O_CREAT|O_EXCL {
		vfs.Iput(in)
		return errno(kerr.New("sysdispatch.open", kerr.AlreadyExists))
	} else if flags&O_TRUNC != 0 {
		if err := vfs.Truncate(in); err != nil {
			vfs.Iput(in)
			return errno(err)
		}
	}

	perms := 0
	switch {
	case flags&O_RDWR != 0:
		perms = fd.FD_READ | fd.FD_WRITE
	case flags&O_WRONLY != 0:
		perms = fd.FD_WRITE
	default:
		perms = fd.FD_READ
	}
	if flags&O_CLOEXEC != 0 {
		perms |= fd.FD_CLOEXEC
	}
	n, err := p.AllocFd(fd.MkInodeFd(in, perms))
	if err != nil {
		vfs.Iput(in)
		return errno(err)
	}
	return int64(n)
}

func doUnlinkLike(vfs *fs.FS, p *proc.Process, tf Frame, op func(dir *fs.Inode, name string) error) int64 {
	pathStr, err := readCString(p.Space, uintptr(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	dir, name, err := splitParent(vfs, p.Cwd.Inode, pathStr)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(dir)
	return errno(op(dir, name))
}

func doMkdir(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	pathStr, err := readCString(p.Space, uintptr(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	dir, name, err := splitParent(vfs, p.Cwd.Inode, pathStr)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(dir)
	in, err := vfs.CreateDirectory(dir, name, uint16(tf.Arg2)&0777)
	if err != nil {
		return errno(err)
	}
	vfs.Iput(in)
	return 0
}

func doSeek(p *proc.Process, tf Frame) int64 {
	f, err := p.Fd(int(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	var offset int64
	if err := readInt64(p.Space, uintptr(tf.Arg2), &offset); err != nil {
		return errno(err)
	}
	newOffset, err := f.Seek(offset, int(tf.Arg3))
	if err != nil {
		return errno(err)
	}
	if err := writeInt64(p.Space, uintptr(tf.Arg2), newOffset); err != nil {
		return errno(kerr.Wrap("sysdispatch.seek", kerr.MemoryFault, err))
	}
	return 0
}

func readInt64(space *vm.Space, va uintptr, out *int64) error {
	var buf [8]byte
	if err := space.Read(buf[:], va); err != nil {
		return kerr.Wrap("sysdispatch.readInt64", kerr.MemoryFault, err)
	}
	*out = int64(binary.LittleEndian.Uint64(buf[:]))
	return nil
}

func writeInt64(space *vm.Space, va uintptr, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return space.Write(buf[:], va)
}

func doWaitPid(table *proc.Table, p *proc.Process, tf Frame) int64 {
	pid, status, err := table.WaitPid(p)
	if err != nil {
		return errno(err)
	}
	if tf.Arg2 != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(status))
		if err := p.Space.Write(buf[:], uintptr(tf.Arg2)); err != nil {
			return errno(kerr.Wrap("sysdispatch.waitpid", kerr.MemoryFault, err))
		}
	}
	return int64(pid)
}

// vmopOptions mirrors <dogfood/vmop.h>'s VMOP_OPTIONS, encoded
// little-endian the way ext2's on-disk structures already are.
type vmopOptions struct {
	Op    uint32
	Flags uint32
	Addr  uint64
	Len   uint64
}

func doVmop(p *proc.Process, tf Frame) int64 {
	var raw [24]byte
	if err := p.Space.Read(raw[:], uintptr(tf.Arg1)); err != nil {
		return errno(kerr.Wrap("sysdispatch.vmop", kerr.MemoryFault, err))
	}
	opts := vmopOptions{
		Op:    binary.LittleEndian.Uint32(raw[0:4]),
		Flags: binary.LittleEndian.Uint32(raw[4:8]),
		Addr:  binary.LittleEndian.Uint64(raw[8:16]),
		Len:   binary.LittleEndian.Uint64(raw[16:24]),
	}

	switch opts.Op {
	case OP_MAP:
		addr, err := p.Space.MmapAnon(int(opts.Len))
		if err != nil {
			return errno(err)
		}
		binary.LittleEndian.PutUint64(raw[8:16], uint64(addr))
		if err := p.Space.Write(raw[:], uintptr(tf.Arg1)); err != nil {
			return errno(kerr.Wrap("sysdispatch.vmop", kerr.MemoryFault, err))
		}
		return 0
	case OP_UNMAP:
		if err := p.Space.MunmapAnon(uintptr(opts.Addr), int(opts.Len)); err != nil {
			return errno(err)
		}
		return 0
	default:
		return errno(kerr.New("sysdispatch.vmop", kerr.InvalidArgument))
	}
}

func doDup(vfs *fs.FS, p *proc.Process, oldfd, newfd int) int64 {
	f, err := p.Fd(oldfd)
	if err != nil {
		return errno(err)
	}
	dup := fd.Copyfd(f, vfs)
	if newfd < 0 {
		n, err := p.AllocFd(dup)
		if err != nil {
			return errno(err)
		}
		return int64(n)
	}
	p.CloseFd(vfs, newfd) // best-effort; an empty slot returns an error we ignore
	if err := p.InstallFd(newfd, dup); err != nil {
		return errno(err)
	}
	return int64(newfd)
}

func doRename(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	oldPath, err := readCString(p.Space, uintptr(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	newPath, err := readCString(p.Space, uintptr(tf.Arg2))
	if err != nil {
		return errno(err)
	}

	oldDir, oldName, err := splitParent(vfs, p.Cwd.Inode, oldPath)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(oldDir)
	newDir, newName, err := splitParent(vfs, p.Cwd.Inode, newPath)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(newDir)

	// This engine has no atomic rename primitive; rename is expressed as
	// link-then-unlink, same as the original's userland mv(1) fallback
	// when cross-device rename(2) fails.
	source, err := vfs.Namei(oldName, oldDir)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(source)
	if err := vfs.Link(newDir, source, newName); err != nil {
		return errno(err)
	}
	return errno(vfs.Unlink(oldDir, oldName))
}

// utsname mirrors struct utsname's five 65-byte fields.
const utsFieldLen = 65

func doUname(p *proc.Process, tf Frame) int64 {
	var buf [utsFieldLen * 5]byte
	fields := [5]string{"dogfood", "dogfood", "1.0", "1.0", "x86_64"}
	for i, s := range fields {
		copy(buf[i*utsFieldLen:(i+1)*utsFieldLen], s)
	}
	if err := p.Space.Write(buf[:], uintptr(tf.Arg1)); err != nil {
		return errno(kerr.Wrap("sysdispatch.uname", kerr.MemoryFault, err))
	}
	return 0
}

func doChdir(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	pathStr, err := readCString(p.Space, uintptr(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	in, err := vfs.Namei(pathStr, p.Cwd.Inode)
	if err != nil {
		return errno(err)
	}
	if in.Ext2().Mode&ext2.S_IFMT != ext2.S_IFDIR {
		vfs.Iput(in)
		return errno(kerr.New("sysdispatch.chdir", kerr.NotADirectory))
	}
	p.Cwd.Lock()
	vfs.Iput(p.Cwd.Inode)
	p.Cwd.Inode = in
	p.Cwd.Path = p.Cwd.Fullpath(ustr.Ustr(pathStr))
	p.Cwd.Unlock()
	return 0
}

func doFchdir(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	f, err := p.Fd(int(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	in := f.Inode()
	if in == nil || in.Ext2().Mode&ext2.S_IFMT != ext2.S_IFDIR {
		return errno(kerr.New("sysdispatch.fchdir", kerr.NotADirectory))
	}
	vfs.Iref(in)
	p.Cwd.Lock()
	vfs.Iput(p.Cwd.Inode)
	p.Cwd.Inode = in
	p.Cwd.Unlock()
	return 0
}

func doFstat(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	f, err := p.Fd(int(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	in := f.Inode()
	if in == nil {
		// Non-inode descriptors (console, pipe ends) report as a
		// character device, the same assumption fstat() makes for the
		// console in the teacher.
		var st stat.Stat_t
		st.Wmode(uint(ext2.S_IFCHR | 0666))
		return writeStat(p, uintptr(tf.Arg2), &st)
	}
	return writeStat(p, uintptr(tf.Arg2), vfs.Stat(in))
}

func doFstatat(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	pathStr, err := readCString(p.Space, uintptr(tf.Arg2))
	if err != nil {
		return errno(err)
	}
	in, err := vfs.Namei(pathStr, p.Cwd.Inode)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(in)
	return writeStat(p, uintptr(tf.Arg3), vfs.Stat(in))
}

func writeStat(p *proc.Process, va uintptr, st interface{ Bytes() []byte }) int64 {
	if err := p.Space.Write(st.Bytes(), va); err != nil {
		return errno(kerr.Wrap("sysdispatch.stat", kerr.MemoryFault, err))
	}
	return 0
}

func doFcntl(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	f, err := p.Fd(int(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	switch int(tf.Arg2) {
	case F_DUPFD:
		dup := fd.Copyfd(f, vfs)
		n, err := p.AllocFd(dup)
		if err != nil {
			return errno(err)
		}
		return int64(n)
	case F_GETFD, F_GETFL, F_SETFL, F_SETFD:
		return 0
	default:
		return errno(kerr.New("sysdispatch.fcntl", kerr.InvalidArgument))
	}
}

func doLink(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	oldPath, err := readCString(p.Space, uintptr(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	newPath, err := readCString(p.Space, uintptr(tf.Arg2))
	if err != nil {
		return errno(err)
	}
	source, err := vfs.Namei(oldPath, p.Cwd.Inode)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(source)
	dir, name, err := splitParent(vfs, p.Cwd.Inode, newPath)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(dir)
	return errno(vfs.Link(dir, source, name))
}

func doSymlink(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	target, err := readCString(p.Space, uintptr(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	newPath, err := readCString(p.Space, uintptr(tf.Arg2))
	if err != nil {
		return errno(err)
	}
	dir, name, err := splitParent(vfs, p.Cwd.Inode, newPath)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(dir)
	in, err := vfs.CreateSymlink(dir, name, target)
	if err != nil {
		return errno(err)
	}
	vfs.Iput(in)
	return 0
}

func doReadlink(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	pathStr, err := readCString(p.Space, uintptr(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	in, err := vfs.Namei(pathStr, p.Cwd.Inode)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(in)
	if in.Ext2().Mode&ext2.S_IFMT != ext2.S_IFLNK {
		return errno(kerr.New("sysdispatch.readlink", kerr.InvalidArgument))
	}
	target, err := vfs.Readlink(in)
	if err != nil {
		return errno(err)
	}
	size := int(tf.Arg3)
	if size > len(target) {
		size = len(target)
	}
	if err := p.Space.Write([]byte(target)[:size], uintptr(tf.Arg2)); err != nil {
		return errno(kerr.Wrap("sysdispatch.readlink", kerr.MemoryFault, err))
	}
	return int64(size)
}

func doGetcwd(p *proc.Process, tf Frame) int64 {
	p.Cwd.Lock()
	path := append([]byte(nil), p.Cwd.Path...)
	p.Cwd.Unlock()
	path = append(path, 0)
	if len(path) > int(tf.Arg2) {
		return errno(kerr.New("sysdispatch.getcwd", kerr.NameTooLong))
	}
	if err := p.Space.Write(path, uintptr(tf.Arg1)); err != nil {
		return errno(kerr.Wrap("sysdispatch.getcwd", kerr.MemoryFault, err))
	}
	return 0
}

// doSigAction decodes a struct sigaction {handler, restorer, mask, flags}
// from user memory, little-endian encoded the way every other on-disk/
// wire struct in this kernel is.
func doSigAction(p *proc.Process, tf Frame) int64 {
	signo := int(tf.Arg1)
	var newAction *proc.SigAction
	if tf.Arg2 != 0 {
		var raw [24]byte
		if err := p.Space.Read(raw[:], uintptr(tf.Arg2)); err != nil {
			return errno(kerr.Wrap("sysdispatch.sigaction", kerr.MemoryFault, err))
		}
		newAction = &proc.SigAction{
			Handler:  uintptr(binary.LittleEndian.Uint64(raw[0:8])),
			Restorer: uintptr(binary.LittleEndian.Uint64(raw[8:16])),
			Mask:     binary.LittleEndian.Uint32(raw[16:20]),
			Flags:    int32(binary.LittleEndian.Uint32(raw[20:24])),
		}
	}
	old, err := signal.SigAction(p, signo, newAction)
	if err != nil {
		return errno(err)
	}
	if tf.Arg3 != 0 {
		var raw [24]byte
		binary.LittleEndian.PutUint64(raw[0:8], uint64(old.Handler))
		binary.LittleEndian.PutUint64(raw[8:16], uint64(old.Restorer))
		binary.LittleEndian.PutUint32(raw[16:20], old.Mask)
		binary.LittleEndian.PutUint32(raw[20:24], uint32(old.Flags))
		if err := p.Space.Write(raw[:], uintptr(tf.Arg3)); err != nil {
			return errno(kerr.Wrap("sysdispatch.sigaction", kerr.MemoryFault, err))
		}
	}
	return 0
}

func doSigProcMask(p *proc.Process, tf Frame) int64 {
	var set *uint32
	if tf.Arg2 != 0 {
		var buf [4]byte
		if err := p.Space.Read(buf[:], uintptr(tf.Arg2)); err != nil {
			return errno(kerr.Wrap("sysdispatch.sigprocmask", kerr.MemoryFault, err))
		}
		v := binary.LittleEndian.Uint32(buf[:])
		set = &v
	}
	old, err := signal.SigProcMask(p, int(tf.Arg1), set)
	if err != nil {
		return errno(err)
	}
	if tf.Arg3 != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], old)
		if err := p.Space.Write(buf[:], uintptr(tf.Arg3)); err != nil {
			return errno(kerr.Wrap("sysdispatch.sigprocmask", kerr.MemoryFault, err))
		}
	}
	return 0
}

// doSigSuspend blocks the caller until a signal it isn't currently
// blocking becomes pending, the same condition sigsuspend(2) guards.
func doSigSuspend(table *proc.Table, p *proc.Process) int64 {
	for p.PendingSignals()&^p.SigMask() == 0 {
		table.Sleep(p, p)
	}
	return errno(kerr.New("sysdispatch.sigsuspend", kerr.Interrupted))
}

func doPipe(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	pi, err := pipe.New()
	if err != nil {
		return errno(err)
	}
	readFd, err := p.AllocFd(fd.MkPipeFd(pi, true))
	if err != nil {
		return errno(err)
	}
	writeFd, err := p.AllocFd(fd.MkPipeFd(pi, false))
	if err != nil {
		p.CloseFd(vfs, readFd)
		return errno(err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(readFd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(writeFd))
	if err := p.Space.Write(buf[:], uintptr(tf.Arg1)); err != nil {
		return errno(kerr.Wrap("sysdispatch.pipe", kerr.MemoryFault, err))
	}
	return 0
}

func doChown(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	pathStr, err := readCString(p.Space, uintptr(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	in, err := vfs.Namei(pathStr, p.Cwd.Inode)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(in)
	in.Ext2().Uid = uint16(tf.Arg2)
	in.Ext2().Gid = uint16(tf.Arg3)
	return 0
}

func doFchown(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	f, err := p.Fd(int(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	in := f.Inode()
	if in == nil {
		return errno(kerr.New("sysdispatch.fchown", kerr.NotFound))
	}
	in.Ext2().Uid = uint16(tf.Arg2)
	in.Ext2().Gid = uint16(tf.Arg3)
	return 0
}

func doChmod(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	pathStr, err := readCString(p.Space, uintptr(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	in, err := vfs.Namei(pathStr, p.Cwd.Inode)
	if err != nil {
		return errno(err)
	}
	defer vfs.Iput(in)
	e2i := in.Ext2()
	e2i.Mode = (e2i.Mode &^ 0777) | (uint16(tf.Arg2) & 0777)
	return 0
}

func doFchmod(vfs *fs.FS, p *proc.Process, tf Frame) int64 {
	f, err := p.Fd(int(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	in := f.Inode()
	if in == nil {
		return errno(kerr.New("sysdispatch.fchmod", kerr.NotFound))
	}
	e2i := in.Ext2()
	e2i.Mode = (e2i.Mode &^ 0777) | (uint16(tf.Arg2) & 0777)
	return 0
}

// doProcinfo encodes a pprof-format occupancy snapshot (process table plus
// page-zone usage) and copies as much of it as fits into the caller's
// buffer, the way SPEC_FULL's procinfo/kstat wiring exposes kernel
// occupancy to the existing `go tool pprof` toolchain.
func doProcinfo(table *proc.Table, p *proc.Process, tf Frame) int64 {
	var buf bytes.Buffer
	if err := kstat.Write(table, time.Now().UnixNano(), &buf); err != nil {
		return errno(kerr.Wrap("sysdispatch.procinfo", kerr.IOError, err))
	}
	size := buf.Len()
	if size > int(tf.Arg2) {
		size = int(tf.Arg2)
	}
	if err := p.Space.Write(buf.Bytes()[:size], uintptr(tf.Arg1)); err != nil {
		return errno(kerr.Wrap("sysdispatch.procinfo", kerr.MemoryFault, err))
	}
	return int64(size)
}

// clockTimespec mirrors struct timespec's {seconds, nanoseconds} pair.
func doClockGettime(p *proc.Process, tf Frame) int64 {
	now := time.Now()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(now.Unix()))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(now.Nanosecond()))
	if err := p.Space.Write(buf[:], uintptr(tf.Arg2)); err != nil {
		return errno(kerr.Wrap("sysdispatch.clock_gettime", kerr.MemoryFault, err))
	}
	return 0
}
