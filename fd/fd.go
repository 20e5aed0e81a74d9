// Package fd implements the per-process open file descriptor table:
// each entry is a closed union over an inode, a pipe end, or a device,
// since this kernel has no generic Fops_i vtable (spec §3's file
// descriptor data model names exactly these three backing kinds).
package fd

import (
	"sync"

	"github.com/zhmu/dogfood-sub000/dev"
	"github.com/zhmu/dogfood-sub000/fs"
	"github.com/zhmu/dogfood-sub000/kerr"
	"github.com/zhmu/dogfood-sub000/pipe"
	"github.com/zhmu/dogfood-sub000/ustr"
)

// File descriptor permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Kind discriminates which backing union member a Fd_t holds.
type Kind int

const (
	KindInode Kind = iota
	KindPipeRead
	KindPipeWrite
	KindDevice
)

// Fd_t is one open file descriptor.
type Fd_t struct {
	mu sync.Mutex

	Kind   Kind
	Perms  int
	offset int64

	inode  *fs.Inode
	pipe   *pipe.Pipe
	device dev.Device
}

// MkInodeFd wraps an already-iget'd inode as a descriptor.
func MkInodeFd(in *fs.Inode, perms int) *Fd_t {
	return &Fd_t{Kind: KindInode, inode: in, Perms: perms}
}

// MkPipeFd wraps one end of p; readEnd selects which.
func MkPipeFd(p *pipe.Pipe, readEnd bool) *Fd_t {
	if readEnd {
		return &Fd_t{Kind: KindPipeRead, pipe: p, Perms: FD_READ}
	}
	return &Fd_t{Kind: KindPipeWrite, pipe: p, Perms: FD_WRITE}
}

// MkDeviceFd wraps a character device.
func MkDeviceFd(d dev.Device, perms int) *Fd_t {
	return &Fd_t{Kind: KindDevice, device: d, Perms: perms}
}

// Inode returns the backing inode, or nil if this descriptor isn't one.
func (f *Fd_t) Inode() *fs.Inode {
	if f.Kind != KindInode {
		return nil
	}
	return f.inode
}

// Read dispatches to whichever backing kind this descriptor holds.
func (f *Fd_t) Read(buf []byte, vfs *fs.FS) (int, error) {
	if f.Perms&FD_READ == 0 {
		return 0, kerr.New("fd.Read", kerr.Access)
	}
	switch f.Kind {
	case KindInode:
		f.mu.Lock()
		off := f.offset
		f.mu.Unlock()
		n, err := vfs.Read(f.inode, buf, off)
		if err == nil {
			f.mu.Lock()
			f.offset += int64(n)
			f.mu.Unlock()
		}
		return n, err
	case KindPipeRead:
		return f.pipe.Read(buf)
	case KindDevice:
		return f.device.Read(buf)
	default:
		return 0, kerr.New("fd.Read", kerr.InvalidArgument)
	}
}

// Write dispatches to whichever backing kind this descriptor holds.
func (f *Fd_t) Write(buf []byte, vfs *fs.FS) (int, error) {
	if f.Perms&FD_WRITE == 0 {
		return 0, kerr.New("fd.Write", kerr.Access)
	}
	switch f.Kind {
	case KindInode:
		f.mu.Lock()
		off := f.offset
		f.mu.Unlock()
		n, err := vfs.Write(f.inode, buf, off)
		if err == nil {
			f.mu.Lock()
			f.offset += int64(n)
			f.mu.Unlock()
		}
		return n, err
	case KindPipeWrite:
		return f.pipe.Write(buf)
	case KindDevice:
		return f.device.Write(buf)
	default:
		return 0, kerr.New("fd.Write", kerr.InvalidArgument)
	}
}

// Seek repositions an inode-backed descriptor; other kinds reject it.
func (f *Fd_t) Seek(offset int64, whence int) (int64, error) {
	if f.Kind != KindInode {
		return 0, kerr.New("fd.Seek", kerr.InvalidArgument)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case 0: // SEEK_SET
		f.offset = offset
	case 1: // SEEK_CUR
		f.offset += offset
	case 2: // SEEK_END
		f.offset = int64(f.inode.Ext2().Size) + offset
	default:
		return 0, kerr.New("fd.Seek", kerr.InvalidArgument)
	}
	return f.offset, nil
}

// Close releases whichever resource this descriptor held.
func (f *Fd_t) Close(vfs *fs.FS) error {
	switch f.Kind {
	case KindInode:
		vfs.Iput(f.inode)
	case KindPipeRead:
		f.pipe.CloseReader()
	case KindPipeWrite:
		f.pipe.CloseWriter()
	case KindDevice:
		// stateless device handles need no teardown
	}
	return nil
}

// Copyfd duplicates an open file descriptor, bumping whichever backing
// refcount applies.
func Copyfd(f *Fd_t, vfs *fs.FS) *Fd_t {
	nfd := &Fd_t{}
	f.mu.Lock()
	*nfd = *f
	f.mu.Unlock()

	switch nfd.Kind {
	case KindInode:
		vfs.Iref(nfd.inode)
	case KindPipeRead:
		nfd.pipe.AddReader()
	case KindPipeWrite:
		nfd.pipe.AddWriter()
	}
	return nfd
}

// ClosePanic closes f and panics if that somehow fails; used in cleanup
// paths where failure indicates a bookkeeping bug.
func ClosePanic(f *Fd_t, vfs *fs.FS) {
	if err := f.Close(vfs); err != nil {
		panic("fd: close must succeed")
	}
}

// Cwd_t tracks a process's current working directory.
type Cwd_t struct {
	sync.Mutex
	Inode *fs.Inode
	Path  ustr.Ustr
}

// MkRootCwd constructs a Cwd_t rooted at root.
func MkRootCwd(root *fs.Inode) *Cwd_t {
	return &Cwd_t{Inode: root, Path: ustr.MkUstrRoot()}
}

// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	}
	return cwd.Path.Extend(p)
}
