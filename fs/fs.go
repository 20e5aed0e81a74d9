// Package fs is the VFS-lite layer sitting on top of ext2: a small
// fixed-size in-core inode cache (iget/iput) and path resolution (namei),
// built entirely on ext2's content and directory operations. It holds no
// on-disk knowledge of its own.
package fs

import (
	"sync"

	"github.com/zhmu/dogfood-sub000/bio"
	"github.com/zhmu/dogfood-sub000/ext2"
	"github.com/zhmu/dogfood-sub000/kerr"
	"github.com/zhmu/dogfood-sub000/klog"
	"github.com/zhmu/dogfood-sub000/stat"
	"github.com/zhmu/dogfood-sub000/ustr"
)

var log = klog.For("fs")

// NumberOfInodes is the fixed size of the in-core inode cache.
const NumberOfInodes = 20

// MaxSymlinkDepth bounds namei's symlink-following, matching the
// conventional POSIX ELOOP threshold.
const MaxSymlinkDepth = 8

// Device identifies one mounted ext2 filesystem by its block device id.
type Device = int

// Inode is an in-core cache slot: a live reference to one on-disk ext2
// inode, shared by every open file descriptor and cwd pointing at it.
type Inode struct {
	mu       sync.Mutex
	dev      Device
	inum     uint32
	refcount int
	e2i      *ext2.Inode
}

func (in *Inode) Dev() Device    { return in.dev }
func (in *Inode) Inum() uint32   { return in.inum }
func (in *Inode) Ext2() *ext2.Inode {
	return in.e2i
}

// FS is one mounted filesystem: its ext2 engine handle plus the process
// table's root inode.
type FS struct {
	mu    sync.Mutex
	cache *bio.Cache
	mounts map[Device]*ext2.FS

	icacheMu sync.Mutex
	icache   [NumberOfInodes]Inode

	root *Inode
}

// New constructs an empty VFS-lite instance over cache; call Mount to
// attach the root device before resolving any paths.
func New(cache *bio.Cache) *FS {
	return &FS{cache: cache, mounts: make(map[Device]*ext2.FS)}
}

// Mount mounts dev's ext2 filesystem. The first mount becomes the root.
func (f *FS) Mount(dev Device) error {
	e2, rootInum, err := ext2.Mount(f.cache, dev)
	if err != nil {
		return kerr.Wrap("fs.Mount", kerr.IOError, err)
	}
	f.mu.Lock()
	f.mounts[dev] = e2
	f.mu.Unlock()

	root, err := f.iget(dev, rootInum)
	if err != nil {
		return err
	}
	if f.root == nil {
		f.root = root
	}
	return nil
}

func (f *FS) engine(dev Device) (*ext2.FS, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e2, ok := f.mounts[dev]
	if !ok {
		return nil, kerr.New("fs.engine", kerr.NoDevice)
	}
	return e2, nil
}

// iget returns a held reference to (dev,inum)'s in-core inode, reading
// its on-disk image on first use. The cache is a fixed linear-scan table,
// matching the original kernel's sizing and lookup strategy.
func (f *FS) iget(dev Device, inum uint32) (*Inode, error) {
	f.icacheMu.Lock()
	defer f.icacheMu.Unlock()

	var available *Inode
	for i := range f.icache {
		in := &f.icache[i]
		if in.refcount == 0 {
			if available == nil {
				available = in
			}
			continue
		}
		if in.dev == dev && in.inum == inum {
			in.refcount++
			return in, nil
		}
	}
	if available == nil {
		return nil, kerr.New("fs.iget", kerr.NoMemory)
	}

	e2, err := f.engine(dev)
	if err != nil {
		return nil, err
	}
	on, err := e2.ReadInode(inum)
	if err != nil {
		return nil, err
	}

	available.dev = dev
	available.inum = inum
	available.refcount = 1
	available.e2i = on
	return available, nil
}

// Iget is the exported entry point used by syscalls adopting an inode
// number returned from a directory lookup or create operation.
func (f *FS) Iget(dev Device, inum uint32) (*Inode, error) { return f.iget(dev, inum) }

// adopt wraps an (inum, on-disk image) pair that ext2 just produced
// (e.g. from CreateRegular) into a cache entry without re-reading it from
// disk.
func (f *FS) adopt(dev Device, inum uint32, on *ext2.Inode) (*Inode, error) {
	f.icacheMu.Lock()
	defer f.icacheMu.Unlock()

	for i := range f.icache {
		in := &f.icache[i]
		if in.refcount > 0 && in.dev == dev && in.inum == inum {
			in.refcount++
			return in, nil
		}
	}
	for i := range f.icache {
		in := &f.icache[i]
		if in.refcount == 0 {
			in.dev = dev
			in.inum = inum
			in.refcount = 1
			in.e2i = on
			return in, nil
		}
	}
	return nil, kerr.New("fs.adopt", kerr.NoMemory)
}

// Iref bumps in's reference count; used when sharing an already-held
// inode (e.g. a second file descriptor onto the same cwd).
func (f *FS) Iref(in *Inode) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.refcount <= 0 {
		panic("fs: iref of unreferenced inode")
	}
	in.refcount++
}

// Iput drops one reference to in.
func (f *FS) Iput(in *Inode) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.refcount <= 0 {
		panic("fs: iput of unreferenced inode")
	}
	in.refcount--
}

// Read copies up to len(buf) bytes from in's content at offset.
func (f *FS) Read(in *Inode, buf []byte, offset int64) (int, error) {
	e2, err := f.engine(in.dev)
	if err != nil {
		return 0, err
	}
	return e2.ReadAt(in.inum, in.e2i, buf, offset)
}

// Write stores len(buf) bytes into in's content at offset, growing the
// file as needed.
func (f *FS) Write(in *Inode, buf []byte, offset int64) (int, error) {
	e2, err := f.engine(in.dev)
	if err != nil {
		return 0, err
	}
	return e2.WriteAt(in.inum, in.e2i, buf, offset)
}

// Stat projects in's metadata into a stat.Stat_t.
func (f *FS) Stat(in *Inode) *stat.Stat_t {
	info := ext2.Stat(in.e2i)
	var s stat.Stat_t
	s.Wdev(uint(in.dev))
	s.Wino(uint(in.inum))
	s.Wmode(uint(info.Mode))
	s.Wsize(uint(info.Size))
	s.Wnlink(uint(info.Nlink))
	s.Wuid(uint(info.Uid))
	s.Wgid(uint(info.Gid))
	s.Wblocks(uint(info.Blocks))
	s.Wtimes(uint(info.Atime), uint(info.Mtime), uint(info.Ctime))
	return &s
}

func (f *FS) lookupInDirectory(dir *Inode, name string) (*Inode, error) {
	e2, err := f.engine(dir.dev)
	if err != nil {
		return nil, err
	}
	var offset int64
	for {
		de, ok, err := e2.ReadDirectory(dir.inum, dir.e2i, &offset)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, kerr.New("fs.lookupInDirectory", kerr.NoEntry)
		}
		if de.Name == name {
			return f.iget(dir.dev, de.Ino)
		}
	}
}

// Root returns the root filesystem's root inode without bumping its
// refcount; callers that retain it across a sleep should Iref first.
func (f *FS) Root() *Inode { return f.root }

// Namei resolves path relative to cwd (used when path is not absolute),
// following symlinks in intermediate components up to MaxSymlinkDepth
// deep. A symlink as the final component is returned itself, not followed.
func (f *FS) Namei(path string, cwd *Inode) (*Inode, error) {
	return f.namei(path, cwd, 0)
}

func (f *FS) namei(path string, cwd *Inode, depth int) (*Inode, error) {
	if depth > MaxSymlinkDepth {
		return nil, kerr.New("fs.namei", kerr.LoopDetected)
	}

	var current *Inode
	if len(path) > 0 && path[0] == '/' {
		current = f.root
	} else {
		current = cwd
	}
	f.Iref(current)

	comps := ustr.Ustr(path).Split()
	for i, comp := range comps {
		next, err := f.lookupInDirectory(current, string(comp))
		f.Iput(current)
		if err != nil {
			return nil, err
		}

		isLast := i == len(comps)-1
		if next.e2i.Mode&ext2.S_IFMT == ext2.S_IFLNK && (!isLast) {
			target, err := f.readlink(next)
			f.Iput(next)
			if err != nil {
				return nil, err
			}
			next, err = f.namei(target, current, depth+1)
			if err != nil {
				return nil, err
			}
		}
		current = next
	}
	return current, nil
}

func (f *FS) readlink(in *Inode) (string, error) {
	buf := make([]byte, in.e2i.Size)
	n, err := f.Read(in, buf, 0)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// Readlink exposes symlink target resolution to the readlink(2) syscall.
func (f *FS) Readlink(in *Inode) (string, error) { return f.readlink(in) }

// CreateRegular creates a regular file named name inside dir.
func (f *FS) CreateRegular(dir *Inode, name string, mode uint16) (*Inode, error) {
	e2, err := f.engine(dir.dev)
	if err != nil {
		return nil, err
	}
	inum, on, err := e2.CreateRegular(dir.inum, dir.e2i, mode, name)
	if err != nil {
		return nil, err
	}
	return f.adopt(dir.dev, inum, on)
}

// CreateDirectory creates a directory named name inside dir.
func (f *FS) CreateDirectory(dir *Inode, name string, mode uint16) (*Inode, error) {
	e2, err := f.engine(dir.dev)
	if err != nil {
		return nil, err
	}
	inum, on, err := e2.CreateDirectory(dir.inum, dir.e2i, mode, name)
	if err != nil {
		return nil, err
	}
	return f.adopt(dir.dev, inum, on)
}

// CreateSymlink creates a symlink named name inside dir pointing at target.
func (f *FS) CreateSymlink(dir *Inode, name, target string) (*Inode, error) {
	e2, err := f.engine(dir.dev)
	if err != nil {
		return nil, err
	}
	inum, on, err := e2.CreateSymlink(dir.inum, dir.e2i, name, target)
	if err != nil {
		return nil, err
	}
	return f.adopt(dir.dev, inum, on)
}

// CreateSpecial creates a device node named name inside dir.
func (f *FS) CreateSpecial(dir *Inode, name string, mode uint16, rdev uint32) (*Inode, error) {
	e2, err := f.engine(dir.dev)
	if err != nil {
		return nil, err
	}
	inum, on, err := e2.CreateSpecial(dir.inum, dir.e2i, mode, name, rdev)
	if err != nil {
		return nil, err
	}
	return f.adopt(dir.dev, inum, on)
}

// Link adds a hard link named name inside dir pointing at source.
func (f *FS) Link(dir *Inode, source *Inode, name string) error {
	e2, err := f.engine(dir.dev)
	if err != nil {
		return err
	}
	return e2.CreateLink(dir.inum, dir.e2i, source.inum, source.e2i, name)
}

// Unlink removes name from dir and drops the target's link count,
// freeing it once unreferenced.
func (f *FS) Unlink(dir *Inode, name string) error {
	e2, err := f.engine(dir.dev)
	if err != nil {
		return err
	}
	target, err := f.lookupInDirectory(dir, name)
	if err != nil {
		return err
	}
	if err := e2.Unlink(dir.inum, dir.e2i, name); err != nil {
		f.Iput(target)
		return err
	}
	err = e2.UnlinkInode(target.inum, target.e2i)
	f.Iput(target)
	return err
}

// Truncate discards in's content.
func (f *FS) Truncate(in *Inode) error {
	e2, err := f.engine(in.dev)
	if err != nil {
		return err
	}
	return e2.Truncate(in.inum, in.e2i)
}

// RemoveDirectory removes an empty directory named name from dir.
func (f *FS) RemoveDirectory(dir *Inode, name string) error {
	e2, err := f.engine(dir.dev)
	if err != nil {
		return err
	}
	target, err := f.lookupInDirectory(dir, name)
	if err != nil {
		return err
	}
	if err := e2.Unlink(dir.inum, dir.e2i, name); err != nil {
		f.Iput(target)
		return err
	}
	err = e2.RemoveDirectory(dir.inum, dir.e2i, target.inum, target.e2i)
	f.Iput(target)
	return err
}

// Sync flushes every dirty buffer to disk.
func (f *FS) Sync() int { return f.cache.Sync() }
