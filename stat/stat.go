// Package stat holds the platform stat record handed back to userland by
// the fstat/stat family of system calls.
package stat

import "unsafe"

/// Stat_t mirrors a file's stat information, projected from an ext2
/// on-disk inode (fs.Stat, spec §4.4) into the fields a POSIX stat(2)
/// caller expects.
type Stat_t struct {
	_dev    uint
	_ino    uint
	_mode   uint
	_nlink  uint
	_uid    uint
	_gid    uint
	_size   uint
	_rdev   uint
	_blocks uint
	_atime  uint
	_mtime  uint
	_ctime  uint
}

/// Wdev stores the device ID.
func (st *Stat_t) Wdev(v uint) {
	st._dev = v
}

/// Wino stores the inode number.
func (st *Stat_t) Wino(v uint) {
	st._ino = v
}

/// Wmode records the file mode.
func (st *Stat_t) Wmode(v uint) {
	st._mode = v
}

/// Wnlink records the hard link count.
func (st *Stat_t) Wnlink(v uint) {
	st._nlink = v
}

/// Wuid records the owning user id.
func (st *Stat_t) Wuid(v uint) {
	st._uid = v
}

/// Wgid records the owning group id.
func (st *Stat_t) Wgid(v uint) {
	st._gid = v
}

/// Wsize records the file size.
func (st *Stat_t) Wsize(v uint) {
	st._size = v
}

/// Wrdev stores the rdev field.
func (st *Stat_t) Wrdev(v uint) {
	st._rdev = v
}

/// Wblocks records the number of 512-byte blocks allocated.
func (st *Stat_t) Wblocks(v uint) {
	st._blocks = v
}

/// Wtimes records atime/mtime/ctime, each seconds since the epoch.
func (st *Stat_t) Wtimes(atime, mtime, ctime uint) {
	st._atime = atime
	st._mtime = mtime
	st._ctime = ctime
}

/// Mode returns the stored mode value.
func (st *Stat_t) Mode() uint {
	return st._mode
}

/// Nlink returns the stored hard link count.
func (st *Stat_t) Nlink() uint {
	return st._nlink
}

/// Size returns the stored size.
func (st *Stat_t) Size() uint {
	return st._size
}

/// Rdev returns the stored rdev.
func (st *Stat_t) Rdev() uint {
	return st._rdev
}

/// Rino returns the stored inode number.
func (st *Stat_t) Rino() uint {
	return st._ino
}

/// Uid returns the stored owner.
func (st *Stat_t) Uid() uint {
	return st._uid
}

/// Gid returns the stored group.
func (st *Stat_t) Gid() uint {
	return st._gid
}

/// Bytes exposes the raw bytes of the structure, in field declaration
/// order, for copying into a userland stat buffer.
func (st *Stat_t) Bytes() []uint8 {
	const sz = unsafe.Sizeof(*st)
	sl := (*[sz]uint8)(unsafe.Pointer(&st._dev))
	return sl[:]
}
