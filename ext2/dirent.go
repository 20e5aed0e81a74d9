package ext2

import (
	"github.com/zhmu/dogfood-sub000/kerr"
)

// MaxDirectoryEntryNameLength bounds one directory entry's name, matching
// the on-disk name_len field's single byte.
const MaxDirectoryEntryNameLength = 255

// DEntry is one resolved directory entry returned by ReadDirectory.
type DEntry struct {
	Ino  uint32
	Name string
}

// ReadDirectory scans forward from *offset for the next live (non-hole,
// non-deleted) entry in dirInode's content, advancing *offset past it.
// It reports false once the directory's content is exhausted.
func (f *FS) ReadDirectory(dirInum uint32, dirInode *Inode, offset *int64) (DEntry, bool, error) {
	hdr := make([]byte, DirEntryHeaderSize)
	for *offset < int64(dirInode.Size) {
		if err := f.ReadExact(dirInum, dirInode, hdr, *offset); err != nil {
			return DEntry{}, false, err
		}
		de := DecodeDirEntryHeader(hdr)
		if de.NameLen >= MaxDirectoryEntryNameLength || de.Inode == 0 {
			*offset += int64(de.RecLen)
			continue
		}

		name := make([]byte, de.NameLen)
		if err := f.ReadExact(dirInum, dirInode, name, *offset+DirEntryHeaderSize); err != nil {
			return DEntry{}, false, err
		}
		*offset += int64(de.RecLen)
		return DEntry{Ino: de.Inode, Name: string(name)}, true, nil
	}
	return DEntry{}, false, nil
}

func (f *FS) writeDirectoryEntry(dirInum uint32, dirInode *Inode, offset int64, inum uint32, recLen uint16, fileType uint8, name string) error {
	entry := DirEntry{Inode: inum, RecLen: recLen, NameLen: uint8(len(name)), FileType: fileType, Name: []byte(name)}
	return f.WriteExact(dirInum, dirInode, entry.Encode(), offset)
}

// AddEntryToDirectory inserts one (inum,name) record into dirInode's
// content, splitting a trailing-slack record if one is large enough or
// appending a fresh block-sized record otherwise.
func (f *FS) AddEntryToDirectory(dirInum uint32, dirInode *Inode, inum uint32, fileType uint8, name string) error {
	newEntryLength := uint16(RoundUp4(DirEntryHeaderSize + len(name)))

	var offset int64
	hdr := make([]byte, DirEntryHeaderSize)
	for offset < int64(dirInode.Size) {
		if err := f.ReadExact(dirInum, dirInode, hdr, offset); err != nil {
			return err
		}
		de := DecodeDirEntryHeader(hdr)
		if de.RecLen == 0 {
			break
		}

		currentEntryLength := uint16(0)
		if de.Inode != 0 {
			currentEntryLength = uint16(RoundUp4(DirEntryHeaderSize + int(de.NameLen)))
		}
		if de.RecLen-currentEntryLength < newEntryLength {
			offset += int64(de.RecLen)
			continue
		}

		newRecLen := de.RecLen - currentEntryLength
		if currentEntryLength > 0 {
			de.RecLen = currentEntryLength
			if err := f.WriteExact(dirInum, dirInode, de.Encode()[:DirEntryHeaderSize], offset); err != nil {
				return err
			}
			offset += int64(de.RecLen)
		}
		return f.writeDirectoryEntry(dirInum, dirInode, offset, inum, newRecLen, fileType, name)
	}

	return f.writeDirectoryEntry(dirInum, dirInode, offset, inum, uint16(f.blockSize), fileType, name)
}

// RemoveEntryFromDirectory deletes the record named name, merging its
// slack into the preceding record when one exists on the same block run,
// or zeroing the inode field of the first record otherwise.
func (f *FS) RemoveEntryFromDirectory(dirInum uint32, dirInode *Inode, name string) error {
	var offset, prevOffset int64
	var prev DirEntry
	havePrev := false

	hdr := make([]byte, DirEntryHeaderSize)
	for offset < int64(dirInode.Size) {
		if err := f.ReadExact(dirInum, dirInode, hdr, offset); err != nil {
			return err
		}
		de := DecodeDirEntryHeader(hdr)
		comp := make([]byte, de.NameLen)
		if err := f.ReadExact(dirInum, dirInode, comp, offset+DirEntryHeaderSize); err != nil {
			return err
		}

		if int(de.NameLen) != len(name) || string(comp) != name {
			prevOffset = offset
			prev = de
			havePrev = true
			offset += int64(de.RecLen)
			continue
		}

		if havePrev && prev.RecLen > 0 {
			prev.RecLen += de.RecLen
			return f.WriteExact(dirInum, dirInode, prev.Encode()[:DirEntryHeaderSize], prevOffset)
		}
		de.Inode = 0
		return f.WriteExact(dirInum, dirInode, de.Encode()[:DirEntryHeaderSize], offset)
	}
	return kerr.New("ext2.RemoveEntryFromDirectory", kerr.NoEntry)
}

// CreateDirectoryEntry allocates a fresh inode, stores mode/links on its
// on-disk image, links it into parent under name, and returns its inode
// number and on-disk image for the caller (fs's in-core cache) to adopt.
func (f *FS) CreateDirectoryEntry(parentInum uint32, parent *Inode, mode uint16, fileType uint8, name string) (uint32, *Inode, error) {
	inum, err := f.AllocateInode(parentInum)
	if err != nil {
		return 0, nil, err
	}

	newInode := &Inode{Mode: mode, LinksCount: 1}
	if err := f.WriteInode(inum, newInode); err != nil {
		return 0, nil, err
	}

	if err := f.AddEntryToDirectory(parentInum, parent, inum, fileType, name); err != nil {
		f.FreeInode(inum)
		return 0, nil, err
	}
	return inum, newInode, nil
}

// CreateDirectory builds a new, empty directory (with "." and "..")
// named name inside parent.
func (f *FS) CreateDirectory(parentInum uint32, parent *Inode, mode uint16, name string) (uint32, *Inode, error) {
	inum, newInode, err := f.CreateDirectoryEntry(parentInum, parent, S_IFDIR|mode, FT_DIR, name)
	if err != nil {
		return 0, nil, err
	}
	newInode.LinksCount = 2

	empty := DirEntry{RecLen: uint16(f.blockSize)}
	if err := f.WriteExact(inum, newInode, empty.Encode()[:DirEntryHeaderSize], 0); err != nil {
		return 0, nil, err
	}
	newInode.Size = f.blockSize
	if err := f.WriteInode(inum, newInode); err != nil {
		return 0, nil, err
	}

	if err := f.AddEntryToDirectory(inum, newInode, inum, FT_DIR, "."); err != nil {
		f.FreeInode(inum)
		return 0, nil, err
	}
	if err := f.AddEntryToDirectory(inum, newInode, parentInum, FT_DIR, ".."); err != nil {
		f.FreeInode(inum)
		return 0, nil, err
	}
	parent.LinksCount++
	if err := f.WriteInode(parentInum, parent); err != nil {
		return 0, nil, err
	}

	if err := f.UpdateBlockGroupFor(inum, func(bg *BlockGroup) { bg.UsedDirsCount++ }); err != nil {
		return 0, nil, err
	}
	return inum, newInode, nil
}

// CreateRegular creates a new regular file named name inside parent.
func (f *FS) CreateRegular(parentInum uint32, parent *Inode, mode uint16, name string) (uint32, *Inode, error) {
	return f.CreateDirectoryEntry(parentInum, parent, S_IFREG|mode, FT_REG_FILE, name)
}

// CreateSymlink creates a symlink named name inside parent, storing
// target as the link's content.
func (f *FS) CreateSymlink(parentInum uint32, parent *Inode, name, target string) (uint32, *Inode, error) {
	inum, newInode, err := f.CreateDirectoryEntry(parentInum, parent, S_IFLNK|0777, FT_SYMLINK, name)
	if err != nil {
		return 0, nil, err
	}
	if err := f.WriteExact(inum, newInode, []byte(target), 0); err != nil {
		return 0, nil, err
	}
	return inum, newInode, nil
}

// CreateSpecial creates a character or block device node named name
// inside parent, encoding the device number in i_block[0].
func (f *FS) CreateSpecial(parentInum uint32, parent *Inode, mode uint16, name string, rdev uint32) (uint32, *Inode, error) {
	var ft uint8
	switch mode & S_IFMT {
	case S_IFBLK:
		ft = FT_BLKDEV
	case S_IFCHR:
		ft = FT_CHRDEV
	default:
		return 0, nil, kerr.New("ext2.CreateSpecial", kerr.InvalidArgument)
	}

	inum, newInode, err := f.CreateDirectoryEntry(parentInum, parent, mode, ft, name)
	if err != nil {
		return 0, nil, err
	}
	newInode.Block[0] = rdev
	if err := f.WriteInode(inum, newInode); err != nil {
		return 0, nil, err
	}
	return inum, newInode, nil
}

// CreateLink adds a hard link named name inside parent, pointing at the
// already-existing source inode.
func (f *FS) CreateLink(parentInum uint32, parent *Inode, sourceInum uint32, source *Inode, name string) error {
	if err := f.AddEntryToDirectory(parentInum, parent, sourceInum, FT_REG_FILE, name); err != nil {
		return err
	}
	source.LinksCount++
	return f.WriteInode(sourceInum, source)
}

// Unlink removes name from parent's directory content without touching
// the target inode's link count (the caller does that via UnlinkInode).
func (f *FS) Unlink(parentInum uint32, parent *Inode, name string) error {
	return f.RemoveEntryFromDirectory(parentInum, parent, name)
}

// UnlinkInode drops one link from inode's link count, freeing its data
// blocks and the inode itself once the count reaches zero.
func (f *FS) UnlinkInode(inum uint32, in *Inode) error {
	in.LinksCount--
	if in.LinksCount > 0 {
		return f.WriteInode(inum, in)
	}
	if err := f.FreeDataBlocks(in); err != nil {
		return err
	}
	return f.FreeInode(inum)
}

// Truncate discards all of inode's content, resetting its size to zero.
func (f *FS) Truncate(inum uint32, in *Inode) error {
	in.Size = 0
	if err := f.FreeDataBlocks(in); err != nil {
		return err
	}
	for i := range in.Block {
		in.Block[i] = 0
	}
	return f.WriteInode(inum, in)
}

// RemoveDirectory removes a now-empty directory's "." and ".." entries,
// frees it and drops parent's link count. The entry naming it in parent
// is not touched here; fs.RemoveDirectory removes that with Unlink first.
func (f *FS) RemoveDirectory(parentInum uint32, parent *Inode, inum uint32, in *Inode) error {
	if err := f.RemoveEntryFromDirectory(inum, in, ".."); err != nil {
		return err
	}
	if err := f.RemoveEntryFromDirectory(inum, in, "."); err != nil {
		return err
	}
	if err := f.UpdateBlockGroupFor(inum, func(bg *BlockGroup) { bg.UsedDirsCount-- }); err != nil {
		return err
	}
	if err := f.FreeDataBlocks(in); err != nil {
		return err
	}
	if err := f.FreeInode(inum); err != nil {
		return err
	}
	parent.LinksCount--
	return f.WriteInode(parentInum, parent)
}

// StatInfo is the projection of an on-disk inode that the fs package's
// Stat wraps into a stat.Stat_t.
type StatInfo struct {
	Mode   uint16
	Uid    uint16
	Gid    uint16
	Size   uint32
	Atime  uint32
	Ctime  uint32
	Mtime  uint32
	Nlink  uint16
	Blocks uint32
}

// Stat projects in's fields used by the stat(2) family.
func Stat(in *Inode) StatInfo {
	return StatInfo{
		Mode: in.Mode, Uid: in.Uid, Gid: in.Gid, Size: in.Size,
		Atime: in.Atime, Ctime: in.Ctime, Mtime: in.Mtime,
		Nlink: in.LinksCount, Blocks: in.Blocks,
	}
}
