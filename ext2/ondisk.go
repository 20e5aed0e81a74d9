// Package ext2 implements the on-disk ext2 filesystem engine: superblock
// and block-group bookkeeping, inode read/write, bmap block-pointer
// translation, and bitmap-based inode/block allocation. It knows nothing
// about paths, the in-core inode cache, or mounts beyond its own
// superblock — that is the fs package's job.
package ext2

import (
	"bytes"
	"encoding/binary"
)

// Magic is the ext2 superblock magic number.
const Magic = 0xEF53

// SuperblockSize is the on-disk size of the superblock record (one disk
// block's worth at minimum, padded to 1024 bytes as ext2 prescribes).
const SuperblockSize = 1024

// Superblock is the bit-exact ext2 rev-0/1 on-disk superblock, fields laid
// out in standard order; unused trailing fields are folded into Reserved.
type Superblock struct {
	InodesCount      uint32
	BlocksCount      uint32
	RBlocksCount     uint32
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	LogFragSize      uint32
	BlocksPerGroup   uint32
	FragsPerGroup    uint32
	InodesPerGroup   uint32
	Mtime            uint32
	Wtime            uint32
	MntCount         uint16
	MaxMntCount      uint16
	Magic_           uint16
	State            uint16
	Errors           uint16
	MinorRevLevel    uint16
	Lastcheck        uint32
	Checkinterval    uint32
	CreatorOS        uint32
	RevLevel         uint32
	DefResuid        uint16
	DefResgid        uint16
	FirstIno         uint32
	InodeSize        uint16
	BlockGroupNr     uint16
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureROCompat  uint32
	UUID             [16]byte
	VolumeName       [16]byte
	LastMounted      [64]byte
	AlgoUsageBitmap  uint32
	PreallocBlocks   uint8
	PreallocDirBlks  uint8
	Padding1         uint16
	Reserved         [SuperblockSize - 208]byte
}

// Filesystem state values for Superblock.State.
const (
	StateClean = 1
	StateError = 2
)

// Encode serializes the superblock into a SuperblockSize-byte buffer.
func (s *Superblock) Encode() []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, s)
	out := buf.Bytes()
	if len(out) < SuperblockSize {
		out = append(out, make([]byte, SuperblockSize-len(out))...)
	}
	return out[:SuperblockSize]
}

// DecodeSuperblock parses a SuperblockSize-byte buffer into a Superblock.
func DecodeSuperblock(b []byte) (*Superblock, error) {
	var s Superblock
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// BlockSize returns the filesystem's block size in bytes: 1024<<log.
func (s *Superblock) BlockSize() uint32 { return 1024 << s.LogBlockSize }

// BlockGroupSize is the on-disk size of one block-group descriptor.
const BlockGroupSize = 32

// BlockGroup is one ext2 block-group descriptor.
type BlockGroup struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Pad             uint16
	Reserved        [12]byte
}

// Encode serializes the block-group descriptor.
func (g *BlockGroup) Encode() []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, g)
	return buf.Bytes()
}

// DecodeBlockGroup parses a BlockGroupSize-byte buffer into a BlockGroup.
func DecodeBlockGroup(b []byte) (*BlockGroup, error) {
	var g BlockGroup
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// InodeSize128 is the minimum (rev-0) on-disk inode size.
const InodeSize128 = 128

// Inode is the bit-exact ext2 on-disk inode, direct/indirect pointers in
// i_block[0..14]: [0..11] direct, [12] single-indirect, [13]
// double-indirect, [14] triple-indirect.
type Inode struct {
	Mode        uint16
	Uid         uint16
	Size        uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Dtime       uint32
	Gid         uint16
	LinksCount  uint16
	Blocks      uint32
	Flags       uint32
	Osd1        uint32
	Block       [15]uint32
	Generation  uint32
	FileACL     uint32
	DirACL      uint32
	Faddr       uint32
	Osd2        [12]byte
}

// Encode serializes the inode into an InodeSize128-byte buffer; callers
// writing a larger on-disk inode (s_inode_size>128) pad the remainder with
// zero bytes themselves.
func (in *Inode) Encode() []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, in)
	return buf.Bytes()
}

// DecodeInode parses the first InodeSize128 bytes of b into an Inode.
func DecodeInode(b []byte) (*Inode, error) {
	var in Inode
	if err := binary.Read(bytes.NewReader(b[:InodeSize128]), binary.LittleEndian, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// File mode bits used by this engine (subset of the standard ext2/POSIX
// set, matching what spec §6 and the on-disk format require).
const (
	S_IFMT  = 0xF000
	S_IFREG = 0x8000
	S_IFDIR = 0x4000
	S_IFLNK = 0xA000
	S_IFCHR = 0x2000
	S_IFBLK = 0x6000
)

// Directory entry file-type tags.
const (
	FT_UNKNOWN = 0
	FT_REG_FILE = 1
	FT_DIR      = 2
	FT_CHRDEV   = 3
	FT_BLKDEV   = 4
	FT_SYMLINK  = 7
)

// RootInode is the well-known inode number of an ext2 filesystem's root
// directory.
const RootInode = 2

// DirEntryHeaderSize is the fixed portion of a directory entry, before the
// variable-length name.
const DirEntryHeaderSize = 8

// DirEntry is one ext2 directory record: {inode, rec_len, name_len,
// file_type, name[]}, padded so records never cross block boundaries.
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     []byte
}

// Encode serializes the entry into a DirEntryHeaderSize+len(Name)-byte
// buffer; callers are responsible for padding to RecLen.
func (d *DirEntry) Encode() []byte {
	out := make([]byte, DirEntryHeaderSize+len(d.Name))
	binary.LittleEndian.PutUint32(out[0:4], d.Inode)
	binary.LittleEndian.PutUint16(out[4:6], d.RecLen)
	out[6] = d.NameLen
	out[7] = d.FileType
	copy(out[8:], d.Name)
	return out
}

// DecodeDirEntryHeader parses only the fixed 8-byte header of a directory
// entry; the caller reads Name separately once NameLen is known.
func DecodeDirEntryHeader(b []byte) DirEntry {
	return DirEntry{
		Inode:    binary.LittleEndian.Uint32(b[0:4]),
		RecLen:   binary.LittleEndian.Uint16(b[4:6]),
		NameLen:  b[6],
		FileType: b[7],
	}
}

// RoundUp4 rounds value up to the next multiple of 4, matching ext2's
// directory-record alignment rule.
func RoundUp4(value int) int {
	if value%4 != 0 {
		value += 4 - value%4
	}
	return value
}
