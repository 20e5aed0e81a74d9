package ext2

import (
	"encoding/binary"

	"github.com/zhmu/dogfood-sub000/bio"
	"github.com/zhmu/dogfood-sub000/kerr"
)

// pointersPerBioBlock is how many 32-bit block pointers fit in one BIO
// (512-byte) buffer, used when indirect-block pointer arrays span several
// BIO buffers per ext2 block.
const pointersPerBioBlock = bio.BlockSize / 4

// FS is one mounted ext2 instance: cached superblock plus the derived
// constants every other operation needs.
type FS struct {
	cache *bio.Cache
	dev   int

	sb           *Superblock
	blockSize    uint32
	biosPerBlock uint32
	numGroups    uint32
}

// Mount reads the superblock from dev via cache and validates its magic,
// returning a handle plus the root inode number (always RootInode for
// ext2, returned for symmetry with the original interface).
func Mount(cache *bio.Cache, dev int) (*FS, uint32, error) {
	raw := make([]byte, SuperblockSize)
	if err := readBlocks(cache, dev, 2, SuperblockSize, raw); err != nil {
		return nil, 0, kerr.Wrap("ext2.Mount", kerr.IOError, err)
	}
	sb, err := DecodeSuperblock(raw)
	if err != nil {
		return nil, 0, kerr.Wrap("ext2.Mount", kerr.IOError, err)
	}
	if sb.Magic_ != Magic {
		return nil, 0, kerr.New("ext2.Mount", kerr.InvalidArgument)
	}

	f := &FS{cache: cache, dev: dev, sb: sb}
	f.blockSize = sb.BlockSize()
	f.biosPerBlock = f.blockSize / bio.BlockSize
	f.numGroups = (sb.BlocksCount - sb.FirstDataBlock + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
	return f, RootInode, nil
}

// readBlocks reads count bytes worth of consecutive BIO blocks starting at
// blockNr into dest, which must be at least count bytes.
func readBlocks(cache *bio.Cache, dev int, blockNr bio.BlockNumber, count int, dest []byte) error {
	n := (count + bio.BlockSize - 1) / bio.BlockSize
	for i := 0; i < n; i++ {
		b, err := cache.ReadBlock(dev, blockNr+bio.BlockNumber(i))
		if err != nil {
			return err
		}
		lo := i * bio.BlockSize
		hi := lo + bio.BlockSize
		if hi > len(dest) {
			hi = len(dest)
		}
		copy(dest[lo:hi], b.Data[:hi-lo])
		cache.Release(b)
	}
	return nil
}

// writeBlocks is the write-back counterpart of readBlocks: each BIO block
// touched is read (to preserve any bytes past count within the last
// block), patched, and marked dirty.
func writeBlocks(cache *bio.Cache, dev int, blockNr bio.BlockNumber, count int, src []byte) error {
	n := (count + bio.BlockSize - 1) / bio.BlockSize
	for i := 0; i < n; i++ {
		b, err := cache.ReadBlock(dev, blockNr+bio.BlockNumber(i))
		if err != nil {
			return err
		}
		lo := i * bio.BlockSize
		hi := lo + bio.BlockSize
		if hi > len(src) {
			hi = len(src)
		}
		copy(b.Data[:hi-lo], src[lo:hi])
		cache.WriteBlock(b)
		cache.Release(b)
	}
	return nil
}

// calculateBlockGroupBioBlockNumber finds the BIO block holding the group
// descriptor for bgNumber, the block-group descriptor table starting
// immediately after the superblock's block.
func (f *FS) calculateBlockGroupBioBlockNumber(bgNumber uint32) bio.BlockNumber {
	blockNr := uint64(1) + uint64(bgNumber)*BlockGroupSize/uint64(f.blockSize)
	blockNr += uint64(f.sb.FirstDataBlock)
	blockNr *= uint64(f.biosPerBlock)
	blockNr += (uint64(bgNumber) * BlockGroupSize % uint64(f.blockSize)) / bio.BlockSize
	return bio.BlockNumber(blockNr)
}

func (f *FS) readBlockGroup(bgNumber uint32) (*BlockGroup, error) {
	b, err := f.cache.ReadBlock(f.dev, f.calculateBlockGroupBioBlockNumber(bgNumber))
	if err != nil {
		return nil, err
	}
	defer f.cache.Release(b)
	off := (uint64(bgNumber) * BlockGroupSize) % bio.BlockSize
	return DecodeBlockGroup(b.Data[off : off+BlockGroupSize])
}

func (f *FS) writeBlockGroup(bgNumber uint32, g *BlockGroup) error {
	b, err := f.cache.ReadBlock(f.dev, f.calculateBlockGroupBioBlockNumber(bgNumber))
	if err != nil {
		return err
	}
	off := (uint64(bgNumber) * BlockGroupSize) % bio.BlockSize
	copy(b.Data[off:off+BlockGroupSize], g.Encode())
	f.cache.WriteBlock(b)
	f.cache.Release(b)
	return nil
}

// updateSuperblock writes the in-memory superblock back to its on-disk
// location.
func (f *FS) updateSuperblock() error {
	return writeBlocks(f.cache, f.dev, 2, SuperblockSize, f.sb.Encode())
}

// ReadInode loads inum's on-disk image.
func (f *FS) ReadInode(inum uint32) (*Inode, error) {
	idx := inum - 1
	bgroup := idx / f.sb.InodesPerGroup
	iindex := idx % f.sb.InodesPerGroup

	bg, err := f.readBlockGroup(bgroup)
	if err != nil {
		return nil, err
	}
	inodeSize := uint32(f.sb.InodeSize)
	if inodeSize == 0 {
		inodeSize = InodeSize128
	}
	blockNr := uint64(bg.InodeTable) + uint64(iindex)*uint64(inodeSize)/uint64(f.blockSize)
	blockNr *= uint64(f.biosPerBlock)
	blockNr += (uint64(iindex) * uint64(inodeSize) % uint64(f.blockSize)) / bio.BlockSize

	b, err := f.cache.ReadBlock(f.dev, bio.BlockNumber(blockNr))
	if err != nil {
		return nil, err
	}
	defer f.cache.Release(b)
	off := (uint64(iindex) * uint64(inodeSize)) % bio.BlockSize
	return DecodeInode(b.Data[off:])
}

// WriteInode persists in's on-disk image; the backing BIO buffer is
// marked dirty, not flushed immediately (flush happens on Sync or
// eviction, per the BIO cache's own contract).
func (f *FS) WriteInode(inum uint32, in *Inode) error {
	idx := inum - 1
	bgroup := idx / f.sb.InodesPerGroup
	iindex := idx % f.sb.InodesPerGroup

	bg, err := f.readBlockGroup(bgroup)
	if err != nil {
		return err
	}
	inodeSize := uint32(f.sb.InodeSize)
	if inodeSize == 0 {
		inodeSize = InodeSize128
	}
	blockNr := uint64(bg.InodeTable) + uint64(iindex)*uint64(inodeSize)/uint64(f.blockSize)
	blockNr *= uint64(f.biosPerBlock)
	blockNr += (uint64(iindex) * uint64(inodeSize) % uint64(f.blockSize)) / bio.BlockSize

	b, err := f.cache.ReadBlock(f.dev, bio.BlockNumber(blockNr))
	if err != nil {
		return err
	}
	off := (uint64(iindex) * uint64(inodeSize)) % bio.BlockSize
	copy(b.Data[off:off+InodeSize128], in.Encode())
	f.cache.WriteBlock(b)
	f.cache.Release(b)
	return nil
}

// bitmapStrategy abstracts the two bitmap kinds (inode, block) that
// AllocateFromBitmap/FreeFromBitmap operate over; the only differences
// are which field names the field, counter, and per-group item count.
type bitmapStrategy struct {
	bitmapBlock  func(*BlockGroup) uint32
	itemsPerGroup func() uint32
	hasFree       func(*BlockGroup) bool
	decrementFree func(*BlockGroup)
	incrementFree func(*BlockGroup)
}

func (f *FS) inodeStrategy() bitmapStrategy {
	return bitmapStrategy{
		bitmapBlock:   func(bg *BlockGroup) uint32 { return bg.InodeBitmap },
		itemsPerGroup: func() uint32 { return f.sb.InodesPerGroup },
		hasFree:       func(bg *BlockGroup) bool { return bg.FreeInodesCount > 0 },
		decrementFree: func(bg *BlockGroup) { bg.FreeInodesCount-- },
		incrementFree: func(bg *BlockGroup) { bg.FreeInodesCount++ },
	}
}

func (f *FS) blockStrategy() bitmapStrategy {
	return bitmapStrategy{
		bitmapBlock:   func(bg *BlockGroup) uint32 { return bg.BlockBitmap },
		itemsPerGroup: func() uint32 { return f.sb.BlocksPerGroup },
		hasFree:       func(bg *BlockGroup) bool { return bg.FreeBlocksCount > 0 },
		decrementFree: func(bg *BlockGroup) { bg.FreeBlocksCount-- },
		incrementFree: func(bg *BlockGroup) { bg.FreeBlocksCount++ },
	}
}

const bitsPerBioBlock = bio.BlockSize * 8

func (f *FS) allocateFromBitmap(initialGroup uint32, s bitmapStrategy) (uint32, bool, error) {
	bgroup := initialGroup
	for {
		bg, err := f.readBlockGroup(bgroup)
		if err != nil {
			return 0, false, err
		}
		if s.hasFree(bg) {
			bitmapFirst := bio.BlockNumber(s.bitmapBlock(bg)) * bio.BlockNumber(f.biosPerBlock)
			items := s.itemsPerGroup()
			for itemIndex := uint32(0); itemIndex < items; itemIndex++ {
				b, err := f.cache.ReadBlock(f.dev, bitmapFirst+bio.BlockNumber(itemIndex/bitsPerBioBlock))
				if err != nil {
					return 0, false, err
				}
				byteOff := (itemIndex % bitsPerBioBlock) / 8
				bit := byte(1 << (itemIndex % 8))
				if b.Data[byteOff]&bit == 0 {
					b.Data[byteOff] |= bit
					f.cache.WriteBlock(b)
					f.cache.Release(b)

					s.decrementFree(bg)
					if err := f.writeBlockGroup(bgroup, bg); err != nil {
						return 0, false, err
					}
					return bgroup*items + itemIndex, true, nil
				}
				f.cache.Release(b)
			}
		}
		bgroup = (bgroup + 1) % f.numGroups
		if bgroup == initialGroup {
			return 0, false, nil
		}
	}
}

func (f *FS) freeFromBitmap(bgroup, itemIndex uint32, s bitmapStrategy) (bool, error) {
	bg, err := f.readBlockGroup(bgroup)
	if err != nil {
		return false, err
	}
	bitmapFirst := bio.BlockNumber(s.bitmapBlock(bg)) * bio.BlockNumber(f.biosPerBlock)
	b, err := f.cache.ReadBlock(f.dev, bitmapFirst+bio.BlockNumber(itemIndex/bitsPerBioBlock))
	if err != nil {
		return false, err
	}
	defer f.cache.Release(b)

	byteOff := (itemIndex % bitsPerBioBlock) / 8
	bit := byte(1 << (itemIndex % 8))
	if b.Data[byteOff]&bit == 0 {
		return false, nil
	}
	b.Data[byteOff] &^= bit
	f.cache.WriteBlock(b)

	s.incrementFree(bg)
	if err := f.writeBlockGroup(bgroup, bg); err != nil {
		return false, err
	}
	return true, nil
}

// AllocateInode takes a free inode from dirInum's block group (wrapping
// forward through the rest of the groups), returning the new inode number
// (1-based, as usual).
func (f *FS) AllocateInode(dirInum uint32) (uint32, error) {
	initialGroup := (dirInum - 1) / f.sb.InodesPerGroup
	idx, ok, err := f.allocateFromBitmap(initialGroup, f.inodeStrategy())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, kerr.New("ext2.AllocateInode", kerr.OutOfSpace)
	}
	f.sb.FreeInodesCount--
	if err := f.updateSuperblock(); err != nil {
		return 0, err
	}
	return idx + 1, nil
}

// AllocateBlock takes a free data block starting the search at the block
// group that owns inum. Spec §9 notes this locality choice (directory
// inode's group, not "last used group") is intentionally unchanged.
func (f *FS) AllocateBlock(inum uint32) (uint32, error) {
	initialGroup := (inum - 1) / f.sb.InodesPerGroup
	idx, ok, err := f.allocateFromBitmap(initialGroup, f.blockStrategy())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, kerr.New("ext2.AllocateBlock", kerr.OutOfSpace)
	}
	f.sb.FreeBlocksCount--
	if err := f.updateSuperblock(); err != nil {
		return 0, err
	}
	return idx, nil
}

// FreeDataBlock releases one allocated data block back to its group's
// bitmap.
func (f *FS) FreeDataBlock(blockNr uint32) error {
	bgroup := blockNr / f.sb.BlocksPerGroup
	index := blockNr % f.sb.BlocksPerGroup
	ok, err := f.freeFromBitmap(bgroup, index, f.blockStrategy())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	f.sb.FreeBlocksCount++
	return f.updateSuperblock()
}

// traverseBlockPointers calls fn once for every block pointer stored in
// the ext2 block blockNr (itself an indirect block).
func (f *FS) traverseBlockPointers(blockNr uint32, fn func(uint32)) error {
	pointersPerBlock := f.blockSize / 4
	for n := uint32(0); n < pointersPerBlock; n++ {
		bioBlockNr := bio.BlockNumber(blockNr)*bio.BlockNumber(f.biosPerBlock) + bio.BlockNumber(n/pointersPerBioBlock)
		offset := (n % pointersPerBioBlock) * 4
		b, err := f.cache.ReadBlock(f.dev, bioBlockNr)
		if err != nil {
			return err
		}
		ptr := binary.LittleEndian.Uint32(b.Data[offset : offset+4])
		f.cache.Release(b)
		fn(ptr)
	}
	return nil
}

// FreeDataBlocks releases every data block (direct and indirect) an
// on-disk inode references, used by Truncate/UnlinkInode.
func (f *FS) FreeDataBlocks(in *Inode) error {
	var firstErr error
	freeIfUsed := func(blockNr uint32) {
		if blockNr == 0 || firstErr != nil {
			return
		}
		if err := f.FreeDataBlock(blockNr); err != nil {
			firstErr = err
		}
	}

	for n := 0; n < 12; n++ {
		freeIfUsed(in.Block[n])
	}
	if in.Block[12] != 0 {
		if err := f.traverseBlockPointers(in.Block[12], freeIfUsed); err != nil {
			return err
		}
		freeIfUsed(in.Block[12])
	}
	if in.Block[13] != 0 {
		if err := f.traverseBlockPointers(in.Block[13], func(indirect uint32) {
			if indirect == 0 || firstErr != nil {
				return
			}
			if err := f.traverseBlockPointers(indirect, freeIfUsed); err != nil {
				firstErr = err
				return
			}
			freeIfUsed(indirect)
		}); err != nil {
			return err
		}
		freeIfUsed(in.Block[13])
	}
	if in.Block[14] != 0 {
		if err := f.traverseBlockPointers(in.Block[14], func(first uint32) {
			if first == 0 || firstErr != nil {
				return
			}
			if err := f.traverseBlockPointers(first, func(second uint32) {
				if second == 0 || firstErr != nil {
					return
				}
				if err := f.traverseBlockPointers(second, freeIfUsed); err != nil {
					firstErr = err
					return
				}
				freeIfUsed(second)
			}); err != nil {
				firstErr = err
				return
			}
			freeIfUsed(first)
		}); err != nil {
			return err
		}
		freeIfUsed(in.Block[14])
	}
	return firstErr
}

// FreeInode releases inum's bitmap bit and zeroes its on-disk image.
func (f *FS) FreeInode(inum uint32) error {
	bgroup := (inum - 1) / f.sb.InodesPerGroup
	index := (inum - 1) % f.sb.InodesPerGroup
	ok, err := f.freeFromBitmap(bgroup, index, f.inodeStrategy())
	if err != nil || !ok {
		return err
	}
	f.sb.FreeInodesCount++
	if err := f.updateSuperblock(); err != nil {
		return err
	}
	return f.WriteInode(inum, &Inode{})
}

// UpdateBlockGroupFor reads, mutates via fn, and writes back the block
// group descriptor owning inum — used for bg_used_dirs_count bookkeeping.
func (f *FS) UpdateBlockGroupFor(inum uint32, fn func(*BlockGroup)) error {
	bgroup := (inum - 1) / f.sb.InodesPerGroup
	bg, err := f.readBlockGroup(bgroup)
	if err != nil {
		return err
	}
	fn(bg)
	return f.writeBlockGroup(bgroup, bg)
}

// Superblock exposes the mounted superblock for read access (stat, mkfs
// verification, tests).
func (f *FS) Superblock() *Superblock { return f.sb }

// BlockSize returns the filesystem's block size in bytes.
func (f *FS) BlockSize() uint32 { return f.blockSize }
