package ext2

import (
	"encoding/binary"

	"github.com/zhmu/dogfood-sub000/bio"
	"github.com/zhmu/dogfood-sub000/kerr"
)

// pointersPerBlock is how many 32-bit block pointers an ext2 block (not a
// BIO buffer) holds.
func (f *FS) pointersPerBlock() uint32 { return f.blockSize / 4 }

// determineIndirect locates which of i_block[12..14] covers ext2 block
// inodeBlockNr (counted from the start of the content; the 12 direct
// blocks are subtracted here), returning the slot and how many
// indirection levels to descend.
func (f *FS) determineIndirect(in *Inode, inodeBlockNr uint32) (slot *uint32, level int, ok bool) {
	ppb := f.pointersPerBlock()

	inodeBlockNr -= 12
	if inodeBlockNr < ppb {
		return &in.Block[12], 0, true
	}
	inodeBlockNr -= ppb
	if inodeBlockNr < ppb*ppb {
		return &in.Block[13], 1, true
	}
	inodeBlockNr -= ppb * ppb
	if inodeBlockNr < ppb*ppb*(ppb+1) {
		return &in.Block[14], 2, true
	}
	return nil, 0, false
}

// allocateNewBlockAsNecessary materializes *block (allocating and
// zero-filling a fresh data block) unless createIfNecessary is false, in
// which case it only reports whether one is already present.
func (f *FS) allocateNewBlockAsNecessary(inum uint32, in *Inode, block *uint32, createIfNecessary bool) (bool, error) {
	if !createIfNecessary {
		return *block != 0, nil
	}
	if *block != 0 {
		return true, nil
	}

	newBlock, err := f.AllocateBlock(inum)
	if err != nil {
		return false, err
	}
	*block = newBlock
	in.Blocks++
	if err := f.WriteInode(inum, in); err != nil {
		return false, err
	}

	for n := uint32(0); n < f.biosPerBlock; n++ {
		b, err := f.cache.ReadBlock(f.dev, bio.BlockNumber(newBlock)*bio.BlockNumber(f.biosPerBlock)+bio.BlockNumber(n))
		if err != nil {
			return false, err
		}
		for i := range b.Data {
			b.Data[i] = 0
		}
		f.cache.WriteBlock(b)
		f.cache.Release(b)
	}
	return true, nil
}

// Bmap translates inodeBlockNr (a logical offset into in's content,
// counted in BIO blocks of bio.BlockSize bytes, the unit ReadAt and
// WriteAt pass) to an absolute BIO block number, walking direct or
// indirect pointers as needed. If createIfNecessary, missing blocks
// (including indirect blocks themselves) are allocated and zeroed; in is
// mutated and persisted whenever a new block pointer is stored.
func (f *FS) Bmap(inum uint32, in *Inode, inodeBlockNr uint32, createIfNecessary bool) (bio.BlockNumber, error) {
	ext2BlockNr := inodeBlockNr / f.biosPerBlock
	bioOffset := bio.BlockNumber(inodeBlockNr % f.biosPerBlock)

	if ext2BlockNr < 12 {
		block := &in.Block[ext2BlockNr]
		ok, err := f.allocateNewBlockAsNecessary(inum, in, block, createIfNecessary)
		if err != nil || !ok {
			return 0, err
		}
		return bio.BlockNumber(*block)*bio.BlockNumber(f.biosPerBlock) + bioOffset, nil
	}

	indirectSlot, level, ok := f.determineIndirect(in, ext2BlockNr)
	if !ok {
		return 0, kerr.New("ext2.Bmap", kerr.InvalidArgument)
	}
	remaining := ext2BlockNr - 12
	ppb := f.pointersPerBlock()
	switch level {
	case 1:
		remaining -= ppb
	case 2:
		remaining -= ppb + ppb*ppb
	}

	allocOK, err := f.allocateNewBlockAsNecessary(inum, in, indirectSlot, createIfNecessary)
	if err != nil || !allocOK {
		return 0, err
	}
	indirect := *indirectSlot

	blockShift := f.sb.LogBlockSize + 8
	for l := level; l >= 0; l-- {
		blockIndex := (remaining >> (blockShift * uint32(l))) % ppb
		bioBlockNr := bio.BlockNumber(indirect) * bio.BlockNumber(f.biosPerBlock)
		bioBlockNr += bio.BlockNumber(blockIndex / pointersPerBioBlock)
		offset := (blockIndex % pointersPerBioBlock) * 4

		b, err := f.cache.ReadBlock(f.dev, bioBlockNr)
		if err != nil {
			return 0, err
		}
		ptr := binary.LittleEndian.Uint32(b.Data[offset : offset+4])
		savedPtr := ptr
		ok, err := f.allocateNewBlockAsNecessary(inum, in, &ptr, createIfNecessary)
		if ptr != savedPtr {
			binary.LittleEndian.PutUint32(b.Data[offset:offset+4], ptr)
			f.cache.WriteBlock(b)
		}
		f.cache.Release(b)
		if err != nil || !ok {
			return 0, err
		}
		indirect = ptr
	}

	if indirect == 0 {
		return 0, nil
	}
	return bio.BlockNumber(indirect)*bio.BlockNumber(f.biosPerBlock) + bioOffset, nil
}

// ReadAt reads up to len(buf) bytes of in's content starting at offset,
// stopping at in.Size; it never allocates new blocks.
func (f *FS) ReadAt(inum uint32, in *Inode, buf []byte, offset int64) (int, error) {
	size := int64(in.Size)
	if offset >= size {
		return 0, nil
	}
	if offset+int64(len(buf)) > size {
		buf = buf[:size-offset]
	}

	total := 0
	for total < len(buf) {
		blockIdx := uint32((offset + int64(total)) / bio.BlockSize)
		inBlockOff := bio.BlockNumber((offset + int64(total)) % bio.BlockSize)

		bioBlockNr, err := f.Bmap(inum, in, blockIdx, false)
		if err != nil {
			return total, err
		}
		n := bio.BlockSize - int(inBlockOff)
		if remain := len(buf) - total; n > remain {
			n = remain
		}

		if bioBlockNr == 0 {
			for i := 0; i < n; i++ {
				buf[total+i] = 0
			}
		} else {
			b, err := f.cache.ReadBlock(f.dev, bioBlockNr)
			if err != nil {
				return total, err
			}
			copy(buf[total:total+n], b.Data[inBlockOff:int(inBlockOff)+n])
			f.cache.Release(b)
		}
		total += n
	}
	return total, nil
}

// WriteAt writes len(buf) bytes into in's content at offset, allocating
// blocks as needed and growing in.Size; in is persisted via WriteInode
// whenever Size changes.
func (f *FS) WriteAt(inum uint32, in *Inode, buf []byte, offset int64) (int, error) {
	total := 0
	for total < len(buf) {
		blockIdx := uint32((offset + int64(total)) / bio.BlockSize)
		inBlockOff := bio.BlockNumber((offset + int64(total)) % bio.BlockSize)

		bioBlockNr, err := f.Bmap(inum, in, blockIdx, true)
		if err != nil {
			return total, err
		}
		if bioBlockNr == 0 {
			return total, kerr.New("ext2.WriteAt", kerr.OutOfSpace)
		}
		n := bio.BlockSize - int(inBlockOff)
		if remain := len(buf) - total; n > remain {
			n = remain
		}

		b, err := f.cache.ReadBlock(f.dev, bioBlockNr)
		if err != nil {
			return total, err
		}
		copy(b.Data[inBlockOff:int(inBlockOff)+n], buf[total:total+n])
		f.cache.WriteBlock(b)
		f.cache.Release(b)
		total += n
	}

	if newSize := uint32(offset) + uint32(total); newSize > in.Size {
		in.Size = newSize
		if err := f.WriteInode(inum, in); err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadExact is ReadAt but treats a short read as an I/O error, matching
// the original engine's ReadExact helper used by directory-entry code.
func (f *FS) ReadExact(inum uint32, in *Inode, buf []byte, offset int64) error {
	n, err := f.ReadAt(inum, in, buf, offset)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return kerr.New("ext2.ReadExact", kerr.IOError)
	}
	return nil
}

// WriteExact is WriteAt but treats a short write as an I/O error.
func (f *FS) WriteExact(inum uint32, in *Inode, buf []byte, offset int64) error {
	n, err := f.WriteAt(inum, in, buf, offset)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return kerr.New("ext2.WriteExact", kerr.IOError)
	}
	return nil
}
