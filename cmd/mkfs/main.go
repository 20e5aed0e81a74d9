// Command mkfs writes a minimal, valid ext2 rev-1 image: one block group,
// a root directory containing only "." and "..", sized by the -blocks and
// -inodes flags.
//
// There is no original mkfs source in this system's own history — disk
// images were prepared by a separate build step this repo does not carry
// forward — so this tool is authored directly against the ext2 package's
// own on-disk encoders rather than translated from anything.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/zhmu/dogfood-sub000/ext2"
)

const blockSize = 1024

func main() {
	out := flag.String("o", "", "output image path (required)")
	blocks := flag.Int("blocks", 1024, "total blocks in the image")
	inodes := flag.Int("inodes", 128, "total inodes")
	flag.Parse()

	if *out == "" {
		log.Fatal("mkfs: -o is required")
	}
	if *blocks < 32 || *inodes < 8 {
		log.Fatal("mkfs: image too small to hold a root directory")
	}

	img, err := build(*blocks, *inodes)
	if err != nil {
		log.Fatalf("mkfs: %v", err)
	}
	if err := os.WriteFile(*out, img, 0644); err != nil {
		log.Fatalf("mkfs: %v", err)
	}
}

// build lays out a complete image in memory: superblock, one block-group
// descriptor, its block/inode bitmaps, the inode table, and a root
// directory occupying the first free data block.
func build(totalBlocks, totalInodes int) ([]byte, error) {
	const (
		sbBlock      = 1
		bgBlock      = 2
		blockBmBlock = 3
		inodeBmBlock = 4
		inodeTblFrom = 5
	)

	inodeTableLen := (totalInodes*ext2.InodeSize128 + blockSize - 1) / blockSize
	rootDataBlock := inodeTblFrom + inodeTableLen
	usedBlocks := rootDataBlock + 1 // sb, bgdt, 2 bitmaps, inode table, root data

	img := make([]byte, totalBlocks*blockSize)
	put := func(blockNr int, data []byte) {
		copy(img[blockNr*blockSize:], data)
	}

	sb := &ext2.Superblock{
		InodesCount:     uint32(totalInodes),
		BlocksCount:     uint32(totalBlocks),
		FreeBlocksCount: uint32(totalBlocks - usedBlocks),
		FreeInodesCount: uint32(totalInodes - 2), // reserved inode 1, root inode 2
		FirstDataBlock:  1,
		BlocksPerGroup:  uint32(totalBlocks),
		InodesPerGroup:  uint32(totalInodes),
		Magic_:          ext2.Magic,
		InodeSize:       ext2.InodeSize128,
		State:           ext2.StateClean,
	}
	put(sbBlock, sb.Encode())

	bg := &ext2.BlockGroup{
		BlockBitmap:     blockBmBlock,
		InodeBitmap:     inodeBmBlock,
		InodeTable:      inodeTblFrom,
		FreeBlocksCount: uint16(sb.FreeBlocksCount),
		FreeInodesCount: uint16(sb.FreeInodesCount),
		UsedDirsCount:   1,
	}
	put(bgBlock, bg.Encode())

	blockBitmap := make([]byte, blockSize)
	for i := 0; i < usedBlocks; i++ {
		blockBitmap[i/8] |= 1 << uint(i%8)
	}
	put(blockBmBlock, blockBitmap)

	inodeBitmap := make([]byte, blockSize)
	inodeBitmap[0] = 0x03 // inode 1 (reserved) and inode 2 (root)
	put(inodeBmBlock, inodeBitmap)

	root := &ext2.Inode{
		Mode:       ext2.S_IFDIR | 0755,
		LinksCount: 2,
		Size:       blockSize,
		Block:      [15]uint32{uint32(rootDataBlock)},
	}
	rootOffset := inodeTblFrom*blockSize + (ext2.RootInode-1)*ext2.InodeSize128
	copy(img[rootOffset:], root.Encode())

	dot := ext2.DirEntry{Inode: ext2.RootInode, RecLen: ext2.DirEntryHeaderSize + 4, NameLen: 1, FileType: ext2.FT_DIR, Name: []byte(".")}
	dotdot := ext2.DirEntry{Inode: ext2.RootInode, RecLen: uint16(blockSize) - (ext2.DirEntryHeaderSize + 4), NameLen: 2, FileType: ext2.FT_DIR, Name: []byte("..")}
	put(rootDataBlock, dot.Encode())
	copy(img[rootDataBlock*blockSize+int(dot.RecLen):], dotdot.Encode())

	return img, nil
}
