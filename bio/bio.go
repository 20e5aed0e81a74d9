// Package bio implements the buffered block I/O cache sitting between the
// filesystem and the disk driver: a fixed pool of 512-byte buffers kept on
// an LRU list and indexed by (device, block number), with in-flight read
// deduplication and dirty-on-evict flushing.
package bio

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/zhmu/dogfood-sub000/hashtable"
	"github.com/zhmu/dogfood-sub000/kerr"
	"github.com/zhmu/dogfood-sub000/klog"
)

// BlockSize is the size of one cached buffer, in bytes.
const BlockSize = 512

// Flag bits recording a buffer's cache state.
const (
	FlagValid = 1 << iota
	FlagDirty
)

var log = klog.For("bio")

// BlockNumber is a logical block number relative to a device's own block 0.
type BlockNumber uint64

// Disk is the driver collaborator: one blocking transfer per call,
// addressed by the buffer's already-resolved IOBlockNumber. Out of scope
// per the spec; this is the interface the real IDE driver satisfies.
type Disk interface {
	PerformIO(buf *Buffer) error
}

// Buffer is one cached disk block.
type Buffer struct {
	mu sync.Mutex

	Dev           int
	BlockNumber   BlockNumber
	IOBlockNumber BlockNumber
	Flags         int
	Data          [BlockSize]byte

	refCount int
	elem     *list.Element // this buffer's node in Cache.lru
}

// Valid reports whether the buffer's data reflects the device.
func (b *Buffer) Valid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Flags&FlagValid != 0
}

// Dirty reports whether the buffer has unflushed writes.
func (b *Buffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Flags&FlagDirty != 0
}

type blockDevice struct {
	firstLBA uint64
}

// Cache is a fixed-size pool of buffers shared by every mounted device.
type Cache struct {
	mu      sync.Mutex
	cond    *sync.Cond
	disk    Disk
	buffers []*Buffer
	lru     *list.List // front = MRU, back = LRU candidate
	index   *hashtable.Hashtable_t
	devices map[int]blockDevice
	group   singleflight.Group
}

// NewCache constructs a cache of n buffers backed by disk.
func NewCache(disk Disk, n int) *Cache {
	c := &Cache{
		disk:    disk,
		buffers: make([]*Buffer, n),
		lru:     list.New(),
		index:   hashtable.MkHash(nextPow2(n)),
		devices: make(map[int]blockDevice),
	}
	c.cond = sync.NewCond(&c.mu)
	for i := 0; i < n; i++ {
		b := &Buffer{}
		c.buffers[i] = b
		b.elem = c.lru.PushBack(b)
	}
	return c
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	if p < 8 {
		p = 8
	}
	return p
}

// RegisterDevice records the physical LBA at which dev's logical block 0
// lives, so partition offsets are applied transparently on every I/O.
func (c *Cache) RegisterDevice(dev int, firstLBA uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[dev] = blockDevice{firstLBA: firstLBA}
}

func (c *Cache) commit(b *Buffer) bool {
	if b.Flags&FlagDirty == 0 {
		return false
	}
	if err := c.disk.PerformIO(b); err != nil {
		log.Tracef("commit: dev=%d blk=%d: %v\n", b.Dev, b.BlockNumber, err)
		return false
	}
	b.Flags &^= FlagDirty
	return true
}

// get returns a held reference to the buffer caching (dev,bno), creating
// (but not yet reading) one if it is not already cached.
func (c *Cache) get(dev int, bno BlockNumber) *Buffer {
	key := hashtable.DevBlk_t{Dev: dev, Blk: int(bno)}

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if v, ok := c.index.Get(key); ok {
			b := v.(*Buffer)
			b.mu.Lock()
			b.refCount++
			b.mu.Unlock()
			c.lru.MoveToFront(b.elem)
			return b
		}

		// Evict the least-recently-used unreferenced buffer, scanning from
		// the back of the LRU list.
		for e := c.lru.Back(); e != nil; e = e.Prev() {
			b := e.Value.(*Buffer)
			b.mu.Lock()
			if b.refCount != 0 {
				b.mu.Unlock()
				continue
			}
			if b.Flags&FlagValid != 0 {
				c.index.Del(hashtable.DevBlk_t{Dev: b.Dev, Blk: int(b.BlockNumber)})
			}
			c.commit(b)
			dev2 := c.devices[dev]
			b.Dev = dev
			b.BlockNumber = bno
			b.IOBlockNumber = BlockNumber(dev2.firstLBA) + bno
			b.Flags = 0
			b.refCount = 1
			b.mu.Unlock()

			c.index.Set(key, b)
			c.lru.MoveToFront(e)
			return b
		}

		// Every buffer is referenced: block until a Release wakes us,
		// rather than panicking (spec §9 open question).
		c.cond.Wait()
	}
}

// ReadBlock returns a held reference to (dev,bno)'s buffer with valid
// data, issuing exactly one driver read if it was not already cached and
// valid. Concurrent misses for the same block are collapsed into one
// driver call via singleflight.
func (c *Cache) ReadBlock(dev int, bno BlockNumber) (*Buffer, error) {
	b := c.get(dev, bno)
	if b.Valid() {
		return b, nil
	}

	key := fmt.Sprintf("%d:%d", dev, bno)
	_, err, _ := c.group.Do(key, func() (interface{}, error) {
		if b.Valid() {
			return nil, nil
		}
		if err := c.disk.PerformIO(b); err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.Flags |= FlagValid
		b.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		c.Release(b)
		return nil, kerr.Wrap("bio.ReadBlock", kerr.IOError, err)
	}
	return b, nil
}

// WriteBlock marks buf dirty; the write is committed on eviction or Sync.
func (c *Cache) WriteBlock(b *Buffer) {
	b.mu.Lock()
	b.Flags |= FlagDirty
	b.mu.Unlock()
}

// Release drops one reference to b; at zero it becomes eligible for
// eviction and moves to the MRU position (the front of the LRU list).
func (c *Cache) Release(b *Buffer) {
	b.mu.Lock()
	if b.refCount <= 0 {
		b.mu.Unlock()
		panic("bio: release of unreferenced buffer")
	}
	b.refCount--
	zero := b.refCount == 0
	b.mu.Unlock()

	if zero {
		c.mu.Lock()
		c.lru.MoveToFront(b.elem)
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// Sync flushes every dirty buffer and returns how many were written.
func (c *Cache) Sync() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for e := c.lru.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buffer)
		b.mu.Lock()
		if c.commit(b) {
			n++
		}
		b.mu.Unlock()
	}
	return n
}
