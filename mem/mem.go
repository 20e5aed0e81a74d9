// Package mem implements the kernel's buddy page allocator: a set of
// PageZones, each carved out of a caller-supplied contiguous region and
// managed as a set of per-order freelists with bitmap-tracked occupancy.
package mem

import (
	"fmt"
	"sync"

	"github.com/zhmu/dogfood-sub000/oommsg"
)

// PageSize is the fixed size of one page, in bytes.
const PageSize = 4096

// MaxOrders bounds the largest allocation a zone can satisfy directly:
// 1<<(MaxOrders-1) pages.
const MaxOrders = 10

// Debug gates allocator tracing, mirroring the original's DEBUG_PAGE_ALLOC
// compile-time flag as a runtime switch.
var Debug = false

func debugf(format string, args ...interface{}) {
	if Debug {
		fmt.Printf(format, args...)
	}
}

// Page is one zone-relative page-sized unit of memory. Its order is -1
// when it is a bookkeeping placeholder and otherwise equals log2 of the
// number of pages in the block it heads.
type Page struct {
	zone     *PageZone
	index    int
	order    int
	refcount int
}

// Index returns this page's zone-relative page index.
func (p *Page) Index() int { return p.index }

// Order returns the page's current block order.
func (p *Page) Order() int { return p.order }

// PageZone is a contiguous physical region managed independently by the
// allocator. Arriving via register_memory, it carves its own bookkeeping
// (bitmap, Page records) from the front of the supplied region and frees
// the remainder page by page into the order-0 freelist, letting the usual
// merge cascade build up higher-order blocks.
type PageZone struct {
	mu sync.Mutex

	data      []byte // the region handed to RegisterMemory, in full
	dataPages int     // index, in pages, of the first non-admin page
	numPages  int     // usable pages in this zone (data pages, not admin)
	bitmap    []byte  // one bit per usable page, 1 = in use
	pages     []Page  // one Page record per usable page
	free      [MaxOrders][]int // per-order freelists of page indices
	avail     int
}

// zones holds every registered region in registration order; allocation
// searches them in that order, matching the original's intrusive list of
// zones.
var (
	zonesMu sync.Mutex
	zones   []*PageZone
)

func isInUse(bitmap []byte, bit int) bool {
	return bitmap[bit/8]&(1<<(uint(bit)&7)) != 0
}

func markInUse(bitmap []byte, bit int) {
	bitmap[bit/8] |= 1 << (uint(bit) & 7)
}

func markFree(bitmap []byte, bit int) {
	bitmap[bit/8] &^= 1 << (uint(bit) & 7)
}

// RegisterMemory carves zone bookkeeping from the head of region and
// registers the remainder as a new, independently managed zone. region
// must be a contiguous, already virtually-mapped byte slice; the caller
// retains no other reference to it.
func RegisterMemory(region []byte) *PageZone {
	totalPages := len(region) / PageSize
	bitmapSize := (totalPages + 7) / 8
	// admin overhead: the bitmap plus one Page record per usable page,
	// rounded up to whole pages, mirroring RegisterMemory's num_admin_pages
	// computation (sizeof(PageZone) is folded into the Go allocator's own
	// heap, not carved from region, since PageZone here is a normal Go
	// value rather than something placed at region's base).
	adminBytes := bitmapSize + totalPages*pageRecordSize
	adminPages := (adminBytes + PageSize - 1) / PageSize
	numPages := totalPages - adminPages
	if numPages <= 0 {
		panic("mem: region too small to register")
	}

	z := &PageZone{
		data:      region,
		dataPages: adminPages,
		numPages:  numPages,
		bitmap:    make([]byte, (numPages+7)/8),
		pages:     make([]Page, numPages),
	}
	for i := range z.bitmap {
		z.bitmap[i] = 0xff // all pages initially in use
	}
	for i := range z.pages {
		z.pages[i] = Page{zone: z, index: i, order: 0}
	}

	debugf("mem: RegisterMemory pages=%d admin=%d usable=%d\n", totalPages, adminPages, numPages)

	for i := 0; i < numPages; i++ {
		z.freeIndex(0, i)
	}

	zonesMu.Lock()
	zones = append(zones, z)
	zonesMu.Unlock()
	return z
}

// pageRecordSize is an estimate of per-page bookkeeping overhead used only
// to size the admin reserve the same way the original's sizeof(Page) does;
// it need not be exact since Page records here live on the Go heap, not in
// region itself.
const pageRecordSize = 32

// Data returns the backing bytes for a single page.
func (z *PageZone) Data(p *Page) []byte {
	off := (z.dataPages + p.index) * PageSize
	return z.data[off : off+PageSize]
}

// allocateFromZone implements the split-down-to-order algorithm: find the
// lowest non-empty freelist at or above order, then repeatedly split the
// head block until a block of exactly order remains.
func (z *PageZone) allocateFromZone(order int) *Page {
	z.mu.Lock()
	defer z.mu.Unlock()

	allocOrder := order
	for allocOrder < MaxOrders && len(z.free[allocOrder]) == 0 {
		allocOrder++
	}
	if allocOrder == MaxOrders {
		return nil
	}

	for allocOrder > order {
		n := len(z.free[allocOrder])
		pageIndex := z.free[allocOrder][n-1]
		z.free[allocOrder] = z.free[allocOrder][:n-1]

		buddyIndex := pageIndex ^ (1 << uint(allocOrder-1))
		allocOrder--
		z.free[allocOrder] = append(z.free[allocOrder], pageIndex, buddyIndex)
		z.pages[pageIndex].order = allocOrder
		z.pages[buddyIndex].order = allocOrder
	}

	n := len(z.free[order])
	pageIndex := z.free[order][n-1]
	z.free[order] = z.free[order][:n-1]
	z.avail -= 1 << uint(order)

	p := &z.pages[pageIndex]
	if p.order != order {
		panic("mem: corrupt freelist order")
	}
	if p.refcount != 0 {
		panic("mem: allocating a page with nonzero refcount")
	}
	p.refcount = 1
	markInUse(z.bitmap, pageIndex)
	debugf("mem: allocateFromZone order=%d -> page %d\n", order, pageIndex)
	return p
}

// freeIndex returns the block at index (of the given order) to its
// freelist, then repeatedly attempts to merge it with its buddy.
func (z *PageZone) freeIndex(order, index int) {
	markFree(z.bitmap, index)
	z.avail += 1 << uint(order)
	z.free[order] = append(z.free[order], index)
	z.pages[index].order = order

	for order < MaxOrders-1 {
		buddyIndex := index ^ (1 << uint(order))
		if buddyIndex >= z.numPages || isInUse(z.bitmap, buddyIndex) {
			break
		}
		if z.pages[buddyIndex].order != order {
			break
		}

		removeFromFreelist(&z.free[order], index)
		removeFromFreelist(&z.free[order], buddyIndex)

		order++
		index &^= (1 << uint(order)) - 1
		z.free[order] = append(z.free[order], index)
		z.pages[index].order = order
	}
}

func removeFromFreelist(list *[]int, index int) {
	l := *list
	for i, v := range l {
		if v == index {
			l[i] = l[len(l)-1]
			*list = l[:len(l)-1]
			return
		}
	}
	panic("mem: removeFromFreelist: not present")
}

// PageRef is a reference-counted handle on an allocated page. Its zero
// value is not valid; obtain one from AllocateOrder/AllocateOne/AddRef.
type PageRef struct {
	page *Page
}

// Page exposes the underlying Page record.
func (r PageRef) Page() *Page { return r.page }

// Bytes returns the page's backing storage.
func (r PageRef) Bytes() []byte { return r.page.zone.Data(r.page) }

// PhysAddr returns an opaque, stable identifier for this page suitable for
// use as a device-visible address stand-in (there being no real physical
// memory in a hosted model); callers should treat it as opaque.
func (r PageRef) PhysAddr() uintptr {
	return uintptr(r.page.index)<<32 | uintptr(zoneID(r.page.zone))
}

func zoneID(z *PageZone) uintptr {
	zonesMu.Lock()
	defer zonesMu.Unlock()
	for i, zz := range zones {
		if zz == z {
			return uintptr(i)
		}
	}
	return ^uintptr(0)
}

// AllocateOrder returns a fresh block of 1<<order pages, or the zero
// PageRef and false if no registered zone can satisfy the request.
func AllocateOrder(order int) (PageRef, bool) {
	if order < 0 || order >= MaxOrders {
		panic("mem: order out of range")
	}
	zonesMu.Lock()
	snapshot := append([]*PageZone(nil), zones...)
	zonesMu.Unlock()

	for _, z := range snapshot {
		if p := z.allocateFromZone(order); p != nil {
			return PageRef{page: p}, true
		}
	}
	select {
	case oommsg.OomCh <- oommsg.Oommsg_t{Need: 1 << uint(order)}:
	default:
	}
	return PageRef{}, false
}

// AllocateOne is AllocateOrder(0).
func AllocateOne() (PageRef, bool) {
	return AllocateOrder(0)
}

// AddRef increments a page's refcount and returns an additional handle on
// it. The page must already be held (refcount > 0).
func AddRef(r PageRef) PageRef {
	p := r.page
	p.zone.mu.Lock()
	if p.refcount <= 0 {
		p.zone.mu.Unlock()
		panic("mem: AddRef on unreferenced page")
	}
	p.refcount++
	p.zone.mu.Unlock()
	return PageRef{page: p}
}

// Release drops one reference to the page; at zero it is returned to its
// zone's freelists and merged with its buddy where possible.
func Release(r PageRef) {
	p := r.page
	z := p.zone
	z.mu.Lock()
	if p.order < 0 || p.order >= MaxOrders {
		z.mu.Unlock()
		panic("mem: release of page with invalid order")
	}
	if p.refcount <= 0 {
		z.mu.Unlock()
		panic("mem: double free")
	}
	p.refcount--
	if p.refcount == 0 {
		z.freeIndex(p.order, p.index)
	}
	z.mu.Unlock()
}

// AvailablePages returns the total number of free pages across every
// registered zone.
func AvailablePages() int {
	zonesMu.Lock()
	snapshot := append([]*PageZone(nil), zones...)
	zonesMu.Unlock()

	n := 0
	for _, z := range snapshot {
		z.mu.Lock()
		n += z.avail
		z.mu.Unlock()
	}
	return n
}

// ZoneStats is a point-in-time occupancy snapshot of one registered zone.
type ZoneStats struct {
	Index      int
	NumPages   int
	AvailPages int
}

// Stats returns one ZoneStats per registered zone, in registration order,
// for kernel/kstat's profile.Profile occupancy snapshot.
func Stats() []ZoneStats {
	zonesMu.Lock()
	snapshot := append([]*PageZone(nil), zones...)
	zonesMu.Unlock()

	out := make([]ZoneStats, len(snapshot))
	for i, z := range snapshot {
		z.mu.Lock()
		out[i] = ZoneStats{Index: i, NumPages: z.numPages, AvailPages: z.avail}
		z.mu.Unlock()
	}
	return out
}

// ResetForTest clears all registered zones. Only intended for use between
// test cases that each call RegisterMemory fresh.
func ResetForTest() {
	zonesMu.Lock()
	zones = nil
	zonesMu.Unlock()
}
