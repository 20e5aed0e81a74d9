// Package vm models a process's virtual address space. Per spec §9 this
// kernel has no real MMU to program: page tables are represented as
// ordinary Go data (a sparse map from page-aligned virtual address to its
// backing page), and forking copies mapped pages eagerly rather than
// setting up copy-on-write — the teacher's x86-64 4-level PML4 walk is
// kept only as its recursive-structure idea, not its encoding.
package vm

import (
	"sync"

	"github.com/zhmu/dogfood-sub000/fs"
	"github.com/zhmu/dogfood-sub000/kerr"
	"github.com/zhmu/dogfood-sub000/mem"
)

// PageSize is the unit of mapping granularity.
const PageSize = mem.PageSize

// Protection flags for a Mapping.
const (
	ProtRead = 1 << iota
	ProtWrite
	ProtExec
)

// Mapping is one half-open virtual range [Start,End), either anonymous
// (zero-filled on fault) or backed by an inode's content at InodeOffset.
type Mapping struct {
	Start, End  uintptr
	Prot        int
	Inode       *fs.Inode
	InodeOffset int64
}

func (m *Mapping) contains(va uintptr) bool { return va >= m.Start && va < m.End }

// Space is one process's address space: a set of mappings plus the pages
// actually faulted in for them.
type Space struct {
	mu       sync.Mutex
	mappings []*Mapping
	pages    map[uintptr]mem.PageRef

	nextMmapAddr uintptr
}

// mmapBase is where anonymous OP_MAP allocations start growing from,
// matching the teacher's vm::userland::mmapBase convention.
const mmapBase = uintptr(0x0000_7000_0000_0000)

// NewSpace returns an empty address space (the Go analogue of
// CreateUserlandPageDirectory: no kernel mappings to copy in since there
// is no real page directory underneath).
func NewSpace() *Space {
	return &Space{pages: make(map[uintptr]mem.PageRef), nextMmapAddr: mmapBase}
}

func pageAlign(va uintptr) uintptr { return va &^ (PageSize - 1) }

// Map installs a new mapping covering [va, va+length), rounded to page
// boundaries.
func (s *Space) Map(va uintptr, length int, prot int, in *fs.Inode, inodeOffset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := pageAlign(va)
	end := pageAlign(va+uintptr(length)+PageSize-1)
	for _, m := range s.mappings {
		if start < m.End && end > m.Start {
			return kerr.New("vm.Map", kerr.AlreadyExists)
		}
	}
	s.mappings = append(s.mappings, &Mapping{Start: start, End: end, Prot: prot, Inode: in, InodeOffset: inodeOffset})
	return nil
}

// Unmap tears down every mapping (and its faulted-in pages) lying wholly
// inside the page-aligned range [va, va+length). A mapping that only
// partly overlaps the range is left in place.
func (s *Space) Unmap(va uintptr, length int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := pageAlign(va)
	end := pageAlign(va+uintptr(length)+PageSize-1)
	kept := s.mappings[:0]
	found := false
	for _, m := range s.mappings {
		if start <= m.Start && end >= m.End {
			found = true
			for p := m.Start; p < m.End; p += PageSize {
				if ref, ok := s.pages[p]; ok {
					mem.Release(ref)
					delete(s.pages, p)
				}
			}
			continue
		}
		kept = append(kept, m)
	}
	s.mappings = kept
	if !found {
		return kerr.New("vm.Unmap", kerr.InvalidArgument)
	}
	return nil
}

// HandlePageFault materializes the page covering va: zero-filled for an
// anonymous mapping, read from the backing inode otherwise. It returns
// false if va is not covered by any mapping (a genuine segmentation
// violation) or the backing read failed.
func (s *Space) HandlePageFault(vfs *fs.FS, va uintptr) bool {
	page := pageAlign(va)

	s.mu.Lock()
	if _, already := s.pages[page]; already {
		s.mu.Unlock()
		return true
	}
	var target *Mapping
	for _, m := range s.mappings {
		if m.contains(page) {
			target = m
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return false
	}

	ref, ok := mem.AllocateOne()
	if !ok {
		return false
	}

	if target.Inode != nil {
		readOffset := int64(page - target.Start)
		n := PageSize
		remaining := int64(target.Inode.Ext2().Size) - (target.InodeOffset + readOffset)
		if remaining < int64(n) {
			n = int(remaining)
		}
		if n > 0 {
			if _, err := vfs.Read(target.Inode, ref.Bytes()[:n], target.InodeOffset+readOffset); err != nil {
				mem.Release(ref)
				return false
			}
		}
	}

	s.mu.Lock()
	s.pages[page] = ref
	s.mu.Unlock()
	return true
}

// Clone duplicates every mapping and eagerly copies every already-faulted
// page's content into a fresh page (explicitly not copy-on-write, per
// spec §9).
func (s *Space) Clone() *Space {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := NewSpace()
	dst.nextMmapAddr = s.nextMmapAddr
	for _, m := range s.mappings {
		cp := *m
		dst.mappings = append(dst.mappings, &cp)
	}
	for va, ref := range s.pages {
		newRef, ok := mem.AllocateOne()
		if !ok {
			continue
		}
		copy(newRef.Bytes(), ref.Bytes())
		dst.pages[va] = newRef
	}
	return dst
}

// Destroy releases every page this space has faulted in.
func (s *Space) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for va, ref := range s.pages {
		mem.Release(ref)
		delete(s.pages, va)
	}
	s.mappings = nil
}

// MmapAnon reserves length bytes of anonymous, private memory starting at
// the space's next free mmap address, the Go analogue of VmOp's OP_MAP.
func (s *Space) MmapAnon(length int) (uintptr, error) {
	s.mu.Lock()
	addr := s.nextMmapAddr
	n := (length + PageSize - 1) / PageSize
	s.nextMmapAddr += uintptr(n) * PageSize
	s.mu.Unlock()

	if err := s.Map(addr, n*PageSize, ProtRead|ProtWrite, nil, 0); err != nil {
		return 0, err
	}
	return addr, nil
}

// MunmapAnon is the OP_UNMAP analogue of MmapAnon.
func (s *Space) MunmapAnon(addr uintptr, length int) error {
	if addr < mmapBase {
		return kerr.New("vm.MunmapAnon", kerr.InvalidArgument)
	}
	return s.Unmap(addr, length)
}

// Read copies len(buf) bytes starting at va out of the faulted-in pages
// backing this space, used by the syscall layer's user-pointer copy-in.
func (s *Space) Read(buf []byte, va uintptr) error {
	return s.transfer(buf, va, false)
}

// Write copies len(buf) bytes into the faulted-in pages backing this
// space starting at va, used by the syscall layer's copy-out.
func (s *Space) Write(buf []byte, va uintptr) error {
	return s.transfer(buf, va, true)
}

func (s *Space) transfer(buf []byte, va uintptr, write bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(buf) {
		page := pageAlign(va + uintptr(n))
		ref, ok := s.pages[page]
		if !ok {
			return kerr.New("vm.transfer", kerr.MemoryFault)
		}
		off := int(va+uintptr(n)) - int(page)
		chunk := PageSize - off
		if remain := len(buf) - n; chunk > remain {
			chunk = remain
		}
		if write {
			copy(ref.Bytes()[off:off+chunk], buf[n:n+chunk])
		} else {
			copy(buf[n:n+chunk], ref.Bytes()[off:off+chunk])
		}
		n += chunk
	}
	return nil
}
