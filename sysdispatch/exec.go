package sysdispatch

import (
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/zhmu/dogfood-sub000/fs"
	"github.com/zhmu/dogfood-sub000/kerr"
	"github.com/zhmu/dogfood-sub000/proc"
	"github.com/zhmu/dogfood-sub000/vm"
)

// execStackBase/execStackSize bound the fresh userland stack exec
// installs; only its top page ever holds content (argv/envp/auxv plus
// the string data they point into), matching
// PrepareNewUserlandStack/MapUserlandStack's single populated page.
const (
	execStackBase = uintptr(0x0000_7ffe_0000_0000)
	execStackSize = 16 * vm.PageSize
	execStackVA   = execStackBase + uintptr(execStackSize) - vm.PageSize
)

// maxExecArgs bounds the argv/envp pointer-array scan the same way
// maxCStringLen bounds a single string: a missing NUL terminator in a
// malformed user array can't spin the kernel forever.
const maxExecArgs = 256

// elfReaderAt adapts an inode's content to io.ReaderAt, what debug/elf
// needs to parse a file it does not otherwise know how to read.
type elfReaderAt struct {
	vfs *fs.FS
	in  *fs.Inode
}

func (r elfReaderAt) ReadAt(buf []byte, off int64) (int, error) {
	n, err := r.vfs.Read(r.in, buf, off)
	if err != nil {
		return n, err
	}
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// readStringVector reads a NUL-pointer-terminated array of C strings out
// of space starting at va, the argv/envp shape exec's second and third
// arguments take.
func readStringVector(space *vm.Space, va uintptr) ([]string, error) {
	if va == 0 {
		return nil, nil
	}
	var out []string
	var word [8]byte
	for i := 0; i < maxExecArgs; i++ {
		if err := space.Read(word[:], va+uintptr(i)*8); err != nil {
			return nil, kerr.Wrap("sysdispatch.execve", kerr.MemoryFault, err)
		}
		ptr := binary.LittleEndian.Uint64(word[:])
		if ptr == 0 {
			return out, nil
		}
		s, err := readCString(space, uintptr(ptr))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return nil, kerr.New("sysdispatch.execve", kerr.NameTooLong)
}

// buildExecStack lays out a single stack page exactly as
// PrepareNewUserlandStack does: argc, argv pointers, a null, envp
// pointers, a null, a terminating (AT_NULL, 0) auxv pair, then every
// string's bytes packed after that fixed-size header. Pointer values
// are absolute, computed against execStackVA since the page's final
// address is known up front.
func buildExecStack(argv, envp []string) ([]byte, error) {
	headerWords := 1 + (len(argv) + 1) + (len(envp) + 1) + 2
	dataOff := headerWords * 8
	page := make([]byte, vm.PageSize)

	writeStr := func(s string) (uint64, error) {
		n := len(s) + 1
		if dataOff+n > len(page) {
			return 0, kerr.New("sysdispatch.execve", kerr.NameTooLong)
		}
		copy(page[dataOff:], s)
		va := uint64(execStackVA) + uint64(dataOff)
		dataOff += n
		return va, nil
	}

	binary.LittleEndian.PutUint64(page[0:8], uint64(len(argv)))
	off := 8
	for _, s := range argv {
		va, err := writeStr(s)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(page[off:off+8], va)
		off += 8
	}
	off += 8 // argv's null terminator; already zero
	for _, s := range envp {
		va, err := writeStr(s)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(page[off:off+8], va)
		off += 8
	}
	// envp's null terminator and the (AT_NULL, 0) auxv pair are already
	// zero; nothing left to write.
	return page, nil
}

// doExecve implements execve(path, argv, envp): verify an ET_EXEC
// x86-64 ELF64 image, build a fresh argv/envp/auxv stack in the
// *current* address space while its strings are still readable, and
// only then replace every mapping with the image's PT_LOAD segments
// plus the new stack, setting tf.Rip/tf.Rsp to the fresh entry point
// and stack pointer. Grounded on exec.cpp's VerifyHeader/
// LoadProgramHeaders/PrepareNewUserlandStack/MapUserlandStack sequence.
func doExecve(vfs *fs.FS, p *proc.Process, tf *Frame) int64 {
	pathStr, err := readCString(p.Space, uintptr(tf.Arg1))
	if err != nil {
		return errno(err)
	}
	argv, err := readStringVector(p.Space, uintptr(tf.Arg2))
	if err != nil {
		return errno(err)
	}
	envp, err := readStringVector(p.Space, uintptr(tf.Arg3))
	if err != nil {
		return errno(err)
	}

	in, err := vfs.Namei(pathStr, p.Cwd.Inode)
	if err != nil {
		return errno(err)
	}

	f, ferr := elf.NewFile(elfReaderAt{vfs: vfs, in: in})
	if ferr != nil {
		vfs.Iput(in)
		return errno(kerr.Wrap("sysdispatch.execve", kerr.ExecFormat, ferr))
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Version != elf.EV_CURRENT ||
		f.Type != elf.ET_EXEC || f.Machine != elf.EM_X86_64 {
		vfs.Iput(in)
		return errno(kerr.New("sysdispatch.execve", kerr.ExecFormat))
	}
	var loads []*elf.Prog
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			loads = append(loads, prog)
		}
	}

	stack, err := buildExecStack(argv, envp)
	if err != nil {
		vfs.Iput(in)
		return errno(err)
	}

	// Everything past this point is fatal to the process if it fails:
	// the old address space is already gone. exec.cpp carries the same
	// gap ("TODO need to kill the process here") rather than actually
	// killing on a failed load, so this mirrors that instead of
	// inventing a cleanup path the original never had either.
	p.Space.Destroy()

	for _, prog := range loads {
		prot := vm.ProtRead
		if prog.Flags&elf.PF_W != 0 {
			prot |= vm.ProtWrite
		}
		if prog.Flags&elf.PF_X != 0 {
			prot |= vm.ProtExec
		}
		delta := uintptr(prog.Vaddr) & (vm.PageSize - 1)
		inodeOffset := int64(prog.Off) - int64(delta)
		if err := p.Space.Map(uintptr(prog.Vaddr), int(prog.Memsz), prot, in, inodeOffset); err != nil {
			vfs.Iput(in)
			return errno(kerr.Wrap("sysdispatch.execve", kerr.MemoryFault, err))
		}
	}
	vfs.Iput(in)

	if err := p.Space.Map(execStackBase, execStackSize, vm.ProtRead|vm.ProtWrite, nil, 0); err != nil {
		return errno(kerr.Wrap("sysdispatch.execve", kerr.MemoryFault, err))
	}
	if !p.Space.HandlePageFault(vfs, execStackVA) {
		return errno(kerr.New("sysdispatch.execve", kerr.NoMemory))
	}
	if err := p.Space.Write(stack, execStackVA); err != nil {
		return errno(kerr.Wrap("sysdispatch.execve", kerr.MemoryFault, err))
	}

	tf.Rip = f.Entry
	tf.Rsp = uint64(execStackVA)
	return 0
}
