// Package ktrap disassembles the instruction bytes around a faulting
// RIP for the diagnostic message printed when a page fault can't be
// resolved, the same opcode-in-panic-dump idea a real kernel's fault
// handler prints before killing the offending process.
package ktrap

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DisassembleFault decodes the instruction starting at code[0], which
// the caller is expected to have copied out of the faulting process's
// address space starting at its RIP, and renders it as an Intel-syntax
// diagnostic line. rip is used only to resolve PC-relative operands.
func DisassembleFault(code []byte, rip uint64) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf("<undecodable: %v>", err)
	}
	return x86asm.IntelSyntax(inst, rip, nil)
}

// FaultReport formats the kill-process diagnostic HandlePageFault's
// caller prints when a fault can't be resolved: the faulting address,
// the process's RIP, and the decoded instruction at RIP.
func FaultReport(pid int, faultAddr, rip uint64, codeAtRip []byte) string {
	return fmt.Sprintf("pid %d: unresolved page fault at %#x (rip=%#x: %s)",
		pid, faultAddr, rip, DisassembleFault(codeAtRip, rip))
}
