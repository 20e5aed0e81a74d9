// Package signal implements POSIX-like signal delivery: sending,
// sigaction/sigprocmask bookkeeping, and vectoring a pending signal into
// a synthetic return frame on syscall return, per
// original_source/kernel/signal.cpp.
//
// The teacher builds the synthetic frame by pushing a siginfo_t and a
// restorer return address onto the *kernel* stack and adjusting the
// process's rsp0 so the original trap frame survives underneath for
// sigreturn to find. This module has no kernel stack to push onto or
// rsp0 to adjust, so Frame is a plain value the syscall dispatcher is
// expected to carry on its own Go call stack; DeliverSignal returns the
// frame to resume into (either the original, unmodified, or one
// rewritten to enter a handler) and SigReturn is the identity function
// acting on whatever frame the dispatcher saved before delivery.
package signal

import (
	"math/bits"

	"golang.org/x/sys/unix"

	"github.com/zhmu/dogfood-sub000/fs"
	"github.com/zhmu/dogfood-sub000/kerr"
	"github.com/zhmu/dogfood-sub000/klog"
	"github.com/zhmu/dogfood-sub000/proc"
)

var log = klog.For("signal")

// Handler sentinels, matching <dogfood/signal.h>'s SIG_DFL/SIG_IGN.
const (
	SIG_DFL uintptr = 0
	SIG_IGN uintptr = 1
)

// sigprocmask's how values, POSIX-numbered.
const (
	SIG_BLOCK = iota
	SIG_UNBLOCK
	SIG_SETMASK
)

func validSignal(signo int) bool { return signo >= 1 && signo < proc.NSIG }

// DefaultAction is what happens to a process that receives a signal
// whose action is SIG_DFL.
type DefaultAction int

const (
	Terminate DefaultAction = iota
	CoreDump
	Ignore
	Stop
	Continue
)

// defaultActionTable mirrors GetSignalDefaultAction's switch verbatim.
func defaultActionTable(signo int) DefaultAction {
	switch signo {
	case int(unix.SIGHUP), int(unix.SIGINT), int(unix.SIGKILL), int(unix.SIGUSR1), int(unix.SIGUSR2),
		int(unix.SIGPIPE), int(unix.SIGALRM), int(unix.SIGTERM), int(unix.SIGVTALRM), int(unix.SIGPROF):
		return Terminate
	case int(unix.SIGQUIT), int(unix.SIGILL), int(unix.SIGTRAP), int(unix.SIGABRT), int(unix.SIGBUS),
		int(unix.SIGFPE), int(unix.SIGSEGV), int(unix.SIGXCPU), int(unix.SIGXFSZ):
		return CoreDump
	case int(unix.SIGCHLD), int(unix.SIGURG):
		return Ignore
	case int(unix.SIGCONT), int(unix.SIGSYS):
		return Continue
	case int(unix.SIGSTOP), int(unix.SIGTSTP), int(unix.SIGTTIN), int(unix.SIGTTOU):
		return Stop
	default:
		return Terminate
	}
}

// Send marks signo pending on p and, if p is Sleeping, forces it
// Runnable so the next syscall-return delivery point observes the
// signal without waiting for an unrelated wakeup.
func Send(table *proc.Table, p *proc.Process, signo int) bool {
	if !validSignal(signo) {
		return false
	}
	p.SetPending(signo)
	table.WakeIfSleeping(p)
	return true
}

// HasPending reports whether p has any signal awaiting delivery.
func HasPending(p *proc.Process) bool {
	return bits.OnesCount32(p.PendingSignals()) > 0
}

// Kill implements the kill(2) syscall: validate, locate the target by
// pid, and Send.
func Kill(table *proc.Table, pid, signo int) error {
	if pid < 0 {
		return kerr.New("signal.Kill", kerr.PermissionDenied)
	}
	if !validSignal(signo) {
		return kerr.New("signal.Kill", kerr.InvalidArgument)
	}
	target := table.Lookup(pid)
	if target == nil {
		return kerr.New("signal.Kill", kerr.NotFound)
	}
	if !Send(table, target, signo) {
		return kerr.New("signal.Kill", kerr.InvalidArgument)
	}
	return nil
}

// SigAction implements sigaction(2): install newAction (if non-nil) for
// signo on p and return whatever action it replaces.
func SigAction(p *proc.Process, signo int, newAction *proc.SigAction) (proc.SigAction, error) {
	old, err := p.Action(signo)
	if err != nil {
		return proc.SigAction{}, err
	}
	if newAction != nil {
		if err := p.SetAction(signo, *newAction); err != nil {
			return proc.SigAction{}, err
		}
	}
	return old, nil
}

// SigProcMask implements sigprocmask(2): read p's current block mask
// and, if set != nil, combine it in according to how.
func SigProcMask(p *proc.Process, how int, set *uint32) (uint32, error) {
	old := p.SigMask()
	if set == nil {
		return old, nil
	}
	switch how {
	case SIG_BLOCK:
		p.SetSigMask(old | *set)
	case SIG_UNBLOCK:
		p.SetSigMask(old &^ *set)
	case SIG_SETMASK:
		p.SetSigMask(*set)
	default:
		return old, kerr.New("signal.SigProcMask", kerr.InvalidArgument)
	}
	return old, nil
}

// Frame is the syscall-return register state DeliverSignal vectors
// through a handler and SigReturn hands back unchanged. Rdi/Rsi/Rdx
// carry the handler's (signo, &siginfo, ucontext) argument ABI; Rip/Rsp
// the instruction and stack pointer the process resumes at.
type Frame struct {
	Rdi, Rsi, Rdx uint64
	Rip, Rsp      uint64
}

// SigReturn restores the pre-signal frame the dispatcher saved before
// calling DeliverSignal. There is no kernel-stack adjustment to undo
// here; the dispatcher already has the original Frame in hand and this
// exists only so the signal syscall surface matches the teacher's.
func SigReturn(saved Frame) Frame { return saved }

// DeliverSignal drains p's pending-signal bitset, applying default
// actions in place (terminating, stopping, or discarding) and stopping
// at the first signal whose action is a userland handler, for which it
// builds the synthetic Frame the dispatcher should resume into. It
// returns (frame, true) when a handler must run, or (tf, false) once
// the pending set is empty (resume tf unmodified) or the process exited.
//
// Ptrace relay (the teacher's "ask the debugger what to do" branch) is
// not implemented: this module carries no tracer/tracee wiring, so a
// traced process's signals run straight through the ordinary action
// table instead of stopping for a debugger.
func DeliverSignal(table *proc.Table, vfs *fs.FS, p *proc.Process, tf Frame) (Frame, bool) {
	for {
		signo, ok := p.ExtractPendingSignal()
		if !ok {
			return tf, false
		}
		log.Tracef("deliver pid=%d signo=%d", p.Pid, signo)

		action, err := p.Action(signo)
		if err != nil {
			continue
		}
		if signo != int(unix.SIGKILL) && action.Handler == SIG_IGN {
			continue
		}

		if action.Handler != SIG_DFL {
			newTF := tf
			newTF.Rsp -= 8 // room for the restorer return address
			newTF.Rdi = uint64(signo)
			newTF.Rsi = 0
			newTF.Rdx = 0
			newTF.Rip = uint64(action.Handler)
			return newTF, true
		}

		switch defaultActionTable(signo) {
		case Terminate, CoreDump:
			table.Exit(vfs, p, 128+signo)
			return tf, false
		case Ignore:
			continue
		case Stop:
			p.SetState(proc.Stopped)
			table.ParkUntilStateChanges(p, proc.Stopped)
		case Continue:
			p.SetState(proc.Runnable)
			table.Broadcast()
		}
	}
}
