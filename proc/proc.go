// Package proc implements the process table and cooperative scheduler:
// state transitions, fork/exit/waitpid/kill, and wait-channel
// sleep/wakeup.
//
// The teacher kernel's process.cpp parks a process by building a raw
// amd64.Context on its kernel stack and calling switch_to() into the
// scheduler's own context; this module has no CPU to switch registers
// on, so Sleep/Wakeup are translated onto sync.Cond the same way package
// pipe stands in for Sleep/Wakeup-driven buffer blocking. Schedule
// returns the next Runnable process instead of actually transferring
// control to it; whatever drives this kernel's instruction stream is
// expected to call it in a loop and execute the returned process itself.
package proc

import (
	"math/bits"
	"runtime"
	"sync"
	"time"

	"github.com/zhmu/dogfood-sub000/accnt"
	"github.com/zhmu/dogfood-sub000/dev"
	"github.com/zhmu/dogfood-sub000/fd"
	"github.com/zhmu/dogfood-sub000/fs"
	"github.com/zhmu/dogfood-sub000/kerr"
	"github.com/zhmu/dogfood-sub000/klog"
	"github.com/zhmu/dogfood-sub000/limits"
	"github.com/zhmu/dogfood-sub000/vm"
)

var log = klog.For("proc")

// MaxProcesses bounds the process table, matching the teacher's fixed
// process[maxProcesses] array.
const MaxProcesses = 32

// NOFILE is the fixed per-process open file table length.
const NOFILE = 16

// NSIG is one past the highest signal number this kernel knows about,
// matching the teacher sources' <dogfood/signal.h> numbering (1..31).
const NSIG = 32

// SigAction mirrors signal::Action from the teacher: a userland handler
// address (or the SIG_DFL/SIG_IGN sentinels package signal defines),
// a per-handler block mask, flags, and the userland restorer trampoline
// sigreturn is expected to be reached through.
type SigAction struct {
	Handler  uintptr
	Restorer uintptr
	Mask     uint32
	Flags    int32
}

// State is a position in the process lifecycle state machine.
type State int

const (
	Unused State = iota
	Construct
	Runnable
	Running
	Sleeping
	Stopped
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Construct:
		return "construct"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Stopped:
		return "stopped"
	case Zombie:
		return "zombie"
	default:
		return "?"
	}
}

// Chan identifies a sleep/wakeup queue. Any comparable value works;
// callers typically pass a package-level sentinel pointer or a resource
// they already own (e.g. a *pipe.Pipe).
type Chan interface{}

// TableChan is the channel WaitPid sleeps on, mirroring the teacher's
// Sleep(&process, state) convention of using the table itself as the
// channel for child-exit notifications.
var TableChan = new(struct{})

// Process is one entry in the process table.
type Process struct {
	mu sync.Mutex

	Pid, Ppid int
	State     State
	Space     *vm.Space
	Fds       [NOFILE]*fd.Fd_t
	Cwd       *fd.Cwd_t
	Rusage    accnt.Accnt_t

	waitChannel   Chan
	pendingSignal uint32
	sigMask       uint32
	actions       [NSIG - 1]SigAction
	exitStatus    int
	schedStart    int64 // nanoseconds; 0 when not currently Running
}

// accrueRunTime folds the time since the last Schedule into Rusage's
// system-time counter and clears schedStart, the stand-in for the
// teacher's per-context-switch accounting update (there is no real CPU
// context to time here, so the whole Dispatch call a scheduled process
// runs counts as system time). Callers must hold p.mu.
func (p *Process) accrueRunTime() {
	if p.schedStart == 0 {
		return
	}
	p.Rusage.Systadd(int(time.Now().UnixNano() - p.schedStart))
	p.schedStart = 0
}

// PendingSignals returns the bitset of signals (bit n-1 = signal n)
// awaiting delivery to this process.
func (p *Process) PendingSignals() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingSignal
}

// SetPending marks signo pending.
func (p *Process) SetPending(signo int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingSignal |= 1 << uint(signo-1)
}

// ClearSignal removes signo from the pending set, called once the
// dispatcher has delivered or discarded it.
func (p *Process) ClearSignal(signo int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingSignal &^= 1 << uint(signo-1)
}

// ExtractPendingSignal returns the highest-numbered pending signal and
// clears it, mirroring ExtractAndResetPendingSignal's
// highest-bit-first policy (spec §8's "exactly one of the highest
// numbered pending is delivered").
func (p *Process) ExtractPendingSignal() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingSignal == 0 {
		return 0, false
	}
	bit := bits.Len32(p.pendingSignal) - 1
	p.pendingSignal &^= 1 << uint(bit)
	return bit + 1, true
}

// SigMask returns the process's current signal block mask.
func (p *Process) SigMask() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigMask
}

// SetSigMask replaces the process's signal block mask.
func (p *Process) SetSigMask(m uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigMask = m
}

// Action returns the configured action for signo.
func (p *Process) Action(signo int) (SigAction, error) {
	if signo < 1 || signo >= NSIG {
		return SigAction{}, kerr.New("proc.Action", kerr.InvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.actions[signo-1], nil
}

// SetAction installs a new action for signo.
func (p *Process) SetAction(signo int, a SigAction) error {
	if signo < 1 || signo >= NSIG {
		return kerr.New("proc.SetAction", kerr.InvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions[signo-1] = a
	return nil
}

// GetState returns the process's current lifecycle state.
func (p *Process) GetState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}

// SetState transitions the process to s.
func (p *Process) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = s
}

// AllocFd installs f in the lowest-numbered free descriptor slot.
func (p *Process) AllocFd(f *fd.Fd_t) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, slot := range p.Fds {
		if slot == nil {
			p.Fds[i] = f
			return i, nil
		}
	}
	return -1, kerr.New("proc.AllocFd", kerr.OutOfSpace)
}

// InstallFd places f at the specific slot n, the way file::AllocateByIndex
// backs dup2(2); the caller is responsible for closing whatever
// descriptor previously lived at n first.
func (p *Process) InstallFd(n int, f *fd.Fd_t) error {
	if n < 0 || n >= NOFILE {
		return kerr.New("proc.InstallFd", kerr.InvalidArgument)
	}
	p.mu.Lock()
	p.Fds[n] = f
	p.mu.Unlock()
	return nil
}

// Fd returns the descriptor installed at n.
func (p *Process) Fd(n int) (*fd.Fd_t, error) {
	if n < 0 || n >= NOFILE {
		return nil, kerr.New("proc.Fd", kerr.InvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.Fds[n]
	if f == nil {
		return nil, kerr.New("proc.Fd", kerr.NoFile)
	}
	return f, nil
}

// CloseFd closes and clears descriptor n.
func (p *Process) CloseFd(vfs *fs.FS, n int) error {
	f, err := p.Fd(n)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.Fds[n] = nil
	p.mu.Unlock()
	return f.Close(vfs)
}

// Table is the fixed-size process table plus its sleep/wakeup condition.
type Table struct {
	mu      sync.Mutex
	cond    *sync.Cond
	procs   [MaxProcesses]*Process
	nextPid int
}

// NewTable returns an empty process table.
func NewTable() *Table {
	t := &Table{nextPid: 1}
	t.cond = sync.NewCond(&t.mu)
	for i := range t.procs {
		t.procs[i] = &Process{}
	}
	return t
}

// allocateSlot reserves the first Unused slot, assigns it a fresh pid,
// and marks it Construct, matching AllocateProcess's scan-for-Unused
// policy. It also enforces limits.Syslimit.Sysprocs, the system-wide
// process cap AllocateProcess checks before scanning the table.
func (t *Table) allocateSlot() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	live := 0
	for _, p := range t.procs {
		if p.State != Unused {
			live++
		}
	}
	if live >= limits.Syslimit.Sysprocs {
		return nil
	}
	for _, p := range t.procs {
		p.mu.Lock()
		if p.State == Unused {
			p.Pid = t.nextPid
			t.nextPid++
			p.Ppid = 0
			p.State = Construct
			p.Space = nil
			p.Cwd = nil
			p.Fds = [NOFILE]*fd.Fd_t{}
			p.waitChannel = nil
			p.pendingSignal = 0
			p.sigMask = 0
			p.actions = [NSIG - 1]SigAction{}
			p.exitStatus = 0
			p.Rusage = accnt.Accnt_t{}
			p.mu.Unlock()
			return p
		}
		p.mu.Unlock()
	}
	return nil
}

func wireConsole(p *Process) {
	console, err := dev.Lookup(dev.Mkdev(dev.Console, 0))
	if err != nil {
		return
	}
	p.Fds[0] = fd.MkDeviceFd(console, fd.FD_READ|fd.FD_WRITE)
	p.Fds[1] = fd.MkDeviceFd(console, fd.FD_READ|fd.FD_WRITE)
	p.Fds[2] = fd.MkDeviceFd(console, fd.FD_READ|fd.FD_WRITE)
}

// CreateInitProcess allocates pid 1: a fresh address space, root cwd,
// and console-backed stdin/stdout/stderr.
func (t *Table) CreateInitProcess(vfs *fs.FS) (*Process, error) {
	p := t.allocateSlot()
	if p == nil {
		return nil, kerr.New("proc.CreateInitProcess", kerr.NoMemory)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Space = vm.NewSpace()
	if root := vfs.Root(); root != nil {
		vfs.Iref(root)
		p.Cwd = fd.MkRootCwd(root)
	}
	wireConsole(p)
	p.State = Runnable
	log.Tracef("created init process pid=%d", p.Pid)
	return p, nil
}

// Fork allocates a child of parent: cloned address space (eager
// page-for-page copy, per vm.Space.Clone), duplicated file table, and a
// shared cwd reference.
func (t *Table) Fork(vfs *fs.FS, parent *Process) (*Process, error) {
	child := t.allocateSlot()
	if child == nil {
		return nil, kerr.New("proc.Fork", kerr.NoMemory)
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	child.mu.Lock()
	defer child.mu.Unlock()

	child.Ppid = parent.Pid
	child.Space = parent.Space.Clone()
	for i, f := range parent.Fds {
		if f != nil && f.Perms&fd.FD_CLOEXEC == 0 {
			child.Fds[i] = fd.Copyfd(f, vfs)
		}
	}
	if parent.Cwd != nil {
		vfs.Iref(parent.Cwd.Inode)
		child.Cwd = fd.MkRootCwd(parent.Cwd.Inode)
		child.Cwd.Path = parent.Cwd.Path
	}
	child.State = Runnable
	log.Tracef("fork: pid=%d ppid=%d", child.Pid, child.Ppid)
	return child, nil
}

// Exit releases p's open files and cwd, marks it Zombie, and wakes any
// parent sleeping in WaitPid; the address space is freed when WaitPid
// reaps it.
func (t *Table) Exit(vfs *fs.FS, p *Process, status int) {
	p.mu.Lock()
	p.accrueRunTime()
	for i, f := range p.Fds {
		if f != nil {
			fd.ClosePanic(f, vfs)
			p.Fds[i] = nil
		}
	}
	if p.Cwd != nil {
		vfs.Iput(p.Cwd.Inode)
		p.Cwd = nil
	}
	p.exitStatus = status
	p.State = Zombie
	p.mu.Unlock()

	log.Tracef("exit: pid=%d status=%d", p.Pid, status)
	t.Wakeup(TableChan)
}

// WaitPid blocks until one of parent's children becomes a Zombie, then
// reaps it (frees its address space, marks the slot Unused) and returns
// its pid and exit status. Returns kerr.NoChildren if parent has none.
func (t *Table) WaitPid(parent *Process) (int, int, error) {
	for {
		t.mu.Lock()
		haveChildren := false
		for _, p := range t.procs {
			p.mu.Lock()
			if p.State == Unused || p.Ppid != parent.Pid {
				p.mu.Unlock()
				continue
			}
			haveChildren = true
			if p.State == Zombie {
				pid := p.Pid
				status := p.exitStatus
				if p.Space != nil {
					p.Space.Destroy()
				}
				p.State = Unused
				p.mu.Unlock()
				t.mu.Unlock()
				return pid, status, nil
			}
			p.mu.Unlock()
		}
		t.mu.Unlock()
		if !haveChildren {
			return 0, 0, kerr.New("proc.WaitPid", kerr.NoChildren)
		}
		t.Sleep(parent, TableChan)
	}
}

// Kill marks signo pending on the process identified by pid. Unblocking
// a sleeper that should react to the new pending signal is not yet
// implemented, matching the teacher's own "TODO unblock child if
// needed".
func (t *Table) Kill(pid, signo int) error {
	if signo < 1 || signo > 31 {
		return kerr.New("proc.Kill", kerr.InvalidArgument)
	}
	target := t.Lookup(pid)
	if target == nil {
		return kerr.New("proc.Kill", kerr.NotFound)
	}
	target.mu.Lock()
	target.pendingSignal |= 1 << uint(signo-1)
	target.mu.Unlock()
	log.Tracef("kill: pid=%d sig=%d", pid, signo)
	return nil
}

// Lookup finds the in-use process with the given pid, or nil.
func (t *Table) Lookup(pid int) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		p.mu.Lock()
		if p.State != Unused && p.Pid == pid {
			p.mu.Unlock()
			return p
		}
		p.mu.Unlock()
	}
	return nil
}

// ProcSnapshot is a point-in-time read of one table slot, for
// kernel/kstat's occupancy profile.
type ProcSnapshot struct {
	Pid, Ppid     int
	State         State
	Userns, Sysns int64
}

// Snapshot returns one ProcSnapshot per in-use process, in table-slot order.
func (t *Table) Snapshot() []ProcSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ProcSnapshot
	for _, p := range t.procs {
		p.mu.Lock()
		if p.State != Unused {
			p.Rusage.Lock()
			userns, sysns := p.Rusage.Userns, p.Rusage.Sysns
			p.Rusage.Unlock()
			out = append(out, ProcSnapshot{Pid: p.Pid, Ppid: p.Ppid, State: p.State, Userns: userns, Sysns: sysns})
		}
		p.mu.Unlock()
	}
	return out
}

// Sleep parks the calling goroutine until p's state leaves Sleeping, the
// translation of the teacher's "assign wait-channel, mark Sleeping,
// yield" sequence onto a condition variable.
func (t *Table) Sleep(p *Process, ch Chan) {
	t.mu.Lock()
	p.mu.Lock()
	p.accrueRunTime()
	p.waitChannel = ch
	p.State = Sleeping
	p.mu.Unlock()
	for {
		p.mu.Lock()
		st := p.State
		p.mu.Unlock()
		if st != Sleeping {
			break
		}
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// Wakeup marks every process sleeping on ch Runnable and releases every
// goroutine blocked in Sleep so they can re-check their own state.
func (t *Table) Wakeup(ch Chan) {
	t.mu.Lock()
	for _, p := range t.procs {
		p.mu.Lock()
		if p.State == Sleeping && p.waitChannel == ch {
			p.State = Runnable
		}
		p.mu.Unlock()
	}
	t.cond.Broadcast()
	t.mu.Unlock()
}

// WakeIfSleeping forces p Runnable if it is currently Sleeping,
// regardless of which channel it is waiting on, mirroring
// signal::Send's "a pending signal interrupts any sleep" policy.
func (t *Table) WakeIfSleeping(p *Process) {
	t.mu.Lock()
	p.mu.Lock()
	if p.State == Sleeping {
		p.State = Runnable
	}
	p.mu.Unlock()
	t.cond.Broadcast()
	t.mu.Unlock()
}

// ParkUntilStateChanges blocks the caller until p's state is no longer
// from, the Stopped-process analogue of Sleep (which is hardcoded to the
// Sleeping state).
func (t *Table) ParkUntilStateChanges(p *Process, from State) {
	t.mu.Lock()
	for {
		p.mu.Lock()
		st := p.State
		p.mu.Unlock()
		if st != from {
			break
		}
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// Broadcast wakes every goroutine parked in Sleep or
// ParkUntilStateChanges so they can re-check their process's state.
func (t *Table) Broadcast() {
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Schedule returns the next Runnable process, marking it Running, the
// data-level analogue of the teacher's scan-the-table-and-switch_to loop.
// This package has no CPU to context-switch onto; whatever executes user
// code is expected to call Schedule in a loop and run the process it
// returns.
func (t *Table) Schedule() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		p.mu.Lock()
		if p.State == Runnable {
			p.State = Running
			p.schedStart = time.Now().UnixNano()
			p.mu.Unlock()
			return p
		}
		p.mu.Unlock()
	}
	return nil
}

// Yield gives up the remainder of the caller's scheduling quantum,
// standing in for the teacher's switch_to(&current->context, cpu_context)
// since there is no kernel context to switch into here.
func Yield() { runtime.Gosched() }
