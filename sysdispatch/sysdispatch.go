// Package sysdispatch implements the syscall number table and dispatch
// switch of original_source/kernel/syscall.cpp: given a trap frame's
// syscall number and six argument registers, it decodes user pointers
// against a process's vm.Space, calls into proc/fd/fs/signal/vm, and
// produces the -errno-or-value result the caller places back in the
// return register.
//
// The teacher extracts arguments with syscall::GetArgument<N>(tf), a
// template reading fixed trap-frame register slots. There is no real
// trap frame here, so Frame carries the same six argument words as
// plain Go fields instead, and Dispatch is the Go analogue of
// DoSyscall/perform_syscall.
package sysdispatch

import (
	"github.com/zhmu/dogfood-sub000/fs"
	"github.com/zhmu/dogfood-sub000/kerr"
	"github.com/zhmu/dogfood-sub000/klog"
	"github.com/zhmu/dogfood-sub000/proc"
	"github.com/zhmu/dogfood-sub000/signal"
)

var log = klog.For("sysdispatch")

// Syscall numbers, matching original_source/kernel-headers/include/dogfood/syscall.h.
const (
	SYS_exit = iota
	SYS_read
	SYS_write
	SYS_open
	SYS_close
	SYS_unlink
	SYS_seek
	SYS_clone
	SYS_waitpid
	SYS_execve
	SYS_vmop
	SYS_dup
	SYS_rename
	SYS_uname
	SYS_chdir
	SYS_fstat
	SYS_fchdir
	SYS_fcntl
	SYS_link
	SYS_utime
	SYS_clock_settime
	SYS_clock_gettime
	SYS_clock_getres
	SYS_readlink
	sys_reserved24 // formerly SYS_lstat, removed upstream
	SYS_getcwd
	SYS_sigaction
	SYS_sigprocmask
	SYS_sigsuspend
	SYS_kill
	SYS_sigreturn
	SYS_ioctl
	SYS_getpgrp
	SYS_setpgid
	SYS_setsid
	SYS_dup2
	SYS_mount
	SYS_unmount
	SYS_statfs
	SYS_fstatfs
	SYS_nanosleep
	SYS_getsid
	SYS_getuid
	SYS_geteuid
	SYS_getgid
	SYS_getegid
	SYS_getpid
	SYS_getppid
	SYS_symlink
	SYS_reboot
	SYS_chown
	SYS_fchown
	SYS_umask
	SYS_chmod
	SYS_mkdir
	SYS_rmdir
	SYS_fchmod
	SYS_procinfo
	SYS_fstatat
	SYS_pipe
)

// open(2) flags, matching <dogfood/fcntl.h>.
const (
	O_CREAT = 1 << iota
	O_RDONLY
	O_WRONLY
	O_RDWR
	O_APPEND
	O_EXCL
	O_TRUNC
	O_CLOEXEC
	O_NONBLOCK
)

// fcntl(2) commands.
const (
	F_DUPFD = iota
	F_GETFD
	F_SETFD
	F_GETFL
	F_SETFL
)

// seek(2) whence values.
const (
	SEEK_SET = iota
	SEEK_CUR
	SEEK_END
)

// vmop(2) operations, matching <dogfood/vmop.h>'s OP_MAP/OP_UNMAP.
const (
	OP_MAP = iota
	OP_UNMAP
)

// Frame carries a syscall's number and six argument-register words, the
// Go analogue of the x86-64 trap frame the teacher reads with
// syscall::GetNumber/GetArgument<N>. Rip/Rsp are the resume point a
// caller should carry into signal.DeliverSignal after the syscall
// returns, letting a pending signal vector in before userland resumes.
type Frame struct {
	Num                    uint64
	Arg1, Arg2, Arg3, Arg4 uint64
	Arg5, Arg6             uint64
	Rip, Rsp               uint64
}

// Dispatch decodes and executes one syscall on behalf of p, mirroring
// DoSyscall's switch. The returned int64 is the raw syscall result:
// negative values are -errno, per spec §6. tf is a pointer because a
// successful execve rewrites Rip/Rsp in place, the same way the
// teacher's amd64::TrapFrame& is mutated directly by exec().
func Dispatch(table *proc.Table, vfs *fs.FS, p *proc.Process, tf *Frame) int64 {
	switch tf.Num {
	case SYS_exit:
		table.Exit(vfs, p, int(tf.Arg1))
		return 0

	case SYS_read:
		return doReadWrite(vfs, p, *tf, false)
	case SYS_write:
		return doReadWrite(vfs, p, *tf, true)

	case SYS_open:
		return doOpen(vfs, p, *tf)
	case SYS_close:
		if err := p.CloseFd(vfs, int(tf.Arg1)); err != nil {
			return errno(err)
		}
		return 0

	case SYS_unlink:
		return doUnlinkLike(vfs, p, *tf, func(dir *fs.Inode, name string) error {
			return vfs.Unlink(dir, name)
		})
	case SYS_rmdir:
		return doUnlinkLike(vfs, p, *tf, func(dir *fs.Inode, name string) error {
			return vfs.RemoveDirectory(dir, name)
		})

	case SYS_seek:
		return doSeek(p, *tf)

	case SYS_clone:
		child, err := table.Fork(vfs, p)
		if err != nil {
			return errno(err)
		}
		return int64(child.Pid)

	case SYS_waitpid:
		return doWaitPid(table, p, *tf)

	case SYS_execve:
		return doExecve(vfs, p, tf)

	case SYS_vmop:
		return doVmop(p, *tf)

	case SYS_dup:
		return doDup(vfs, p, int(tf.Arg1), -1)
	case SYS_dup2:
		return doDup(vfs, p, int(tf.Arg1), int(tf.Arg2))

	case SYS_rename:
		return doRename(vfs, p, *tf)

	case SYS_uname:
		return doUname(p, *tf)

	case SYS_chdir:
		return doChdir(vfs, p, *tf)
	case SYS_fchdir:
		return doFchdir(vfs, p, *tf)

	case SYS_fstat:
		return doFstat(vfs, p, *tf)
	case SYS_fstatat:
		return doFstatat(vfs, p, *tf)

	case SYS_fcntl:
		return doFcntl(vfs, p, *tf)

	case SYS_link:
		return doLink(vfs, p, *tf)
	case SYS_symlink:
		return doSymlink(vfs, p, *tf)
	case SYS_readlink:
		return doReadlink(vfs, p, *tf)

	case SYS_getcwd:
		return doGetcwd(p, *tf)

	case SYS_sigaction:
		return doSigAction(p, *tf)
	case SYS_sigprocmask:
		return doSigProcMask(p, *tf)
	case SYS_sigsuspend:
		return doSigSuspend(table, p)
	case SYS_kill:
		if err := signal.Kill(table, int(tf.Arg1), int(tf.Arg2)); err != nil {
			return errno(err)
		}
		return 0
	case SYS_sigreturn:
		return 0 // the dispatcher's caller restores the frame via signal.SigReturn directly

	case SYS_getpid:
		return int64(p.Pid)
	case SYS_getppid:
		return int64(p.Ppid)
	case SYS_getsid, SYS_getuid, SYS_geteuid, SYS_getgid, SYS_getegid, SYS_getpgrp:
		return 0 // not implemented, matching the teacher's own stub return

	case SYS_setpgid, SYS_setsid:
		return 0 // process groups are not modeled; accept and ignore

	case SYS_chown:
		return doChown(vfs, p, *tf)
	case SYS_fchown:
		return doFchown(vfs, p, *tf)
	case SYS_umask:
		return 0 // file creation mask is not modeled
	case SYS_chmod:
		return doChmod(vfs, p, *tf)
	case SYS_fchmod:
		return doFchmod(vfs, p, *tf)
	case SYS_mkdir:
		return doMkdir(vfs, p, *tf)

	case SYS_clock_gettime:
		return doClockGettime(p, *tf)
	case SYS_clock_settime, SYS_clock_getres:
		return -int64(asErrno(kerr.InvalidArgument))

	case SYS_pipe:
		return doPipe(vfs, p, *tf)

	case SYS_procinfo:
		return doProcinfo(table, p, *tf)

	case SYS_nanosleep, SYS_utime, SYS_ioctl, SYS_mount, SYS_unmount, SYS_statfs,
		SYS_fstatfs, SYS_reboot:
		return -int64(asErrno(kerr.InvalidArgument))
	}

	log.Tracef("pid=%d unsupported syscall %d", p.Pid, tf.Num)
	return -int64(asErrno(kerr.InvalidArgument))
}
