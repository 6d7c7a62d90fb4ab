// Package seccomp builds the syscall allow-lists applied to container
// sandboxes. The default action is ActErrno: anything not explicitly allowed
// fails with EPERM inside the sandbox.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ProfileBuilder assembles a LinuxSeccomp profile rule by rule.
type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

// Allow permits the named syscalls.
func (b *ProfileBuilder) Allow(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActAllow,
	})
	return b
}

// Deny makes the named syscalls fail with EPERM. Redundant with the default
// action but kept explicit for syscalls that must never be allowed by a
// later rule.
func (b *ProfileBuilder) Deny(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActErrno,
	})
	return b
}

// Trap kills the calling thread with SIGSYS, surfacing the attempt to the
// supervisor instead of failing quietly.
func (b *ProfileBuilder) Trap(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActTrap,
	})
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// interpreterSyscalls covers what the Python, Node, and Bash interpreters
// need: file I/O, memory management, process lifecycle, threading, time,
// identity, polling, and basic filesystem manipulation inside the tmpfs.
func interpreterSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		Allow(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3", "fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
		).
		Allow(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
		).
		Allow(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3", "vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		Allow(
			"futex", "gettid", "tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		Allow(
			"clock_gettime", "clock_getres", "gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		Allow(
			"getpid", "getppid",
			"getuid", "geteuid", "getgid", "getegid",
			"uname", "getcwd",
		).
		Allow(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		Allow(
			"getrandom",
			"arch_prctl", "prctl",
			"ioctl", "sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat", "rmdir",
			"symlink", "symlinkat", "link", "linkat",
			"ftruncate", "fallocate",
			"fsync", "fdatasync", "flock",
			"statfs", "fstatfs",
			"memfd_create",
			"copy_file_range",
		)
}

// hostileSyscalls traps or denies the classic escape and introspection
// vectors.
func hostileSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		Trap(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"init_module", "finit_module", "delete_module",
		).
		Deny(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
		)
}

// networkSyscalls is only added when the run's network policy allows egress.
func networkSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.Allow(
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)
}

// DefaultProfile is the deny-by-default profile for isolated runs: no
// network syscalls at all.
func DefaultProfile() *specs.LinuxSeccomp {
	return hostileSyscalls(interpreterSyscalls(NewBuilder())).Build()
}

// NetworkAllowProfile adds the socket family to the default profile for runs
// whose network policy permits egress.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	return hostileSyscalls(networkSyscalls(interpreterSyscalls(NewBuilder()))).Build()
}
