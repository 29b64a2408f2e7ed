// SPDX-License-Identifier: Apache-2.0

package docker

import (
	"encoding/json"
	"sync"
)

// seccompProfile is the engine's seccomp profile wire format.
type seccompProfile struct {
	DefaultAction string           `json:"defaultAction"`
	Architectures []string         `json:"architectures"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// Syscall allowlist, grouped by the capability the sandboxed process
// needs. Everything not listed fails with EPERM via the default action.
var (
	fileIOSyscalls = []string{
		"read", "write", "open", "openat", "openat2", "close", "close_range",
		"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs",
		"lseek", "access", "faccessat", "faccessat2", "readv", "writev",
		"preadv", "pwritev", "preadv2", "pwritev2", "pread64", "pwrite64",
		"dup", "dup2", "dup3", "pipe", "pipe2", "fcntl", "flock",
		"fsync", "fdatasync", "sync", "syncfs", "sync_file_range",
		"truncate", "ftruncate", "fallocate", "getdents", "getdents64",
		"getcwd", "chdir", "fchdir", "rename", "renameat", "renameat2",
		"mkdir", "mkdirat", "rmdir", "creat", "link", "linkat",
		"unlink", "unlinkat", "symlink", "symlinkat", "readlink", "readlinkat",
		"chmod", "fchmod", "fchmodat", "chown", "fchown", "fchownat", "lchown",
		"umask", "utime", "utimes", "utimensat", "futimesat",
		"getxattr", "lgetxattr", "fgetxattr", "listxattr", "llistxattr",
		"flistxattr", "setxattr", "lsetxattr", "fsetxattr",
		"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"poll", "ppoll", "select", "pselect6", "eventfd", "eventfd2",
		"inotify_init", "inotify_init1", "inotify_add_watch", "inotify_rm_watch",
		"splice", "tee", "vmsplice", "copy_file_range", "sendfile",
		"ioctl", "fadvise64", "readahead", "memfd_create", "socketpair",
	}
	processSyscalls = []string{
		"clone", "clone3", "fork", "vfork", "execve", "execveat",
		"exit", "exit_group", "wait4", "waitid", "kill", "tkill", "tgkill",
		"getpid", "getppid", "gettid", "getpgid", "getpgrp", "getsid",
		"setpgid", "setsid", "getuid", "geteuid", "getgid", "getegid",
		"getgroups", "setuid", "setgid", "setreuid", "setregid",
		"setresuid", "getresuid", "setresgid", "getresgid",
		"capget", "capset", "prctl", "arch_prctl", "personality",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigpending",
		"rt_sigtimedwait", "rt_sigqueueinfo", "rt_tgsigqueueinfo",
		"sigaltstack", "signalfd", "signalfd4", "pause", "restart_syscall",
		"getrlimit", "setrlimit", "prlimit64", "getrusage", "sysinfo",
		"uname", "getpriority", "setpriority", "sched_yield",
		"sched_getparam", "sched_setparam", "sched_getscheduler",
		"sched_setscheduler", "sched_getaffinity", "sched_setaffinity",
		"sched_get_priority_max", "sched_get_priority_min",
		"sched_rr_get_interval", "sched_getattr", "sched_setattr",
		"futex", "futex_waitv", "set_tid_address", "set_robust_list",
		"get_robust_list", "rseq", "getrandom", "seccomp", "ioprio_get", "ioprio_set",
	}
	memorySyscalls = []string{
		"mmap", "mmap2", "munmap", "mprotect", "mremap", "brk",
		"madvise", "mincore", "mlock", "mlock2", "munlock",
		"mlockall", "munlockall", "membarrier", "msync",
		"shmget", "shmat", "shmdt", "shmctl",
	}
	timeSyscalls = []string{
		"nanosleep", "clock_nanosleep", "clock_gettime", "clock_getres",
		"gettimeofday", "time", "times", "getitimer", "setitimer", "alarm",
		"timer_create", "timer_settime", "timer_gettime", "timer_getoverrun",
		"timer_delete", "timerfd_create", "timerfd_settime", "timerfd_gettime",
	}
	socketSyscalls = []string{
		"socket", "connect", "accept", "accept4", "bind", "listen",
		"getsockname", "getpeername", "setsockopt", "getsockopt",
		"shutdown", "sendto", "recvfrom", "sendmsg", "recvmsg",
		"sendmmsg", "recvmmsg",
	}
)

func buildSeccompProfile(networkEnabled bool) ([]byte, error) {
	syscalls := []seccompSyscall{
		{Names: fileIOSyscalls, Action: "SCMP_ACT_ALLOW"},
		{Names: processSyscalls, Action: "SCMP_ACT_ALLOW"},
		{Names: memorySyscalls, Action: "SCMP_ACT_ALLOW"},
		{Names: timeSyscalls, Action: "SCMP_ACT_ALLOW"},
	}
	if networkEnabled {
		syscalls = append(syscalls, seccompSyscall{Names: socketSyscalls, Action: "SCMP_ACT_ALLOW"})
	}

	return json.Marshal(seccompProfile{
		DefaultAction: "SCMP_ACT_ERRNO",
		Architectures: []string{"SCMP_ARCH_X86_64", "SCMP_ARCH_X86", "SCMP_ARCH_AARCH64", "SCMP_ARCH_ARM"},
		Syscalls:      syscalls,
	})
}

var seccompOnce = sync.OnceValues(func() (map[bool]string, error) {
	profiles := make(map[bool]string, 2)
	for _, networked := range []bool{false, true} {
		data, err := buildSeccompProfile(networked)
		if err != nil {
			return nil, err
		}
		profiles[networked] = string(data)
	}
	return profiles, nil
})

// seccompProfileJSON returns the serialized profile passed to the engine
// via security options. Socket syscalls are allowed only when the
// container has networking.
func seccompProfileJSON(networkEnabled bool) (string, error) {
	profiles, err := seccompOnce()
	if err != nil {
		return "", err
	}
	return profiles[networkEnabled], nil
}
