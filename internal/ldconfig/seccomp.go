/*
 * Copyright (c) 2024, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ldconfig

import (
	"syscall"

	seccomp "github.com/seccomp/libseccomp-golang"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

// allowedSyscalls is the fixed list ldconfig needs; every other syscall
// falls through to the filter's default action (EPERM). Variants with
// and without a trailing "64"/"at" are listed individually since the
// libc wrapper used at build time is not known ahead of time.
var allowedSyscalls = []string{
	"open", "openat",
	"read", "readv",
	"write", "writev",
	"mmap", "mprotect", "mremap", "munmap",
	"close",
	"stat", "fstat", "lstat", "newfstatat",
	"readlink", "readlinkat",
	"chmod", "fchmodat",
	"symlink", "symlinkat",
	"rename", "renameat",
	"unlink", "unlinkat",
	"mkdir", "mkdirat",
	"chdir",
	"fcntl",
	"execve", "execveat",
	"memfd_create",
	"sendfile",
	"getdents", "getdents64",
	"uname",
	"brk",
	"exit", "exit_group",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
}

// installFilter loads a seccomp filter defaulting to EPERM and allowing
// only allowedSyscalls into the calling (child) process. Unknown
// syscalls names for this architecture are skipped rather than treated
// as fatal, since the allow-list is written against the generic x86_64
// names and not every kernel/arch exposes every one of them.
func installFilter() error {
	filter, err := seccomp.NewFilter(seccomp.ActErrno.SetReturnCode(int16(syscall.EPERM)))
	if err != nil {
		return errdefs.Wrap(errdefs.Seccomp, err, "creating seccomp filter")
	}
	defer filter.Release()

	for _, name := range allowedSyscalls {
		scmpCall, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			log_.Debugf("seccomp: syscall %q not known on this architecture, skipping", name)
			continue
		}
		if err := filter.AddRule(scmpCall, seccomp.ActAllow); err != nil {
			return errdefs.Wrap(errdefs.Seccomp, err, "adding seccomp rule for %q", name)
		}
	}

	if err := filter.Load(); err != nil {
		return errdefs.Wrap(errdefs.Seccomp, err, "loading seccomp filter")
	}
	return nil
}

// RequireSeccompSupport is checked once, before entering secure mode: if
// seccomp support is unavailable at build time (the libseccomp-golang
// binding failed to initialize), secure mode must refuse to run rather
// than silently execute ldconfig unconfined.
func RequireSeccompSupport() error {
	api, err := seccomp.GetApi()
	if err != nil || api == 0 {
		return errdefs.Wrap(errdefs.Seccomp, err, "seccomp support unavailable, refusing to run in secure mode")
	}
	return nil
}
