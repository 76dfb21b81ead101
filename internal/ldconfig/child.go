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
	"os"
	"runtime"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/internal/privilege"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

// ChildEnv carries everything runChild needs across the re-exec, since
// the child is a freshly exec'd process with no access to the parent's
// Go heap. Each field is serialized to a fixed environment variable
// by buildChildEnv and parsed back by childEnvFromOS.
type ChildEnv struct {
	MountNS     string
	RootFS      string
	OwnerUID    int
	OwnerGID    int
	NoPivot     bool
	Secure      bool
	HostSourced bool
	BinaryFD    int // set only when HostSourced: inherited memfd/file descriptor
	BinaryPath  string
}

const (
	envMountNS     = "NVIDIA_CTR_INJECT_LDCONFIG_MOUNT_NS"
	envRootFS      = "NVIDIA_CTR_INJECT_LDCONFIG_ROOTFS"
	envOwnerUID    = "NVIDIA_CTR_INJECT_LDCONFIG_UID"
	envOwnerGID    = "NVIDIA_CTR_INJECT_LDCONFIG_GID"
	envNoPivot     = "NVIDIA_CTR_INJECT_LDCONFIG_NOPIVOT"
	envSecure      = "NVIDIA_CTR_INJECT_LDCONFIG_SECURE"
	envHostSourced = "NVIDIA_CTR_INJECT_LDCONFIG_HOSTSRC"
	envBinaryFD    = "NVIDIA_CTR_INJECT_LDCONFIG_BINFD"
	envBinaryPath  = "NVIDIA_CTR_INJECT_LDCONFIG_BINPATH"
)

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func envBool(v string) bool {
	return v == "1"
}

// buildChildEnv turns cfg into the environment the re-exec'd process
// inherits. argv is passed as the process's own argv, not through the
// environment.
func buildChildEnv(cfg ChildEnv) []string {
	env := []string{
		envMountNS + "=" + cfg.MountNS,
		envRootFS + "=" + cfg.RootFS,
		envOwnerUID + "=" + strconv.Itoa(cfg.OwnerUID),
		envOwnerGID + "=" + strconv.Itoa(cfg.OwnerGID),
		envNoPivot + "=" + boolEnv(cfg.NoPivot),
		envSecure + "=" + boolEnv(cfg.Secure),
		envHostSourced + "=" + boolEnv(cfg.HostSourced),
		envBinaryPath + "=" + cfg.BinaryPath,
	}
	if cfg.HostSourced {
		env = append(env, envBinaryFD+"="+strconv.Itoa(cfg.BinaryFD))
	}
	return env
}

func childEnvFromOS() (ChildEnv, error) {
	uid, err := strconv.Atoi(os.Getenv(envOwnerUID))
	if err != nil {
		return ChildEnv{}, errdefs.Wrap(errdefs.ConfigInvalid, err, "parsing %s", envOwnerUID)
	}
	gid, err := strconv.Atoi(os.Getenv(envOwnerGID))
	if err != nil {
		return ChildEnv{}, errdefs.Wrap(errdefs.ConfigInvalid, err, "parsing %s", envOwnerGID)
	}
	cfg := ChildEnv{
		MountNS:     os.Getenv(envMountNS),
		RootFS:      os.Getenv(envRootFS),
		OwnerUID:    uid,
		OwnerGID:    gid,
		NoPivot:     envBool(os.Getenv(envNoPivot)),
		Secure:      envBool(os.Getenv(envSecure)),
		HostSourced: envBool(os.Getenv(envHostSourced)),
		BinaryPath:  os.Getenv(envBinaryPath),
	}
	if cfg.HostSourced {
		fd, err := strconv.Atoi(os.Getenv(envBinaryFD))
		if err != nil {
			return ChildEnv{}, errdefs.Wrap(errdefs.ConfigInvalid, err, "parsing %s", envBinaryFD)
		}
		cfg.BinaryFD = fd
	}
	return cfg, nil
}

// IsChildReexec reports whether the current process is the re-exec'd
// ldconfig child, based on the sentinel env var Spawn sets. Call this
// first thing in main(), before any other initialization.
func IsChildReexec() bool {
	return os.Getenv(ReexecEnv) == "1"
}

// RunChild is the entrypoint main() calls when it finds ReexecEnv set: by
// the time it runs, the kernel has already isolated PIDs and IPC via
// CLONE_NEWPID|CLONE_NEWIPC (set on the parent's exec.Cmd), so this
// function only needs to perform steps 4 through 10 of the confined-run
// sequence before handing control to the target binary via execveat.
func RunChild(argv []string) error {
	cfg, err := childEnvFromOS()
	if err != nil {
		return err
	}

	runtime.LockOSThread()

	if err := enterMountNamespace(cfg.MountNS); err != nil {
		return err
	}

	if err := adjustCapabilities(cfg.Secure, cfg.HostSourced, cfg.OwnerUID); err != nil {
		return err
	}

	needMountProc := true // fexecve always reads through /proc/self/fd
	if err := switchRootfs(cfg.RootFS, cfg.NoPivot, needMountProc); err != nil {
		return err
	}

	if err := applyResourceLimits(); err != nil {
		return err
	}

	if err := privilege.DropTo(cfg.OwnerUID, cfg.OwnerGID, true); err != nil {
		return err
	}

	if cfg.Secure {
		if err := installFilter(); err != nil {
			return err
		}
	} else {
		if err := installFilter(); err != nil {
			log_.Warnf("seccomp filter could not be installed (continuing, insecure mode): %v", err)
		}
	}

	fd, err := resolveBinaryFD(cfg)
	if err != nil {
		return err
	}

	return execveatEmptyEnv(fd, argv)
}

// enterMountNamespace joins the target container's mount namespace. The
// child never returns to its original namespace: it either execs into
// ldconfig or exits with an error, so there is no guard/leave pairing
// here unlike pkg/mount's enterNamespace.
func enterMountNamespace(ns string) error {
	fd, err := os.Open(ns)
	if err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "opening mount namespace %q", ns)
	}
	defer fd.Close()
	if err := unix.Setns(int(fd.Fd()), unix.CLONE_NEWNS); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "entering mount namespace %q", ns)
	}
	return nil
}

// adjustCapabilities implements step 5: in secure mode with a
// container-sourced binary, every inheritable capability is dropped;
// otherwise DAC_OVERRIDE is kept inheritable (and raised to ambient when
// running as a non-root uid), with EPERM degraded to a warning either
// way. The entire bounding set is always dropped.
func adjustCapabilities(secure, hostSourced bool, uid int) error {
	ctrl, err := privilege.NewController()
	if err != nil {
		return err
	}

	if secure && !hostSourced {
		if err := ctrl.ClearInheritable(); err != nil {
			log_.Warnf("could not clear inheritable capabilities: %v", err)
		}
	} else if uid != 0 {
		ctrl.RaiseAmbientDACOverride()
	}

	return privilege.DropBounding()
}

// applyResourceLimits implements step 7's fixed rlimits.
func applyResourceLimits() error {
	const gib = 1 << 30
	limits := []struct {
		resource int
		cur, max uint64
	}{
		{unix.RLIMIT_CPU, 10, 10},
		{unix.RLIMIT_AS, 2 * gib, 2 * gib},
		{unix.RLIMIT_NOFILE, 64, 64},
		{unix.RLIMIT_FSIZE, 2 << 20, 2 << 20},
	}
	for _, l := range limits {
		rlimit := unix.Rlimit{Cur: l.cur, Max: l.max}
		if err := unix.Setrlimit(l.resource, &rlimit); err != nil {
			return errdefs.Wrap(errdefs.IO, err, "setting rlimit %d", l.resource)
		}
	}
	return nil
}

// resolveBinaryFD returns the fd to exec from: either the memfd/file
// inherited from the parent (host-sourced) or a fresh open of the
// rootfs-relative path, now resolved against the new / after the
// rootfs switch.
func resolveBinaryFD(cfg ChildEnv) (int, error) {
	if cfg.HostSourced {
		return cfg.BinaryFD, nil
	}
	f, err := os.Open(cfg.BinaryPath)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.IO, err, "opening container ldconfig binary %q", cfg.BinaryPath)
	}
	return int(f.Fd()), nil
}

// execveatEmptyEnv is the fexecve equivalent: golang.org/x/sys/unix has
// no Fexecve wrapper, so this reproduces glibc's own fexecve in terms of
// the raw syscall it's documented to reduce to: execveat(fd, "", argv,
// envp, AT_EMPTY_PATH). envp is empty per step 10.
func execveatEmptyEnv(fd int, argv []string) error {
	argvPtr, err := unix.SlicePtrFromStrings(argv)
	if err != nil {
		return errdefs.Wrap(errdefs.ExecFailed, err, "building argv")
	}
	envPtr, err := unix.SlicePtrFromStrings(nil)
	if err != nil {
		return errdefs.Wrap(errdefs.ExecFailed, err, "building empty envp")
	}
	emptyPath, err := unix.BytePtrFromString("")
	if err != nil {
		return errdefs.Wrap(errdefs.ExecFailed, err, "building empty exec path")
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_EXECVEAT,
		uintptr(fd),
		uintptr(unsafe.Pointer(emptyPath)),
		uintptr(unsafe.Pointer(&argvPtr[0])),
		uintptr(unsafe.Pointer(&envPtr[0])),
		uintptr(unix.AT_EMPTY_PATH),
		0,
	)
	// A successful execveat replaces the process image and never
	// returns; reaching here means errno is always the failure reason.
	return errdefs.Wrap(errdefs.ExecFailed, errno, "execveat fd %d", fd)
}
