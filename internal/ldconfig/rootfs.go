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
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

// switchRootfs performs step 6: make newroot the process's / via either
// pivot_root (default) or mount(MOVE)+chroot (noPivot), then hides
// /proc, /sys and /dev from the old mount namespace so nothing of the
// host is reachable after this call returns.
//
// needMountProc is true when the eventual exec goes through
// /proc/self/fd (fexecve), since that path requires a live /proc inside
// the new root.
func switchRootfs(newroot string, noPivot, needMountProc bool) error {
	if noPivot {
		if err := moveRootAndChroot(newroot); err != nil {
			return err
		}
	} else {
		if err := pivotRoot(newroot); err != nil {
			return err
		}
	}

	if needMountProc {
		if err := mountFreshProc(); err != nil {
			return err
		}
	} else if err := hidePath("/proc"); err != nil {
		return err
	}

	if err := hidePath("/sys"); err != nil {
		return err
	}
	return remountDevWithFdSymlink()
}

// pivotRoot follows the sequence: open old and new root via O_PATH,
// fchdir(new), pivot_root(".","."), fchdir(old), detach-unmount the
// relocated old root, fchdir(new), chroot(".").
func pivotRoot(newroot string) error {
	oldroot, err := os.Open("/")
	if err != nil {
		return errdefs.Wrap(errdefs.IO, err, "opening old root")
	}
	defer oldroot.Close()

	newrootFd, err := os.Open(newroot)
	if err != nil {
		return errdefs.Wrap(errdefs.IO, err, "opening new root %q", newroot)
	}
	defer newrootFd.Close()

	if err := unix.Fchdir(int(newrootFd.Fd())); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "fchdir to new root")
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "pivot_root")
	}
	if err := unix.Fchdir(int(oldroot.Fd())); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "fchdir to relocated old root")
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "detaching relocated old root")
	}
	if err := unix.Fchdir(int(newrootFd.Fd())); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "fchdir back to new root")
	}
	if err := unix.Chroot("."); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "chroot into new root")
	}
	return unix.Chdir("/")
}

// moveRootAndChroot is the no-pivot fallback: mount(newroot, "/", MS_MOVE)
// followed by chroot(".").
func moveRootAndChroot(newroot string) error {
	if err := unix.Mount(newroot, "/", "", unix.MS_MOVE, ""); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "moving %q onto /", newroot)
	}
	if err := unix.Chroot("."); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "chroot after move-root")
	}
	return unix.Chdir("/")
}

func mountFreshProc() error {
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "mounting fresh /proc")
	}
	return remount("/proc", unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC)
}

// hidePath overmounts path with a read-only tmpfs so nothing underneath
// it (inherited from the host mount namespace before the rootfs switch)
// is reachable any longer.
func hidePath(path string) error {
	if err := os.MkdirAll(path, 0o555); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "creating %q", path)
	}
	if err := unix.Mount("tmpfs", path, "tmpfs", 0, "mode=0555"); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "hiding %q", path)
	}
	return remount(path, unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC)
}

// remountDevWithFdSymlink hides /dev like hidePath, but briefly
// remounts it writable in between so /dev/fd -> /proc/self/fd can be
// created, then re-locks it read-only.
func remountDevWithFdSymlink() error {
	const dev = "/dev"
	if err := os.MkdirAll(dev, 0o755); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "creating %q", dev)
	}
	if err := unix.Mount("tmpfs", dev, "tmpfs", 0, "mode=0755"); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "mounting tmpfs over %q", dev)
	}
	if err := os.Symlink("/proc/self/fd", filepath.Join(dev, "fd")); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "creating /dev/fd symlink")
	}
	return remount(dev, unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC)
}

func remount(path string, flags uintptr) error {
	if err := unix.Mount("", path, "", unix.MS_REMOUNT|flags, ""); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "remounting %q", path)
	}
	return nil
}
