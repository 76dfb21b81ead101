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

package mount

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/fscontext"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

// bindFlags is the post-bind remount option set a step asks for; the
// kernel ignores nodev/nosuid/noexec/ro on the initial MS_BIND call, so
// every bind is followed by a MS_REMOUNT|MS_BIND pass that actually
// applies them.
type bindFlags struct {
	ReadOnly bool
	NoDev    bool
	NoSuid   bool
	NoExec   bool
}

// bindFile bind-mounts src onto dst (a regular file target, created if
// missing) and applies flags via a remount, recording the result on t
// for rollback. Directory and symlink sources are rejected: every
// driver-file bind target in this package is a single file.
func bindFile(t *tracker, src, dst string, flags bindFlags) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return errdefs.Wrap(errdefs.IO, err, "stat source %q", src)
	}
	if fi.IsDir() || fi.Mode()&os.ModeSymlink != 0 {
		return errdefs.New(errdefs.Mount, "unexpected source type for %q: must be a regular file", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "creating parent directories of %q", dst)
	}
	if _, err := os.Lstat(dst); os.IsNotExist(err) {
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return errdefs.Wrap(errdefs.IO, err, "creating bind target %q", dst)
		}
		f.Close()
	}

	if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "bind-mounting %q onto %q", src, dst)
	}
	t.record(types.MountRecord{Kind: types.MountBind, Path: dst, SourcePath: src})

	if err := remount(dst, flags); err != nil {
		return err
	}
	return nil
}

// bindDevice bind-mounts a character device node onto dst, then
// verifies the bound node's rdev matches node's expected (major, minor):
// a host device-node swap between discovery and bind must not go
// unnoticed.
func bindDevice(t *tracker, node types.DeviceNode, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "creating parent directories of %q", dst)
	}
	if _, err := os.Lstat(dst); os.IsNotExist(err) {
		if err := unix.Mknod(dst, unix.S_IFCHR|0o600, int(node.DevT())); err != nil {
			return errdefs.Wrap(errdefs.IO, err, "creating placeholder device node %q", dst)
		}
	}

	if err := unix.Mount(node.Path, dst, "", unix.MS_BIND, ""); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "bind-mounting device %q onto %q", node.Path, dst)
	}
	t.record(types.MountRecord{Kind: types.MountBind, Path: dst, SourcePath: node.Path})

	if err := remount(dst, bindFlags{ReadOnly: true, NoSuid: true, NoExec: true}); err != nil {
		return err
	}

	major, minor, err := fscontext.StatRdev(dst)
	if err != nil {
		return err
	}
	if major != node.Major || minor != node.Minor {
		return errdefs.New(errdefs.DeviceMismatch, "bound device %q reports %d:%d, expected %d:%d", dst, major, minor, node.Major, node.Minor)
	}
	return nil
}

// bindTmpfs mounts a mode-restricted tmpfs at dst, creating it if
// missing, without remounting (callers populate it before the
// remountTmpfsReadOnly pass that locks it down).
func bindTmpfs(t *tracker, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(dst, mode); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "creating tmpfs mountpoint %q", dst)
	}
	if err := unix.Mount("tmpfs", dst, "tmpfs", 0, "mode=0"+modeOctal(mode)); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "mounting tmpfs at %q", dst)
	}
	t.record(types.MountRecord{Kind: types.MountBind, Path: dst})
	return nil
}

// remountTmpfsReadOnly locks a populated tmpfs down to ro, nodev, nosuid,
// noexec.
func remountTmpfsReadOnly(dst string) error {
	return remount(dst, bindFlags{ReadOnly: true, NoDev: true, NoSuid: true, NoExec: true})
}

func remount(dst string, flags bindFlags) error {
	var mflags uintptr = unix.MS_REMOUNT | unix.MS_BIND
	if flags.ReadOnly {
		mflags |= unix.MS_RDONLY
	}
	if flags.NoDev {
		mflags |= unix.MS_NODEV
	}
	if flags.NoSuid {
		mflags |= unix.MS_NOSUID
	}
	if flags.NoExec {
		mflags |= unix.MS_NOEXEC
	}
	if err := unix.Mount("", dst, "", mflags, ""); err != nil {
		return errdefs.Wrap(errdefs.Mount, err, "remounting %q", dst)
	}
	return nil
}

func modeOctal(mode os.FileMode) string {
	const digits = "01234567"
	perm := mode.Perm()
	return string([]byte{digits[(perm>>6)&7], digits[(perm>>3)&7], digits[perm&7]})
}

// bindSymlink creates a symlink at dst pointing to target, tracked for
// rollback. dst's parent must already exist (called only right after
// the library directory it lives alongside has been populated).
func bindSymlink(t *tracker, target, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return nil // fix-up symlink already present (idempotent re-run)
	}
	if err := os.Symlink(target, dst); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "creating symlink %q -> %q", dst, target)
	}
	t.record(types.MountRecord{Kind: types.MountSymlink, Path: dst})
	return nil
}
