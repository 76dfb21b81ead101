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

package fscontext

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

// NodeType enumerates the filesystem node types FileCreate knows how to
// make.
type NodeType int

const (
	Regular NodeType = iota
	Directory
	Symlink
	BlockDevice
	CharDevice
)

// FileCreate creates the parent directories of dst as needed, then the
// final node of kind nodeType. If a node already exists at dst of the
// matching type, it is left untouched (idempotent); a mismatched type
// fails with errdefs.TypeConflict. link is the symlink target when
// nodeType is Symlink; dev is the (major, minor) pair when nodeType is
// BlockDevice or CharDevice.
func FileCreate(dst string, nodeType NodeType, link string, dev uint64, uid, gid int, mode os.FileMode) error {
	if !IsAbsClean(dst) {
		return errdefs.New(errdefs.PathInvalid, "destination %q is not an absolute, clean path", dst)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "creating parent directories of %q", dst)
	}

	fi, statErr := os.Lstat(dst)
	if statErr == nil {
		if err := checkExistingType(fi, nodeType); err != nil {
			return err
		}
		return nil
	}
	if !os.IsNotExist(statErr) {
		return errdefs.Wrap(errdefs.IO, statErr, "stat %q", dst)
	}

	switch nodeType {
	case Regular:
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL, mode)
		if err != nil {
			return errdefs.Wrap(errdefs.IO, err, "creating regular file %q", dst)
		}
		f.Close()
	case Directory:
		if err := os.Mkdir(dst, mode); err != nil {
			return errdefs.Wrap(errdefs.IO, err, "creating directory %q", dst)
		}
	case Symlink:
		if err := os.Symlink(link, dst); err != nil {
			return errdefs.Wrap(errdefs.IO, err, "creating symlink %q -> %q", dst, link)
		}
		return nil // chown of a dangling symlink is not meaningful here
	case BlockDevice:
		if err := unix.Mknod(dst, uint32(mode.Perm())|unix.S_IFBLK, int(dev)); err != nil {
			return errdefs.Wrap(errdefs.IO, err, "mknod block device %q", dst)
		}
	case CharDevice:
		if err := unix.Mknod(dst, uint32(mode.Perm())|unix.S_IFCHR, int(dev)); err != nil {
			return errdefs.Wrap(errdefs.IO, err, "mknod char device %q", dst)
		}
	default:
		return errdefs.New(errdefs.PathInvalid, "unknown node type %d for %q", nodeType, dst)
	}

	if err := os.Chown(dst, uid, gid); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "chown %q", dst)
	}
	return nil
}

func checkExistingType(fi os.FileInfo, want NodeType) error {
	mode := fi.Mode()
	ok := false
	switch want {
	case Regular:
		ok = mode.IsRegular()
	case Directory:
		ok = mode.IsDir()
	case Symlink:
		ok = mode&os.ModeSymlink != 0
	case BlockDevice:
		ok = mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0
	case CharDevice:
		ok = mode&os.ModeCharDevice != 0
	}
	if !ok {
		return errdefs.New(errdefs.TypeConflict, "existing node %q has mode %v, wanted type %d", fi.Name(), mode, want)
	}
	return nil
}

// Remove best-effort removes path; errors are swallowed since removal is
// documented as best-effort throughout the mount rollback procedure.
func Remove(path string) {
	_ = os.Remove(path)
}

// StatRdev returns the (major, minor) device numbers of the node at path.
func StatRdev(path string) (major, minor uint32, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, errdefs.Wrap(errdefs.IO, err, "stat %q", path)
	}
	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}

// AtomicWriteFile writes data to path by creating a temp file in the same
// directory and renaming it over the destination, so a concurrent reader
// never observes a partial write.
func AtomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errdefs.Wrap(errdefs.IO, err, "creating temp file in %q", dir)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.IO, err, "writing temp file for %q", path)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.IO, err, "chmod temp file for %q", path)
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "closing temp file for %q", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "renaming temp file onto %q", path)
	}
	return nil
}

// ReadAll reads the entirety of path into memory.
func ReadAll(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.IO, err, "reading %q", path)
	}
	return b, nil
}
