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

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

// sealFlags is the fixed seal set applied to a virtualized host binary:
// once sealed, the memfd can never grow, shrink, be written to, or be
// sealed again, so the container cannot tamper with it mid-execution
// even though the fd is passed into its mount namespace.
const sealFlags = unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// virtualizeHostBinary copies hostPath into a sealed memfd and returns
// the open *os.File positioned at offset 0, ready to be exec'd via
// /proc/self/fd/<n>. If memfd_create is unavailable on this kernel, it
// falls back to a plain read-only open of hostPath: the binary is then
// read directly out of the host filesystem rather than virtualized, a
// degraded but documented fallback.
func virtualizeHostBinary(hostPath string) (*os.File, error) {
	src, err := os.Open(hostPath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.IO, err, "opening host ldconfig binary %q", hostPath)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.IO, err, "stat host ldconfig binary %q", hostPath)
	}

	fd, err := unix.MemfdCreate("ldconfig", unix.MFD_ALLOW_SEALING|unix.MFD_CLOEXEC)
	if err != nil {
		log_.Warnf("memfd_create unavailable (%v); falling back to a plain read-only open of %q", err, hostPath)
		return openHostBinaryReadOnly(hostPath)
	}
	dst := os.NewFile(uintptr(fd), "ldconfig-memfd")

	if err := copyBySendfile(dst, src, fi.Size()); err != nil {
		dst.Close()
		return nil, err
	}

	if err := unix.FcntlInt(dst.Fd(), unix.F_ADD_SEALS, sealFlags); err != nil {
		dst.Close()
		return nil, errdefs.Wrap(errdefs.IO, err, "sealing ldconfig memfd")
	}

	if _, err := dst.Seek(0, 0); err != nil {
		dst.Close()
		return nil, errdefs.Wrap(errdefs.IO, err, "rewinding ldconfig memfd")
	}

	return dst, nil
}

// openHostBinaryReadOnly reopens hostPath read-only, used when
// memfd_create fails.
func openHostBinaryReadOnly(hostPath string) (*os.File, error) {
	f, err := os.OpenFile(hostPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.IO, err, "reopening host ldconfig binary %q", hostPath)
	}
	return f, nil
}

// copyBySendfile streams n bytes from src to dst using sendfile, falling
// back to a userspace copy if the kernel rejects the fd pair (e.g. dst
// is not backed by a file descriptor sendfile supports as a target).
func copyBySendfile(dst, src *os.File, n int64) error {
	remaining := n
	for remaining > 0 {
		written, err := unix.Sendfile(int(dst.Fd()), int(src.Fd()), nil, int(remaining))
		if err != nil {
			if err == unix.EINVAL || err == unix.ENOSYS {
				return copyByReadWrite(dst, src)
			}
			return errdefs.Wrap(errdefs.IO, err, "sendfile copying ldconfig binary into memfd")
		}
		if written == 0 {
			break
		}
		remaining -= int64(written)
	}
	return nil
}

func copyByReadWrite(dst, src *os.File) error {
	if _, err := src.Seek(0, 0); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "rewinding source before fallback copy")
	}
	buf := make([]byte, 64*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return errdefs.Wrap(errdefs.IO, werr, "writing fallback copy into memfd")
			}
		}
		if rerr != nil {
			break
		}
	}
	return nil
}
