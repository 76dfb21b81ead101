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

// Package mount implements the driver_mount operation: it enters a
// container's mount namespace, bind-mounts the driver's binaries,
// libraries, firmware, device nodes and MIG capability files into the
// container's rootfs in a fixed order, and unconditionally returns the
// calling process to its own mount namespace.
package mount

import (
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

var log_ = log.New()

// GetLogger returns the 'logrus.Logger' instance used by this package.
func GetLogger() *log.Logger {
	return log_
}

// nsGuard enters a target mount namespace and guarantees a return to the
// namespace the calling goroutine started in, on every exit path. The
// goroutine is locked to its OS thread for the guard's lifetime, since
// mount namespace membership is a per-thread property.
type nsGuard struct {
	originalFd int
}

// enterNamespace locks the calling goroutine to its current OS thread,
// asserts "/" as MS_PRIVATE|MS_REC within it (so later binds never
// propagate back to host mount peers), and enters targetNS. Callers must
// defer guard.leave() unconditionally once this returns without error.
func enterNamespace(targetNS string) (*nsGuard, error) {
	runtime.LockOSThread()

	self, err := unix.Open("/proc/thread-self/ns/mnt", unix.O_RDONLY, 0)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, errdefs.Wrap(errdefs.Mount, err, "opening current mount namespace")
	}

	target, err := unix.Open(targetNS, unix.O_RDONLY, 0)
	if err != nil {
		unix.Close(self)
		runtime.UnlockOSThread()
		return nil, errdefs.Wrap(errdefs.Mount, err, "opening target mount namespace %q", targetNS)
	}
	defer unix.Close(target)

	if err := unix.Setns(target, unix.CLONE_NEWNS); err != nil {
		unix.Close(self)
		runtime.UnlockOSThread()
		return nil, errdefs.Wrap(errdefs.Mount, err, "entering mount namespace %q", targetNS)
	}

	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		g := &nsGuard{originalFd: self}
		g.leave()
		return nil, errdefs.Wrap(errdefs.Mount, err, "making / private within target namespace")
	}

	return &nsGuard{originalFd: self}, nil
}

// leave re-enters the namespace captured at enterNamespace time and
// unlocks the OS thread. Errors are logged, not returned: the hard
// invariant is that the goroutine attempts the return unconditionally,
// even from a defer after a panic recovery further up.
func (g *nsGuard) leave() {
	if err := unix.Setns(g.originalFd, unix.CLONE_NEWNS); err != nil {
		log_.Errorf("returning to original mount namespace: %v", err)
	}
	unix.Close(g.originalFd)
	runtime.UnlockOSThread()
}
