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

// Package ldconfig runs ldconfig inside a container's mount namespace,
// confined to the point that it can never write outside the container
// rootfs even when the binary itself is sourced from the host. The
// parent process (this package, invoked from the coordinator) picks the
// binary, virtualizes it when host-sourced, and re-execs itself with
// CLONE_NEWPID|CLONE_NEWIPC so the child entrypoint (RunChild, in
// child.go of this package) can finish isolating itself before ever
// touching the untrusted binary.
package ldconfig

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

var log_ = log.New()

// GetLogger returns the 'logrus.Logger' instance used by this package.
func GetLogger() *log.Logger {
	return log_
}

// ReexecEnv is the environment variable the coordinator's main() checks
// to branch into RunChild instead of its normal startup path, mirroring
// how internal/rpc.Spawn's helper re-exec is dispatched.
const ReexecEnv = "NVIDIA_CTR_INJECT_LDCONFIG_CHILD"

// Binary names the ldconfig executable chosen for one operation.
type Binary struct {
	// HostSourced is true when ldconfigPath began with "@": the binary
	// lives on the host and must be virtualized through a memfd rather
	// than executed directly out of the container rootfs.
	HostSourced bool
	// Path is either the host-absolute path (HostSourced) or a path
	// relative to the container rootfs.
	Path string
}

// SelectBinary implements the binary-selection step: an "@" prefix
// means the rest of ldconfigPath is a host path; otherwise it is
// rootfs-relative.
func SelectBinary(ldconfigPath string) (Binary, error) {
	if ldconfigPath == "" {
		return Binary{}, errdefs.New(errdefs.ConfigInvalid, "ldconfig path is empty")
	}
	if strings.HasPrefix(ldconfigPath, "@") {
		host := strings.TrimPrefix(ldconfigPath, "@")
		if host == "" {
			return Binary{}, errdefs.New(errdefs.ConfigInvalid, "host ldconfig path is empty after '@'")
		}
		return Binary{HostSourced: true, Path: host}, nil
	}
	return Binary{HostSourced: false, Path: ldconfigPath}, nil
}

// Mode selects pivot_root vs move+chroot for the rootfs switch, and
// whether the caller runs in secure mode (seccomp mandatory, inheritable
// caps dropped whenever the binary isn't host-sourced).
type Mode struct {
	NoPivot bool
	Secure  bool
}

// Request is everything the parent needs to build and wait on the
// confined ldconfig child.
type Request struct {
	Container     *types.ContainerDescriptor
	LdconfigPath  string // as given by the driver/config layer, possibly "@"-prefixed
	CompatDir     string // derived common cuda_compat_dir, empty if compat-mode != ldconfig
	Mode          Mode
	ReexecCommand []string // argv0 + any fixed flags for the self re-exec
}

// argv builds the final argument list passed to the confined ldconfig,
// per the fixed template in step 10: "-f /etc/ld.so.conf -C
// /etc/ld.so.cache [compat_dir] libs_dir [libs32_dir]".
func argv(req Request) []string {
	args := []string{"ldconfig", "-f", "/etc/ld.so.conf", "-C", "/etc/ld.so.cache"}
	if req.CompatDir != "" {
		args = append(args, req.CompatDir)
	}
	args = append(args, req.Container.Dirs.Libs)
	if req.Container.Flags.Has(types.FlagCompat32) && req.Container.Dirs.Libs32 != "" {
		args = append(args, req.Container.Dirs.Libs32)
	}
	return args
}

// exitCodeError maps a waitpid result to the taxonomy in step 11: exit 0
// is success, 127 and 137 have dedicated kinds, anything else nonzero is
// a generic ldconfig failure.
func exitCodeError(code int, signaled bool, signalName string) error {
	switch {
	case signaled:
		return errdefs.New(errdefs.KilledBySignal, "ldconfig child killed by signal %s", signalName)
	case code == 0:
		return nil
	case code == 127:
		return errdefs.New(errdefs.ExecFailed, "ldconfig child could not exec (status 127)")
	case code == 137:
		return errdefs.New(errdefs.KilledBySignal, "ldconfig child killed (status 137, SIGKILL)")
	default:
		return errdefs.New(errdefs.LdconfigFailed, "ldconfig exited with status %d", code)
	}
}

func fmtArgv(args []string) string {
	return fmt.Sprintf("%q", args)
}
