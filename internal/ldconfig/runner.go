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
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/fscontext"
)

// Run performs the entire ldcache_update(container) operation: it
// selects the binary, virtualizes it through a memfd when host-sourced,
// re-execs itself with CLONE_NEWPID|CLONE_NEWIPC so RunChild can finish
// isolating the child before it ever touches the untrusted binary, and
// waits for the result.
func Run(req Request) error {
	if req.Container == nil {
		return errdefs.New(errdefs.ConfigInvalid, "ldconfig request has no container descriptor")
	}
	if req.Container.MountNS == "" {
		return errdefs.New(errdefs.ConfigInvalid, "ldconfig request has no mount namespace")
	}

	bin, err := SelectBinary(req.LdconfigPath)
	if err != nil {
		return err
	}

	if req.Mode.Secure {
		if err := RequireSeccompSupport(); err != nil {
			return err
		}
	}

	cfg := ChildEnv{
		MountNS:     req.Container.MountNS,
		RootFS:      req.Container.RootFS,
		OwnerUID:    req.Container.OwnerUID,
		OwnerGID:    req.Container.OwnerGID,
		NoPivot:     req.Mode.NoPivot,
		Secure:      req.Mode.Secure,
		HostSourced: bin.HostSourced,
		BinaryPath:  bin.Path,
	}

	var extraFiles []*os.File
	if bin.HostSourced {
		memfd, err := virtualizeHostBinary(bin.Path)
		if err != nil {
			return err
		}
		defer memfd.Close()
		// Position 0 in ExtraFiles lands at fd 3 in the child; record
		// that fixed number rather than the parent-side fd, which the
		// child does not inherit unchanged.
		cfg.BinaryFD = 3
		extraFiles = append(extraFiles, memfd)
	} else {
		rootfsRelative, err := fscontext.Resolve(req.Container.RootFS, bin.Path)
		if err != nil {
			return err
		}
		cfg.BinaryPath = rootfsRelative
	}

	args := argv(req)
	log_.Debugf("running confined ldconfig with argv %s", fmtArgv(args))

	self, err := os.Executable()
	if err != nil {
		return errdefs.Wrap(errdefs.ExecFailed, err, "resolving own executable path")
	}

	cmd := exec.Command(self, append([]string{"__ldconfig_child__"}, args...)...)
	cmd.Env = append(os.Environ(), ReexecEnv+"=1")
	cmd.Env = append(cmd.Env, buildChildEnv(cfg)...)
	cmd.ExtraFiles = extraFiles
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWPID | unix.CLONE_NEWIPC,
	}

	if err := cmd.Start(); err != nil {
		return errdefs.Wrap(errdefs.ExecFailed, err, "starting confined ldconfig child")
	}

	err = cmd.Wait()
	return mapWaitResult(err)
}

// mapWaitResult implements step 11's exit-code taxonomy.
func mapWaitResult(waitErr error) error {
	if waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !asExitError(waitErr, &exitErr) {
		return errdefs.Wrap(errdefs.ExecFailed, waitErr, "waiting for confined ldconfig child")
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return errdefs.Wrap(errdefs.LdconfigFailed, waitErr, "unrecognized wait status")
	}
	if status.Signaled() {
		return exitCodeError(0, true, status.Signal().String())
	}
	return exitCodeError(status.ExitStatus(), false, "")
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}
