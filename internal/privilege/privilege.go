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

// Package privilege manages the five POSIX capability sets and the
// uid/gid of the calling thread across the phases a coordinator moves
// through (INIT, INIT_KMODS, CONTAINER, INFO, MOUNT, LDCACHE, SHUTDOWN).
package privilege

import (
	log "github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

var log_ = log.New()

// GetLogger returns the 'logrus.Logger' instance used by this package.
func GetLogger() *log.Logger {
	return log_
}

// Phase names the points in the coordinator's lifecycle that get their
// own effective-capability whitelist.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhaseInitKmods Phase = "init_kmods"
	PhaseContainer Phase = "container"
	PhaseInfo      Phase = "info"
	PhaseMount     Phase = "mount"
	PhaseLdcache   Phase = "ldcache"
	PhaseShutdown  Phase = "shutdown"
)

// permittedSuperset is the fixed permitted+bounding superset raised once
// at startup. bounding additionally carries boundingOnlyExtra:
// DAC_OVERRIDE (already in this set) and SYS_MODULE, which only the
// PhaseInitKmods whitelist names.
var permittedSuperset = []capability.Cap{
	capability.CAP_CHOWN,
	capability.CAP_DAC_OVERRIDE,
	capability.CAP_DAC_READ_SEARCH,
	capability.CAP_FOWNER,
	capability.CAP_KILL,
	capability.CAP_MKNOD,
	capability.CAP_NET_ADMIN,
	capability.CAP_SETGID,
	capability.CAP_SETPCAP,
	capability.CAP_SETUID,
	capability.CAP_SYS_ADMIN,
	capability.CAP_SYS_CHROOT,
	capability.CAP_SYS_PTRACE,
}

var boundingOnlyExtra = []capability.Cap{
	capability.CAP_DAC_OVERRIDE,
	capability.CAP_SYS_MODULE,
}

// phaseWhitelist is the effective-capability set raised for each phase.
var phaseWhitelist = map[Phase][]capability.Cap{
	PhaseInit:      {capability.CAP_DAC_OVERRIDE, capability.CAP_SYS_ADMIN},
	PhaseInitKmods: {
		capability.CAP_SYS_MODULE,
		capability.CAP_DAC_OVERRIDE,
		capability.CAP_SYS_CHROOT,
		capability.CAP_SETUID,
		capability.CAP_SETGID,
	},
	PhaseContainer: {capability.CAP_DAC_OVERRIDE, capability.CAP_SYS_PTRACE},
	PhaseInfo:      {capability.CAP_DAC_OVERRIDE, capability.CAP_DAC_READ_SEARCH},
	PhaseMount: {
		capability.CAP_DAC_OVERRIDE,
		capability.CAP_DAC_READ_SEARCH,
		capability.CAP_SYS_ADMIN,
		capability.CAP_SYS_CHROOT,
		capability.CAP_CHOWN,
		capability.CAP_FOWNER,
		capability.CAP_MKNOD,
	},
	PhaseLdcache:  {capability.CAP_SYS_ADMIN, capability.CAP_SYS_CHROOT, capability.CAP_SETUID, capability.CAP_SETGID, capability.CAP_SETPCAP},
	PhaseShutdown: {},
}

// Controller owns the process's capability state across phase
// transitions. It is created once per process (main process or a
// forked helper) and never shared.
type Controller struct {
	caps capability.Capabilities
}

// NewController loads the calling process's current capability state and
// raises permitted+bounding to the fixed superset. This must be called
// exactly once, before any phase is entered.
func NewController() (*Controller, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.Capability, err, "loading process capabilities")
	}
	if err := caps.Load(); err != nil {
		return nil, errdefs.Wrap(errdefs.Capability, err, "loading process capabilities")
	}

	caps.Clear(capability.CAPS)
	caps.Set(capability.PERMITTED, permittedSuperset...)
	caps.Set(capability.BOUNDING, permittedSuperset...)
	caps.Set(capability.BOUNDING, boundingOnlyExtra...)

	if err := caps.Apply(capability.PERMITTED | capability.BOUNDING); err != nil {
		return nil, errdefs.Wrap(errdefs.Capability, err, "applying permitted/bounding superset")
	}

	return &Controller{caps: caps}, nil
}

// EnterPhase is a scoped acquisition: it raises the effective set to the
// phase's whitelist and returns a func that restores effective to empty.
// Callers use `defer ctrl.EnterPhase(PhaseMount)()` so the lower happens
// on every exit path.
func (c *Controller) EnterPhase(phase Phase) (lower func(), err error) {
	whitelist, ok := phaseWhitelist[phase]
	if !ok {
		return nil, errdefs.New(errdefs.Capability, "unknown phase %q", phase)
	}

	c.caps.Clear(capability.EFFECTIVE)
	c.caps.Set(capability.EFFECTIVE, whitelist...)
	if err := c.caps.Apply(capability.EFFECTIVE); err != nil {
		return nil, errdefs.Wrap(errdefs.Capability, err, "raising effective caps for phase %q", phase)
	}

	log_.Debugf("raised effective capabilities for phase %q: %v", phase, whitelist)

	return func() {
		c.caps.Clear(capability.EFFECTIVE)
		if err := c.caps.Apply(capability.EFFECTIVE); err != nil {
			log_.Warnf("error lowering effective capabilities after phase %q: %v", phase, err)
			return
		}
		log_.Debugf("lowered effective capabilities after phase %q", phase)
	}, nil
}

// DropTo performs setresuid/setresgid, an optional supplementary-group
// clear, and sets SECBIT_NO_SETUID_FIXUP so ambient capabilities survive
// a drop to a non-zero uid. Failure to drop is always fatal to the
// caller's operation.
func DropTo(uid, gid int, clearGroups bool) error {
	if uid != 0 {
		if err := unix.Prctl(unix.PR_SET_SECUREBITS, unix.SECBIT_NO_SETUID_FIXUP, 0, 0, 0); err != nil {
			log_.Warnf("could not set SECBIT_NO_SETUID_FIXUP (continuing): %v", err)
		}
	}

	if clearGroups {
		if err := unix.Setgroups(nil); err != nil {
			return errdefs.Wrap(errdefs.Capability, err, "clearing supplementary groups")
		}
	}

	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return errdefs.Wrap(errdefs.Capability, err, "setresgid(%d)", gid)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return errdefs.Wrap(errdefs.Capability, err, "setresuid(%d)", uid)
	}
	return nil
}

// RaiseAmbientDACOverride attempts to add CAP_DAC_OVERRIDE to the
// inheritable and ambient sets so it survives an unprivileged exec.
// Failure is degraded to a warning: some kernels forbid
// ambient-capability manipulation entirely.
func (c *Controller) RaiseAmbientDACOverride() {
	c.caps.Set(capability.INHERITABLE, capability.CAP_DAC_OVERRIDE)
	if err := c.caps.Apply(capability.INHERITABLE); err != nil {
		log_.Warnf("could not set inheritable DAC_OVERRIDE: %v", err)
		return
	}
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_RAISE, uintptr(capability.CAP_DAC_OVERRIDE), 0, 0); err != nil {
		log_.Warnf("could not raise ambient DAC_OVERRIDE: %v", err)
	}
}

// ClearInheritable drops every inheritable capability. Used before
// running a fully untrusted binary (the confined ldconfig runner in
// secure mode) where not even DAC_OVERRIDE should survive the exec.
func (c *Controller) ClearInheritable() error {
	c.caps.Clear(capability.INHERITABLE)
	if err := c.caps.Apply(capability.INHERITABLE); err != nil {
		return errdefs.Wrap(errdefs.Capability, err, "clearing inheritable capabilities")
	}
	return nil
}

// DropBounding clears the entire bounding set, one capability at a time
// via PR_CAPBSET_DROP, as required before running an untrusted binary
// (the confined ldconfig runner).
func DropBounding() error {
	for _, cap := range capability.List() {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(cap), 0, 0, 0); err != nil {
			if err == unix.EINVAL {
				continue // kernel doesn't know this cap number; ignore
			}
			return errdefs.Wrap(errdefs.Capability, err, "dropping bounding capability %v", cap)
		}
	}
	return nil
}
