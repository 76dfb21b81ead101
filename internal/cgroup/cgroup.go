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

package cgroup

import (
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

// DeviceType distinguishes character from block devices in an allow rule.
type DeviceType byte

const (
	CharDevice  DeviceType = 'c'
	BlockDevice DeviceType = 'b'
)

// Access is the bitmap of read/write/mknod permissions an allow rule
// grants, expressed with the same letters the kernel's devices.allow
// text format and bpf_cgroup_dev_ctx access_type use.
type Access struct {
	Read  bool
	Write bool
	Mknod bool
}

func (a Access) String() string {
	s := ""
	if a.Read {
		s += "r"
	}
	if a.Write {
		s += "w"
	}
	if a.Mknod {
		s += "m"
	}
	return s
}

// ReadWrite is the access mode used for every device this system exposes:
// GPUs are never mknod'd from inside the container.
func ReadWrite() Access { return Access{Read: true, Write: true} }

// Rule is one device-cgroup allow rule: "grant Type Major:Minor Access".
type Rule struct {
	Type   DeviceType
	Major  uint32
	Minor  uint32
	Access Access
}

// Controller resolves a target process's device-cgroup directory once
// and installs allow rules against it for however many devices the
// caller mounts.
type Controller struct {
	version types.CgroupVersion
	path    string
}

// Resolve detects the device-cgroup version visible from probePID and
// locates targetPID's device-control directory within it. procRootPrefix
// is prepended to the resolved path (non-empty only when probing a
// process from outside its own mount namespace via /proc/<pid>/root).
func Resolve(probePID, targetPID int, procRootPrefix string) (*Controller, error) {
	version, mountpoint, err := DetectVersion(probePID)
	if err != nil {
		return nil, err
	}

	cgPath, err := ResolvePath(targetPID, version, mountpoint, procRootPrefix)
	if err != nil {
		return nil, err
	}

	return &Controller{version: version, path: cgPath}, nil
}

// Version reports which hierarchy this controller resolved to.
func (c *Controller) Version() types.CgroupVersion { return c.version }

// Path reports the resolved device-cgroup directory.
func (c *Controller) Path() string { return c.path }

// Allow installs one allow rule for node, using the hierarchy-specific
// installer. A partial failure is left in place rather than rolled back:
// callers that need best-effort semantics across many rules should keep
// going past the first error and report it once at the end.
func (c *Controller) Allow(node types.DeviceNode) error {
	rule := Rule{Type: CharDevice, Major: node.Major, Minor: node.Minor, Access: ReadWrite()}
	switch c.version {
	case types.CgroupV1:
		return writeV1Rule(c.path, rule)
	case types.CgroupV2:
		return installV2Rule(c.path, rule)
	default:
		return errdefs.New(errdefs.CgroupNotFound, "controller was never resolved to a known cgroup version")
	}
}
