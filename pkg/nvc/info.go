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

package nvc

import (
	"os"
	"path/filepath"

	"github.com/NVIDIA/nvidia-ctr-inject/internal/privilege"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/fscontext"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/inventory"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

// persistencedSocket and mpsPipeDirDefault are the two IPC candidates the
// original CLI's lookup_ipcs always considers, gated at mount time by the
// container's utility/compute flags rather than here.
const (
	persistencedSocket = "/var/run/nvidia-persistenced/socket"
	mpsPipeDirDefault  = "/tmp/nvidia-mps"
	mpsPipeDirEnv      = "CUDA_MPS_PIPE_DIRECTORY"
)

// Info performs nvc_info: queries the driver helper for every visible
// GPU and its MIG tree, then combines that with the ld.so cache and the
// fixed driver-level device nodes into a DriverInfo snapshot. The
// returned devices are also recorded on the coordinator for Select.
//
// DriverInfo.Devices carries only the fixed nodes every container gets
// regardless of selection (nvidiactl, nvidia-modeset, the UVM pair):
// per-GPU and per-MIG-capability nodes are resolved later, from the
// evaluated Selection, by the Mount Orchestrator. Baking every
// discovered GPU/MIG node in here would make Select's isolation
// decorative, since Mount unconditionally binds everything in
// DriverInfo.Devices.
func (c *Coordinator) Info() (*types.DriverInfo, []*types.Device, error) {
	lower, err := c.ctrl.EnterPhase(privilege.PhaseInfo)
	if err != nil {
		return nil, nil, err
	}
	defer lower()

	count, err := c.driver.DeviceCount()
	if err != nil {
		return nil, nil, err
	}

	devices := make([]*types.Device, 0, count)
	for i := 0; i < count; i++ {
		dev, err := c.driver.DeviceInfo(i)
		if err != nil {
			return nil, nil, err
		}
		dev.Node = inventory.PerGPUNode(c.cfg.DriverRoot, int(dev.Node.Minor))
		inventory.PopulateMigTree(&dev, c.capsStyle)

		devPtr := dev
		devices = append(devices, &devPtr)
	}

	classes := c.cfg.Classes.Classes()
	info := &types.DriverInfo{
		NVRMVersion: c.nvrmVersion,
		CUDAVersion: c.cudaVersion,
		Binaries:    inventory.ResolveBinaries(c.cfg.DriverRoot, c.cfg.WantMPS),
		Libraries:   inventory.ResolveLibraries(c.cache, classes, true, c.nvrmVersion),
		Libraries32: inventory.ResolveLibraries(c.cache, classes, false, c.nvrmVersion),
		Firmwares:   inventory.ResolveFirmwares(c.cfg.DriverRoot, c.nvrmVersion),
		Devices:     inventory.FixedDeviceNodes(c.cfg.DriverRoot),
		IPCs:        c.resolveIPCs(),
	}

	c.devices = devices
	c.info = info
	return info, devices, nil
}

// resolveIPCs mirrors lookup_ipcs: the persistenced socket and the MPS
// pipe directory (overridable via CUDA_MPS_PIPE_DIRECTORY), each included
// only when present on the host under the driver root.
func (c *Coordinator) resolveIPCs() []string {
	mpsDir := os.Getenv(mpsPipeDirEnv)
	if mpsDir == "" {
		mpsDir = mpsPipeDirDefault
	}

	var out []string
	for _, candidate := range []string{persistencedSocket, mpsDir} {
		path, err := fscontext.Resolve(c.cfg.DriverRoot, candidate)
		if err != nil {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			out = append(out, filepath.Clean(path))
		}
	}
	return out
}
