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

package inventory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/fscontext"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

const (
	nvidiaCharMajor = 195
	ctlMinor        = 255
)

// CapsStyle is the detected shape of a driver's MIG-capability exposure.
type CapsStyle int

const (
	CapsNone CapsStyle = iota
	CapsProc
	CapsDev
)

const procDriverCaps = "/proc/driver/nvidia/capabilities"
const devCapsDir = "/dev/nvidia-caps"

// DetectCapsStyle reports whether the host's MIG capability files live
// under /dev/nvidia-caps (preferred on modern drivers), only under
// procfs, or aren't present at all.
func DetectCapsStyle(root string) CapsStyle {
	if fi, err := os.Stat(filepath.Join(root, devCapsDir)); err == nil && fi.IsDir() {
		entries, err := os.ReadDir(filepath.Join(root, devCapsDir))
		if err == nil && len(entries) > 0 {
			return CapsDev
		}
	}
	if fi, err := os.Stat(filepath.Join(root, procDriverCaps)); err == nil && fi.IsDir() {
		return CapsProc
	}
	return CapsNone
}

// FixedDeviceNodes returns the always-present nvidiactl node plus
// nvidia-modeset and the UVM pair when present on the host (the UVM
// major is dynamic, so these are discovered by stat rather than assumed).
func FixedDeviceNodes(root string) []types.DeviceNode {
	nodes := []types.DeviceNode{
		{Path: filepath.Join(root, "dev", "nvidiactl"), Major: nvidiaCharMajor, Minor: ctlMinor},
	}
	if major, minor, err := fscontext.StatRdev(filepath.Join(root, "dev", "nvidia-modeset")); err == nil {
		nodes = append(nodes, types.DeviceNode{Path: filepath.Join(root, "dev", "nvidia-modeset"), Major: major, Minor: minor})
	}
	for _, name := range []string{"nvidia-uvm", "nvidia-uvm-tools"} {
		path := filepath.Join(root, "dev", name)
		if major, minor, err := fscontext.StatRdev(path); err == nil {
			nodes = append(nodes, types.DeviceNode{Path: path, Major: major, Minor: minor})
		}
	}
	return nodes
}

// PerGPUNode returns the /dev/nvidia<minor> node for a discovered GPU
// minor number.
func PerGPUNode(root string, minor int) types.DeviceNode {
	return types.DeviceNode{
		Path:  filepath.Join(root, "dev", fmt.Sprintf("nvidia%d", minor)),
		Major: nvidiaCharMajor,
		Minor: uint32(minor),
	}
}

// PopulateMigTree fills in the procfs caps paths and parent back-reference
// that NVML's own responses never carry. It does not resolve DEV-style
// capability device nodes; CapsDeviceNode does that on demand.
func PopulateMigTree(dev *types.Device, style CapsStyle) {
	if !dev.MigCapable {
		return
	}
	gpuMinor := dev.Node.Minor
	dev.MigCapsPath = fmt.Sprintf("%s/gpu%d/mig", procDriverCaps, gpuMinor)

	for i := range dev.MigInstances {
		mi := &dev.MigInstances[i]
		mi.Parent = dev
		mi.GICapsPath = fmt.Sprintf("%s/gpu%d/mig/gi%d/access", procDriverCaps, gpuMinor, mi.GPUInstanceID)
		mi.CICapsPath = fmt.Sprintf("%s/gpu%d/mig/gi%d/ci%d/access", procDriverCaps, gpuMinor, mi.GPUInstanceID, mi.ComputeInstanceID)
	}

	if style != CapsDev {
		return
	}
	// DEV-style nvidia-cap<N> minors are assigned by the driver in
	// discovery order and have no fixed formula; resolving them requires
	// reading /proc/driver/nvidia/capabilities/gpu<minor>/mig/gi<N>/access's
	// sibling "minor" file, which the Mount Orchestrator does directly
	// when it needs the device node rather than duplicating that lookup
	// here.
}

// statCapsMinor reads the dynamic minor number the driver assigned a
// nvidia-cap<N> device node, from the procfs sibling file the kernel
// writes alongside the access file.
func statCapsMinor(accessPath string) (uint32, error) {
	minorPath := filepath.Join(filepath.Dir(accessPath), "minor")
	data, err := fscontext.ReadAll(minorPath)
	if err != nil {
		return 0, err
	}
	var minor uint32
	if _, err := fmt.Sscanf(string(data), "%d", &minor); err != nil {
		return 0, err
	}
	return minor, nil
}

// CapsDeviceNode resolves the /dev/nvidia-caps/nvidia-cap<N> node backing
// a given access path, when the host uses DEV-style capability exposure.
func CapsDeviceNode(root, accessPath string) (types.DeviceNode, error) {
	minor, err := statCapsMinor(accessPath)
	if err != nil {
		return types.DeviceNode{}, err
	}
	path := filepath.Join(root, devCapsDir, fmt.Sprintf("nvidia-cap%d", minor))
	major, minorStat, err := fscontext.StatRdev(path)
	if err != nil {
		return types.DeviceNode{}, err
	}
	return types.DeviceNode{Path: path, Major: major, Minor: minorStat}, nil
}
