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

// Package cdi renders a resolved Selection and the discovered driver
// inventory as a Container Device Interface specification. This is an
// additive output: a runtime that understands CDI can inject the same
// devices and driver files this module would otherwise bind-mount
// itself via pkg/mount, without invoking this module at container
// start at all. Generating a Spec here never bypasses or replaces that
// direct path; the two are independent ways of describing the same
// grant.
package cdi

import (
	"fmt"
	"path/filepath"
	"strings"

	"tags.cncf.io/container-device-interface/specs-go"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

const (
	cdiVersion = "0.8.0"
	classGPU   = "gpu"
	classIMEX  = "imex-channel"

	mountOpts = "ro,nosuid,nodev,bind"
)

// Generate renders sel's GPUs and MIG instances as CDI devices under
// vendor/gpu, and the driver files info lists as Spec-wide container
// edits applied no matter which named device a container requests.
// dirs gives the container-side paths the bind mounts target; Generate
// does not itself decide those paths, the same way pkg/mount takes
// them from a ContainerDescriptor rather than inventing its own.
func Generate(vendor string, dirs types.Dirs, info *types.DriverInfo, sel *types.Selection) (*specs.Spec, error) {
	if sel == nil || len(sel.GPUs) == 0 {
		return nil, errdefs.New(errdefs.ConfigInvalid, "cdi: selection has no GPUs to render")
	}
	if info == nil {
		return nil, errdefs.New(errdefs.ConfigInvalid, "cdi: driver info is required")
	}

	spec := &specs.Spec{
		Version: cdiVersion,
		Kind:    fmt.Sprintf("%s/%s", vendor, classGPU),
	}

	for _, dev := range sel.GPUs {
		spec.Devices = append(spec.Devices, gpuDevice(dev))
	}
	for _, mi := range sel.MigInstances {
		spec.Devices = append(spec.Devices, migDevice(mi))
	}

	spec.ContainerEdits = commonEdits(dirs, info)
	return spec, nil
}

// GenerateIMEX renders a set of IMEX channels as CDI devices under
// vendor/imex-channel. Channel device nodes live at the same absolute
// path on the host and inside the container, the same assumption
// pkg/mount's mountIMEXChannels makes.
func GenerateIMEX(vendor string, channels []types.IMEXChannel) (*specs.Spec, error) {
	if len(channels) == 0 {
		return nil, errdefs.New(errdefs.ConfigInvalid, "cdi: no imex channels to render")
	}

	spec := &specs.Spec{
		Version: cdiVersion,
		Kind:    fmt.Sprintf("%s/%s", vendor, classIMEX),
	}
	for _, ch := range channels {
		path := imexChannelPath(ch.ID)
		spec.Devices = append(spec.Devices, specs.Device{
			Name: fmt.Sprintf("channel%d", ch.ID),
			ContainerEdits: specs.ContainerEdits{
				DeviceNodes: []*specs.DeviceNode{{Path: path, HostPath: path}},
			},
		})
	}
	return spec, nil
}

func imexChannelPath(id int) string {
	return fmt.Sprintf("/dev/nvidia-caps-imex-channels/channel%d", id)
}

func gpuDevice(dev *types.Device) specs.Device {
	return specs.Device{
		Name: dev.UUID,
		ContainerEdits: specs.ContainerEdits{
			DeviceNodes: []*specs.DeviceNode{deviceNode(dev.Node)},
		},
	}
}

// migDevice exposes a single MIG instance as its own named CDI device,
// sharing its parent GPU's node: a container that only requests one MIG
// instance still needs the parent /dev/nvidia<N> node to address it.
// The gi/ci capability files gating the instance itself are not listed
// here: their DEV-style minors, when the host uses that caps style, are
// only resolved by the mount orchestrator at mount time via
// inventory.CapsDeviceNode, so a CDI-only consumer on a DEV-style host
// does not get them from this Spec.
func migDevice(mi *types.MigInstance) specs.Device {
	return specs.Device{
		Name: mi.UUID,
		ContainerEdits: specs.ContainerEdits{
			DeviceNodes: []*specs.DeviceNode{deviceNode(mi.Parent.Node)},
		},
	}
}

func deviceNode(n types.DeviceNode) *specs.DeviceNode {
	return &specs.DeviceNode{
		Path:  n.Path,
		Major: int64(n.Major),
		Minor: int64(n.Minor),
	}
}

func commonEdits(dirs types.Dirs, info *types.DriverInfo) specs.ContainerEdits {
	var edits specs.ContainerEdits
	for _, path := range info.Binaries {
		edits.Mounts = append(edits.Mounts, containerMount(dirs.Bins, path))
	}
	for _, path := range info.Libraries {
		edits.Mounts = append(edits.Mounts, containerMount(dirs.Libs, path))
	}
	for _, path := range info.Libraries32 {
		edits.Mounts = append(edits.Mounts, containerMount(dirs.Libs32, path))
	}
	for _, path := range info.Firmwares {
		edits.Mounts = append(edits.Mounts, &specs.Mount{
			HostPath:      path,
			ContainerPath: path,
			Options:       splitOpts(mountOpts),
		})
	}
	return edits
}

func containerMount(dir, hostPath string) *specs.Mount {
	return &specs.Mount{
		HostPath:      hostPath,
		ContainerPath: filepath.Join(dir, filepath.Base(hostPath)),
		Options:       splitOpts(mountOpts),
	}
}

func splitOpts(opts string) []string {
	return strings.Split(opts, ",")
}
