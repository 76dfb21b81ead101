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

package cdi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

func TestGenerateRejectsEmptySelection(t *testing.T) {
	_, err := Generate("nvidia.com", types.Dirs{}, &types.DriverInfo{}, &types.Selection{})
	require.Error(t, err)
}

func TestGenerateRendersGPUsAndCommonEdits(t *testing.T) {
	sel := &types.Selection{
		GPUs: []*types.Device{
			{UUID: "GPU-aaaa", Node: types.DeviceNode{Path: "/dev/nvidia0", Major: 195, Minor: 0}},
		},
	}
	info := &types.DriverInfo{
		Libraries: []string{"/usr/lib/x86_64-linux-gnu/libcuda.so.525.60"},
		Binaries:  []string{"/usr/bin/nvidia-smi"},
	}
	dirs := types.Dirs{Libs: "/usr/lib/x86_64-linux-gnu", Bins: "/usr/bin"}

	spec, err := Generate("nvidia.com", dirs, info, sel)
	require.NoError(t, err)
	require.Equal(t, "nvidia.com/gpu", spec.Kind)
	require.Len(t, spec.Devices, 1)
	require.Equal(t, "GPU-aaaa", spec.Devices[0].Name)
	require.Len(t, spec.Devices[0].ContainerEdits.DeviceNodes, 1)
	require.Len(t, spec.ContainerEdits.Mounts, 2)
}

func TestGenerateIncludesMigInstancesAsSeparateDevices(t *testing.T) {
	gpu := &types.Device{UUID: "GPU-aaaa", Node: types.DeviceNode{Path: "/dev/nvidia0"}}
	sel := &types.Selection{
		GPUs:         []*types.Device{gpu},
		MigInstances: []*types.MigInstance{{UUID: "MIG-bbbb", Parent: gpu}},
	}
	spec, err := Generate("nvidia.com", types.Dirs{}, &types.DriverInfo{}, sel)
	require.NoError(t, err)
	require.Len(t, spec.Devices, 2)
	require.Equal(t, "MIG-bbbb", spec.Devices[1].Name)
}

func TestGenerateIMEXRendersOneDevicePerChannel(t *testing.T) {
	spec, err := GenerateIMEX("nvidia.com", []types.IMEXChannel{{ID: 0}, {ID: 1}})
	require.NoError(t, err)
	require.Equal(t, "nvidia.com/imex-channel", spec.Kind)
	require.Len(t, spec.Devices, 2)
	require.Equal(t, "/dev/nvidia-caps-imex-channels/channel1", spec.Devices[1].ContainerEdits.DeviceNodes[0].Path)
}

func TestGenerateIMEXRejectsEmptyChannelList(t *testing.T) {
	_, err := GenerateIMEX("nvidia.com", nil)
	require.Error(t, err)
}
