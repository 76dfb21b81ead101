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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/nvidia-ctr-inject/internal/ldconfig"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/requirement"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

func TestSelectResolvesAgainstDiscoveredDevices(t *testing.T) {
	c := &Coordinator{
		devices: []*types.Device{{UUID: "GPU-aaaa"}, {UUID: "GPU-bbbb"}},
	}
	sel, err := c.Select("0", nil)
	require.NoError(t, err)
	require.Len(t, sel.GPUs, 1)
	require.Equal(t, "GPU-aaaa", sel.GPUs[0].UUID)
	require.Same(t, sel, c.selection)
}

func TestSelectRejectsUnsatisfiedRequirement(t *testing.T) {
	c := &Coordinator{
		devices:     []*types.Device{{UUID: "GPU-aaaa", ComputeCapability: "7.0"}},
		cudaVersion: "11.2",
		nvrmVersion: "525.60",
	}
	preds := []requirement.Predicate{{Key: requirement.KeyArch, Cmp: requirement.Ge, Value: "8.0"}}
	_, err := c.Select("0", preds)
	require.Error(t, err)
}

func TestSelectAcceptsSatisfiedRequirement(t *testing.T) {
	c := &Coordinator{
		devices:     []*types.Device{{UUID: "GPU-aaaa", ComputeCapability: "9.0"}},
		cudaVersion: "11.2",
		nvrmVersion: "525.60",
	}
	preds := []requirement.Predicate{{Key: requirement.KeyCUDA, Cmp: requirement.Ge, Value: "11.0"}}
	sel, err := c.Select("0", preds)
	require.NoError(t, err)
	require.Len(t, sel.GPUs, 1)
}

func TestMountRequiresPriorSteps(t *testing.T) {
	c := &Coordinator{}
	err := c.Mount()
	require.Error(t, err)
}

func TestLdcacheRequiresContainer(t *testing.T) {
	c := &Coordinator{}
	err := c.Ldcache("", ldconfig.Mode{})
	require.Error(t, err)
}

func TestCDISpecRequiresInfoAndSelect(t *testing.T) {
	c := &Coordinator{}
	_, err := c.CDISpec("nvidia.com")
	require.Error(t, err)
}

func TestCDISpecRendersCurrentSelection(t *testing.T) {
	c := &Coordinator{
		devices: []*types.Device{{UUID: "GPU-aaaa", Node: types.DeviceNode{Path: "/dev/nvidia0"}}},
		info:    &types.DriverInfo{},
	}
	sel, err := c.Select("0", nil)
	require.NoError(t, err)
	require.NotNil(t, sel)

	spec, err := c.CDISpec("nvidia.com")
	require.NoError(t, err)
	require.Equal(t, "nvidia.com/gpu", spec.Kind)
	require.Len(t, spec.Devices, 1)
}

func TestResolveIPCsOnlyIncludesExistingPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "var", "run", "nvidia-persistenced"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "var", "run", "nvidia-persistenced", "socket"), nil, 0o666))

	c := &Coordinator{cfg: Config{DriverRoot: root}}
	ipcs := c.resolveIPCs()
	require.Len(t, ipcs, 1)
	require.Contains(t, ipcs[0], "nvidia-persistenced")
}
