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

package nvml

import (
	"testing"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/require"
)

func TestMockServerDeviceCount(t *testing.T) {
	s := NewMockA100x2Server()
	n, ret := s.DeviceGetCount()
	require.Equal(t, nvml.SUCCESS, ret)
	require.Equal(t, 2, n)
}

func TestMockServerHandleByUUIDNotFound(t *testing.T) {
	s := NewMockA100x2Server()
	_, ret := s.DeviceGetHandleByUUID("GPU-does-not-exist")
	require.Equal(t, nvml.ERROR_NOT_FOUND, ret)
}

func TestMockDeviceMigDisabledByDefault(t *testing.T) {
	s := NewMockA100x2Server()
	d, _ := s.DeviceGetHandleByIndex(0)
	mode, _, ret := d.GetMigMode()
	require.Equal(t, nvml.SUCCESS, ret)
	require.Equal(t, MigDisabled, mode)

	_, ret = d.DeviceGetMigDeviceHandleByIndex(0)
	require.Equal(t, nvml.ERROR_NOT_SUPPORTED, ret)
}

func TestMockDeviceWithMigInstances(t *testing.T) {
	gpu := NewMockA100Device(0, "GPU-cccccccc-0000-0000-0000-000000000000")
	gpu.WithMigInstances(
		NewMockMigInstance(0, 0),
		NewMockMigInstance(1, 0),
	)

	mode, _, ret := gpu.GetMigMode()
	require.Equal(t, nvml.SUCCESS, ret)
	require.Equal(t, MigEnabled, mode)

	count, ret := gpu.DeviceGetMaxMigDeviceCount()
	require.Equal(t, nvml.SUCCESS, ret)
	require.Equal(t, 2, count)

	mig, ret := gpu.DeviceGetMigDeviceHandleByIndex(1)
	require.Equal(t, nvml.SUCCESS, ret)

	gi, ret := mig.GetGpuInstanceId()
	require.Equal(t, nvml.SUCCESS, ret)
	require.Equal(t, 1, gi)

	_, _, ret = mig.GetMigMode()
	require.Equal(t, nvml.ERROR_NOT_SUPPORTED, ret)
}

func TestBrandName(t *testing.T) {
	require.Equal(t, "Tesla", BrandName(nvml.BRAND_TESLA))
	require.Equal(t, "Unknown", BrandName(-1))
}
