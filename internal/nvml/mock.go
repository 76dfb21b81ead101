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
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// MockServer is a fixed fleet of mock devices standing in for a real
// driver, the same shape as the source array-of-devices fixture, sized to
// the narrower Interface/Device pair this package declares.
type MockServer struct {
	Devices        []*MockDevice
	DriverVersion  string
	CudaMajor      int
	CudaMinor      int
	InitCalled     bool
	ShutdownCalled bool
}

var _ Interface = (*MockServer)(nil)

// NewMockA100x2Server returns a server with two non-MIG A100s, the
// configuration exercised by the mount-orchestrator and inventory tests.
func NewMockA100x2Server() *MockServer {
	return &MockServer{
		Devices: []*MockDevice{
			NewMockA100Device(0, "GPU-aaaaaaaa-0000-0000-0000-000000000000"),
			NewMockA100Device(1, "GPU-bbbbbbbb-0000-0000-0000-000000000000"),
		},
		DriverVersion: "535.129.03",
		CudaMajor:     12,
		CudaMinor:     2,
	}
}

func (m *MockServer) Init() Return     { m.InitCalled = true; return nvml.SUCCESS }
func (m *MockServer) Shutdown() Return { m.ShutdownCalled = true; return nvml.SUCCESS }

func (m *MockServer) SystemGetDriverVersion() (string, Return) {
	return m.DriverVersion, nvml.SUCCESS
}

func (m *MockServer) SystemGetCudaDriverVersion() (int, int, Return) {
	return m.CudaMajor, m.CudaMinor, nvml.SUCCESS
}

func (m *MockServer) DeviceGetCount() (int, Return) {
	return len(m.Devices), nvml.SUCCESS
}

func (m *MockServer) DeviceGetHandleByIndex(index int) (Device, Return) {
	if index < 0 || index >= len(m.Devices) {
		return nil, nvml.ERROR_INVALID_ARGUMENT
	}
	return m.Devices[index], nvml.SUCCESS
}

func (m *MockServer) DeviceGetHandleByUUID(uuid string) (Device, Return) {
	for _, d := range m.Devices {
		if d.UUID == uuid {
			return d, nvml.SUCCESS
		}
	}
	return nil, nvml.ERROR_NOT_FOUND
}

// MockDevice is one mock A100, optionally carrying MIG instances.
type MockDevice struct {
	Index        int
	UUID         string
	Name         string
	Brand        int
	Minor        int
	Bus          uint32
	Domain       uint32
	PciDevice    uint32
	CCMajor      int
	CCMinor      int
	MigMode      int
	MigPending   int
	MigInstances []*MockDevice

	// set only on MIG-device handles returned by
	// DeviceGetMigDeviceHandleByIndex.
	gpuInstanceID     int
	computeInstanceID int
	isMigDevice       bool
}

var _ Device = (*MockDevice)(nil)

// NewMockA100Device returns a MIG-capable A100 in disabled mode.
func NewMockA100Device(index int, uuid string) *MockDevice {
	return &MockDevice{
		Index:     index,
		UUID:      uuid,
		Name:      "NVIDIA A100-SXM4-40GB",
		Brand:     nvml.BRAND_NVIDIA,
		Minor:     index,
		Bus:       uint32(0x17 + index),
		Domain:    0,
		PciDevice: 0,
		CCMajor:   8,
		CCMinor:   0,
		MigMode:   MigDisabled,
	}
}

// WithMigInstances switches the device into MIG-enabled mode populated
// with the given instances, returning the receiver for chaining.
func (d *MockDevice) WithMigInstances(instances ...*MockDevice) *MockDevice {
	d.MigMode = MigEnabled
	d.MigPending = MigEnabled
	d.MigInstances = instances
	for i, inst := range instances {
		inst.isMigDevice = true
		inst.Index = i
		if inst.UUID == "" {
			inst.UUID = fmt.Sprintf("MIG-%s/%d/%d", d.UUID, inst.gpuInstanceID, inst.computeInstanceID)
		}
	}
	return d
}

// NewMockMigInstance builds one compute/GPU-instance pair of a MIG
// device, addressed by (gpuInstanceID, computeInstanceID).
func NewMockMigInstance(gpuInstanceID, computeInstanceID int) *MockDevice {
	return &MockDevice{
		gpuInstanceID:     gpuInstanceID,
		computeInstanceID: computeInstanceID,
	}
}

func (d *MockDevice) GetMinorNumber() (int, Return) { return d.Minor, nvml.SUCCESS }
func (d *MockDevice) GetUUID() (string, Return)     { return d.UUID, nvml.SUCCESS }
func (d *MockDevice) GetName() (string, Return)     { return d.Name, nvml.SUCCESS }
func (d *MockDevice) GetBrand() (int, Return)       { return d.Brand, nvml.SUCCESS }

func (d *MockDevice) GetPciInfo() (PciInfo, Return) {
	return PciInfo{Domain: d.Domain, Bus: d.Bus, Device: d.PciDevice}, nvml.SUCCESS
}

func (d *MockDevice) GetCudaComputeCapability() (int, int, Return) {
	return d.CCMajor, d.CCMinor, nvml.SUCCESS
}

func (d *MockDevice) GetMigMode() (int, int, Return) {
	if d.isMigDevice {
		return 0, 0, nvml.ERROR_NOT_SUPPORTED
	}
	return d.MigMode, d.MigPending, nvml.SUCCESS
}

func (d *MockDevice) DeviceGetMaxMigDeviceCount() (int, Return) {
	if d.MigMode != MigEnabled {
		return 0, nvml.SUCCESS
	}
	return len(d.MigInstances), nvml.SUCCESS
}

func (d *MockDevice) DeviceGetMigDeviceHandleByIndex(index int) (Device, Return) {
	if d.MigMode != MigEnabled {
		return nil, nvml.ERROR_NOT_SUPPORTED
	}
	if index < 0 || index >= len(d.MigInstances) {
		return nil, nvml.ERROR_INVALID_ARGUMENT
	}
	return d.MigInstances[index], nvml.SUCCESS
}

func (d *MockDevice) GetGpuInstanceId() (int, Return) {
	if !d.isMigDevice {
		return 0, nvml.ERROR_NOT_SUPPORTED
	}
	return d.gpuInstanceID, nvml.SUCCESS
}

func (d *MockDevice) GetComputeInstanceId() (int, Return) {
	if !d.isMigDevice {
		return 0, nvml.ERROR_NOT_SUPPORTED
	}
	return d.computeInstanceID, nvml.SUCCESS
}
