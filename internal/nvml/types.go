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

// Package nvml narrows github.com/NVIDIA/go-nvml/pkg/nvml down to the
// handful of calls the driver helper needs. The narrow Interface/Device
// pair is what lets a single MockServer stand in for a real driver
// during tests.
package nvml

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Return mirrors nvml.Return so callers outside this package never need
// to import go-nvml directly.
type Return = nvml.Return

// MigMode is the current/pending MIG-enable state of a device.
type MigMode = int

const (
	MigDisabled = nvml.DEVICE_MIG_DISABLE
	MigEnabled  = nvml.DEVICE_MIG_ENABLE
)

// Interface is the process-wide NVML entry point held by the driver
// helper, dlopen'd exactly once via go-nvml's own lazy binding of
// libnvidia-ml.so.1.
type Interface interface {
	Init() Return
	Shutdown() Return
	SystemGetDriverVersion() (string, Return)
	SystemGetCudaDriverVersion() (int, int, Return)
	DeviceGetCount() (int, Return)
	DeviceGetHandleByIndex(index int) (Device, Return)
	DeviceGetHandleByUUID(uuid string) (Device, Return)
}

// Device is one physical GPU handle.
type Device interface {
	GetMinorNumber() (int, Return)
	GetUUID() (string, Return)
	GetName() (string, Return)
	GetBrand() (int, Return)
	GetPciInfo() (PciInfo, Return)
	GetCudaComputeCapability() (int, int, Return)
	GetMigMode() (current int, pending int, ret Return)
	DeviceGetMaxMigDeviceCount() (int, Return)
	DeviceGetMigDeviceHandleByIndex(index int) (Device, Return)
	GetGpuInstanceId() (int, Return)
	GetComputeInstanceId() (int, Return)
}

// PciInfo is the subset of nvml.PciInfo needed to build a canonical
// "dddddddd:bb:dd.0" busid string.
type PciInfo struct {
	Domain uint32
	Bus    uint32
	Device uint32
}

// FromNVMLPciInfo converts the raw go-nvml struct.
func FromNVMLPciInfo(p nvml.PciInfo) PciInfo {
	return PciInfo{Domain: p.Domain, Bus: p.Bus, Device: p.Device}
}

// BrandName maps an nvml.BrandType constant to its human-readable name.
func BrandName(brand int) string {
	switch brand {
	case nvml.BRAND_QUADRO:
		return "Quadro"
	case nvml.BRAND_TESLA:
		return "Tesla"
	case nvml.BRAND_NVS:
		return "NVS"
	case nvml.BRAND_GRID:
		return "Grid"
	case nvml.BRAND_GEFORCE:
		return "GeForce"
	case nvml.BRAND_TITAN:
		return "Titan"
	case nvml.BRAND_NVIDIA_VAPPS:
		return "NvidiaVApps"
	case nvml.BRAND_NVIDIA_VPC:
		return "NvidiaVPC"
	case nvml.BRAND_NVIDIA_VCS:
		return "NvidiaVCS"
	case nvml.BRAND_NVIDIA_VWS:
		return "NvidiaVWS"
	case nvml.BRAND_NVIDIA_CLOUD_GAMING:
		return "NvidiaCloudGaming"
	default:
		return "Unknown"
	}
}

// real wraps the genuine go-nvml binding.
type real struct{}

// New returns the Interface backed by the real, dlopen'd NVML library.
func New() Interface {
	return real{}
}

func (real) Init() Return     { return nvml.Init() }
func (real) Shutdown() Return { return nvml.Shutdown() }

func (real) SystemGetDriverVersion() (string, Return) {
	return nvml.SystemGetDriverVersion()
}

func (real) SystemGetCudaDriverVersion() (int, int, Return) {
	v, ret := nvml.SystemGetCudaDriverVersion()
	if ret != nvml.SUCCESS {
		return 0, 0, ret
	}
	// CUDA driver version is packed as major*1000 + minor*10.
	return v / 1000, (v % 1000) / 10, ret
}

func (real) DeviceGetCount() (int, Return) {
	return nvml.DeviceGetCount()
}

func (real) DeviceGetHandleByIndex(index int) (Device, Return) {
	d, ret := nvml.DeviceGetHandleByIndex(index)
	return realDevice{d}, ret
}

func (real) DeviceGetHandleByUUID(uuid string) (Device, Return) {
	d, ret := nvml.DeviceGetHandleByUUID(uuid)
	return realDevice{d}, ret
}

type realDevice struct {
	d nvml.Device
}

func (r realDevice) GetMinorNumber() (int, Return) { return r.d.GetMinorNumber() }
func (r realDevice) GetUUID() (string, Return)     { return r.d.GetUUID() }
func (r realDevice) GetName() (string, Return)     { return r.d.GetName() }
func (r realDevice) GetBrand() (int, Return) {
	b, ret := r.d.GetBrand()
	return int(b), ret
}

func (r realDevice) DeviceGetMaxMigDeviceCount() (int, Return) {
	return r.d.GetMaxMigDeviceCount()
}

func (r realDevice) GetPciInfo() (PciInfo, Return) {
	p, ret := r.d.GetPciInfo()
	return FromNVMLPciInfo(p), ret
}

func (r realDevice) GetCudaComputeCapability() (int, int, Return) {
	return r.d.GetCudaComputeCapability()
}

func (r realDevice) GetMigMode() (int, int, Return) {
	return r.d.GetMigMode()
}

func (r realDevice) DeviceGetMigDeviceHandleByIndex(index int) (Device, Return) {
	d, ret := r.d.GetMigDeviceHandleByIndex(index)
	return realDevice{d}, ret
}

func (r realDevice) GetGpuInstanceId() (int, Return) {
	return r.d.GetGpuInstanceId()
}

func (r realDevice) GetComputeInstanceId() (int, Return) {
	return r.d.GetComputeInstanceId()
}
