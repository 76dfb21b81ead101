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

package driverhelper

import (
	"bytes"
	"encoding/gob"
	"strconv"

	gonvml "github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/NVIDIA/nvidia-ctr-inject/internal/nvml"
	"github.com/NVIDIA/nvidia-ctr-inject/internal/privilege"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

// InitResult carries the RM/CUDA version strings returned by nvml.init.
type InitResult struct {
	NVRMVersion string
	CUDAVersion string
}

// DeviceInfoRequest selects a device by index for nvml.deviceInfo.
type DeviceInfoRequest struct {
	Index int
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errdefs.Wrap(errdefs.RPCMarshal, err, "encoding driver-helper payload")
	}
	return buf.Bytes(), nil
}

func decode(payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return errdefs.Wrap(errdefs.RPCMarshal, err, "decoding driver-helper payload")
	}
	return nil
}

func (s *Server) handleInit(payload []byte) ([]byte, error) {
	if s.ctrl != nil {
		if lower, err := s.ctrl.EnterPhase(privilege.PhaseInit); err == nil {
			defer lower()
		}
	}

	if ret := s.nvml.Init(); ret != gonvml.SUCCESS {
		return nil, errdefs.New(errdefs.RemoteError, "nvmlInit_v2 failed: %v", ret)
	}

	driverVersion, ret := s.nvml.SystemGetDriverVersion()
	if ret != gonvml.SUCCESS {
		return nil, errdefs.New(errdefs.RemoteError, "SystemGetDriverVersion failed: %v", ret)
	}

	major, minor, ret := s.nvml.SystemGetCudaDriverVersion()
	if ret != gonvml.SUCCESS {
		return nil, errdefs.New(errdefs.RemoteError, "SystemGetCudaDriverVersion failed: %v", ret)
	}

	return encode(InitResult{
		NVRMVersion: driverVersion,
		CUDAVersion: cudaVersionString(major, minor),
	})
}

func (s *Server) handleShutdown(payload []byte) ([]byte, error) {
	if ret := s.nvml.Shutdown(); ret != gonvml.SUCCESS {
		return nil, errdefs.New(errdefs.RemoteError, "nvmlShutdown failed: %v", ret)
	}
	return nil, nil
}

func (s *Server) handleDeviceCount(payload []byte) ([]byte, error) {
	n, ret := s.nvml.DeviceGetCount()
	if ret != gonvml.SUCCESS {
		return nil, errdefs.New(errdefs.RemoteError, "DeviceGetCount failed: %v", ret)
	}
	return encode(n)
}

func (s *Server) handleDeviceInfo(payload []byte) ([]byte, error) {
	var req DeviceInfoRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	dev, ret := s.nvml.DeviceGetHandleByIndex(req.Index)
	if ret != gonvml.SUCCESS {
		return nil, errdefs.New(errdefs.DeviceMismatch, "DeviceGetHandleByIndex(%d) failed: %v", req.Index, ret)
	}

	out, err := describeDevice(dev)
	if err != nil {
		return nil, err
	}
	return encode(out)
}

// describeDevice pulls every attribute of a GPU handle needed by the
// inventory builder, tolerating NOT_FOUND/NOT_SUPPORTED/
// FUNCTION_NOT_FOUND on the MIG-mode query as "mig unavailable" rather
// than as an error.
func describeDevice(dev nvml.Device) (types.Device, error) {
	minor, ret := dev.GetMinorNumber()
	if ret != gonvml.SUCCESS {
		return types.Device{}, errdefs.New(errdefs.RemoteError, "GetMinorNumber failed: %v", ret)
	}
	uuid, ret := dev.GetUUID()
	if ret != gonvml.SUCCESS {
		return types.Device{}, errdefs.New(errdefs.RemoteError, "GetUUID failed: %v", ret)
	}
	name, ret := dev.GetName()
	if ret != gonvml.SUCCESS {
		return types.Device{}, errdefs.New(errdefs.RemoteError, "GetName failed: %v", ret)
	}
	brand, ret := dev.GetBrand()
	if ret != gonvml.SUCCESS {
		return types.Device{}, errdefs.New(errdefs.RemoteError, "GetBrand failed: %v", ret)
	}
	pci, ret := dev.GetPciInfo()
	if ret != gonvml.SUCCESS {
		return types.Device{}, errdefs.New(errdefs.RemoteError, "GetPciInfo failed: %v", ret)
	}
	ccMajor, ccMinor, ret := dev.GetCudaComputeCapability()
	if ret != gonvml.SUCCESS {
		return types.Device{}, errdefs.New(errdefs.RemoteError, "GetCudaComputeCapability failed: %v", ret)
	}

	out := types.Device{
		Model:             name,
		UUID:              uuid,
		BusID:             types.CanonicalBusID(pci.Domain, pci.Bus, pci.Device),
		ComputeCapability: cudaVersionString(ccMajor, ccMinor),
		Brand:             nvml.BrandName(brand),
		Node:              types.DeviceNode{Path: devicePath(minor), Major: nvidiaCharMajor, Minor: uint32(minor)},
	}

	current, pending, ret := dev.GetMigMode()
	if migUnavailable(ret) {
		return out, nil
	}
	if ret != gonvml.SUCCESS {
		return types.Device{}, errdefs.New(errdefs.RemoteError, "GetMigMode failed: %v", ret)
	}
	if current != nvml.MigEnabled || current != pending {
		return out, nil
	}
	out.MigCapable = true

	count, ret := dev.DeviceGetMaxMigDeviceCount()
	if migUnavailable(ret) {
		return out, nil
	}
	if ret != gonvml.SUCCESS {
		return types.Device{}, errdefs.New(errdefs.RemoteError, "DeviceGetMaxMigDeviceCount failed: %v", ret)
	}

	for i := 0; i < count; i++ {
		mig, ret := dev.DeviceGetMigDeviceHandleByIndex(i)
		if migUnavailable(ret) {
			break
		}
		if ret != gonvml.SUCCESS {
			return types.Device{}, errdefs.New(errdefs.RemoteError, "DeviceGetMigDeviceHandleByIndex(%d) failed: %v", i, ret)
		}

		migUUID, ret := mig.GetUUID()
		if ret != gonvml.SUCCESS {
			return types.Device{}, errdefs.New(errdefs.RemoteError, "mig GetUUID failed: %v", ret)
		}
		gi, ret := mig.GetGpuInstanceId()
		if ret != gonvml.SUCCESS {
			return types.Device{}, errdefs.New(errdefs.RemoteError, "mig GetGpuInstanceId failed: %v", ret)
		}
		ci, ret := mig.GetComputeInstanceId()
		if ret != gonvml.SUCCESS {
			return types.Device{}, errdefs.New(errdefs.RemoteError, "mig GetComputeInstanceId failed: %v", ret)
		}

		out.MigInstances = append(out.MigInstances, types.MigInstance{
			UUID:              migUUID,
			GPUInstanceID:     gi,
			ComputeInstanceID: ci,
		})
	}

	return out, nil
}

// migUnavailable reports the three return codes the confined MIG query
// tolerates as "this GPU has no usable MIG state" rather than errors.
func migUnavailable(ret gonvml.Return) bool {
	switch ret {
	case gonvml.ERROR_NOT_FOUND, gonvml.ERROR_NOT_SUPPORTED, gonvml.ERROR_FUNCTION_NOT_FOUND:
		return true
	default:
		return false
	}
}

// nvidiaCharMajor is the fixed major number of /dev/nvidia* device
// nodes on Linux.
const nvidiaCharMajor = 195

func devicePath(minor int) string {
	return "/dev/nvidia" + strconv.Itoa(minor)
}

func cudaVersionString(major, minor int) string {
	return strconv.Itoa(major) + "." + strconv.Itoa(minor)
}
