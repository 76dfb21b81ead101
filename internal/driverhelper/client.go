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
	"encoding/base64"
	"encoding/gob"
	"os"

	"github.com/NVIDIA/nvidia-ctr-inject/internal/rpc"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

// ChildReexecArg is the fixed argv[1] the coordinator re-execs itself
// with when spawning a driver helper; main() checks for it the same way
// it checks ldconfig.ReexecEnv for the confined ldconfig child. argv[2]
// is the base64-encoded gob-serialized Config (there is no parent Go
// heap for the freshly exec'd child to inherit from, so Config crosses
// the re-exec boundary as an argument, the same constraint internal/
// ldconfig solves with environment variables instead).
const ChildReexecArg = "__driverhelper_child__"

// Client wraps a spawned driver-helper process behind typed calls,
// hiding the RPC encode/decode boilerplate from pkg/nvc.
type Client struct {
	helper *rpc.Helper
}

// Spawn forks a driver helper via the running binary, passing cfg as an
// encoded re-exec argument.
func Spawn(cfg Config) (*Client, error) {
	encoded, err := encodeChildConfig(cfg)
	if err != nil {
		return nil, err
	}

	self, err := os.Executable()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.RPCTransport, err, "resolving own executable path")
	}

	helper, err := rpc.Spawn([]string{self, ChildReexecArg, encoded})
	if err != nil {
		return nil, err
	}
	return &Client{helper: helper}, nil
}

func encodeChildConfig(cfg Config) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cfg); err != nil {
		return "", errdefs.Wrap(errdefs.RPCMarshal, err, "encoding driver helper config")
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeChildConfig reverses encodeChildConfig; the re-exec'd child calls
// this on os.Args[2] before constructing its Server.
func DecodeChildConfig(arg string) (Config, error) {
	raw, err := base64.StdEncoding.DecodeString(arg)
	if err != nil {
		return Config{}, errdefs.Wrap(errdefs.ConfigInvalid, err, "decoding driver helper config argument")
	}
	var cfg Config
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&cfg); err != nil {
		return Config{}, errdefs.Wrap(errdefs.RPCMarshal, err, "decoding driver helper config")
	}
	return cfg, nil
}

// Init calls nvml.init and returns the RM/CUDA version snapshot.
func (c *Client) Init() (InitResult, error) {
	payload, err := c.helper.Call("nvml.init", nil)
	if err != nil {
		return InitResult{}, err
	}
	var out InitResult
	if err := decode(payload, &out); err != nil {
		return InitResult{}, err
	}
	return out, nil
}

// DeviceCount calls nvml.deviceCount.
func (c *Client) DeviceCount() (int, error) {
	payload, err := c.helper.Call("nvml.deviceCount", nil)
	if err != nil {
		return 0, err
	}
	var n int
	if err := decode(payload, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// DeviceInfo calls nvml.deviceInfo for the device at index.
func (c *Client) DeviceInfo(index int) (types.Device, error) {
	req, err := encode(DeviceInfoRequest{Index: index})
	if err != nil {
		return types.Device{}, err
	}
	payload, err := c.helper.Call("nvml.deviceInfo", req)
	if err != nil {
		return types.Device{}, err
	}
	var dev types.Device
	if err := decode(payload, &dev); err != nil {
		return types.Device{}, err
	}
	return dev, nil
}

// Shutdown calls nvml.shutdown then tears down the helper process.
func (c *Client) Shutdown() error {
	if _, err := c.helper.Call("nvml.shutdown", nil); err != nil {
		log_.Warnf("nvml.shutdown RPC failed (continuing with process teardown): %v", err)
	}
	return c.helper.Shutdown(rpc.DefaultCallTimeout)
}
