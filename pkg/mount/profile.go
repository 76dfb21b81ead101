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

package mount

import (
	"encoding/json"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/fscontext"
)

const appProfileFile = "10-container.conf"

// appProfileDoc mirrors the JSON document the NVIDIA kernel driver reads
// from /etc/nvidia/nvidia-application-profiles-rc.d, restricted to the
// single profile this system ever writes.
type appProfileDoc struct {
	Profiles []appProfile `json:"profiles"`
	Rules    []appRule    `json:"rules"`
}

type appProfile struct {
	Name     string        `json:"name"`
	Settings []interface{} `json:"settings"`
}

type appRule struct {
	Pattern []string `json:"pattern"`
	Profile string   `json:"profile"`
}

const containerProfileName = "_container_"
const eglVisibleDGPUDevicesKey = "EGLVisibleDGPUDevices"

// newAppProfileDoc builds the initial, all-zero-mask document.
func newAppProfileDoc() appProfileDoc {
	return appProfileDoc{
		Profiles: []appProfile{{Name: containerProfileName, Settings: []interface{}{eglVisibleDGPUDevicesKey, 0}}},
		Rules:    []appRule{{Pattern: []string{}, Profile: containerProfileName}},
	}
}

// setGPUVisible ORs gpuMinor's bit into the single profile's
// EGLVisibleDGPUDevices mask.
func (d *appProfileDoc) setGPUVisible(gpuMinor int) {
	if len(d.Profiles) == 0 {
		*d = newAppProfileDoc()
	}
	mask := 0
	if v, ok := d.Profiles[0].Settings[1].(float64); ok {
		mask = int(v)
	} else if v, ok := d.Profiles[0].Settings[1].(int); ok {
		mask = v
	}
	mask |= 1 << uint(gpuMinor)
	d.Profiles[0].Settings[1] = mask
}

// writeAppProfile serializes doc to path.
func writeAppProfile(path string, doc appProfileDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errdefs.Wrap(errdefs.IO, err, "marshalling app profile")
	}
	return fscontext.AtomicWriteFile(path, data, 0o444)
}

func readAppProfile(path string) (appProfileDoc, error) {
	data, err := fscontext.ReadAll(path)
	if err != nil {
		return appProfileDoc{}, err
	}
	var doc appProfileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return appProfileDoc{}, errdefs.Wrap(errdefs.IO, err, "parsing app profile %q", path)
	}
	return doc, nil
}
