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

// Package cgroup resolves which device-cgroup hierarchy (v1 or v2) a
// target process lives in, finds its device-control directory, and
// installs per-device allow rules into it.
package cgroup

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

var log_ = log.New()

// GetLogger returns the 'logrus.Logger' instance used by this package.
func GetLogger() *log.Logger {
	return log_
}

// mount is one parsed line of /proc/<pid>/mounts.
type mount struct {
	fsType  string
	mountpoint string
	superOpts []string
}

func (m mount) hasOpt(opt string) bool {
	for _, o := range m.superOpts {
		if o == opt {
			return true
		}
	}
	return false
}

// parseMounts parses the fstab-like format of /proc/<pid>/mounts: six
// whitespace-separated fields, device mountpoint fstype options freq
// passno. Octal escapes (\040 for space, etc.) in the mountpoint field
// are left as-is; none of the mountpoints this package cares about ever
// contain them.
func parseMounts(r *bufio.Scanner) []mount {
	var out []mount
	for r.Scan() {
		fields := strings.Fields(r.Text())
		if len(fields) < 4 {
			continue
		}
		out = append(out, mount{
			mountpoint: fields[1],
			fsType:     fields[2],
			superOpts:  strings.Split(fields[3], ","),
		})
	}
	return out
}

// DetectVersion reads /proc/<probePID>/mounts and reports whether the
// devices controller is mounted as cgroup v1 or the host uses a unified
// cgroup2 hierarchy, along with the mountpoint of whichever hierarchy
// was selected. A v1 "devices" mount always takes precedence over a v2
// mount when /proc/<probePID>/mounts lists both.
func DetectVersion(probePID int) (version types.CgroupVersion, mountpoint string, err error) {
	path := "/proc/" + strconv.Itoa(probePID) + "/mounts"
	f, openErr := os.Open(path)
	if openErr != nil {
		return types.CgroupUnknown, "", errdefs.Wrap(errdefs.CgroupNotFound, openErr, "opening %s", path)
	}
	defer f.Close()

	mounts := parseMounts(bufio.NewScanner(f))

	var v2Mountpoint string
	for _, m := range mounts {
		if m.fsType == "cgroup" && m.hasOpt("devices") {
			return types.CgroupV1, m.mountpoint, nil
		}
		if m.fsType == "cgroup2" && v2Mountpoint == "" {
			v2Mountpoint = m.mountpoint
		}
	}
	if v2Mountpoint != "" {
		return types.CgroupV2, v2Mountpoint, nil
	}
	return types.CgroupUnknown, "", errdefs.New(errdefs.CgroupNotFound, "no cgroup v1 devices or cgroup2 mount found in %s", path)
}
