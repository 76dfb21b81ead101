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

package cgroup

import (
	"bufio"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

const maxCgroupPathLen = 4096 // PATH_MAX

// cgroupLine is one parsed line of /proc/<pid>/cgroup:
// hierarchy-id:controller-list:cgroup-path.
type cgroupLine struct {
	hierarchyID int
	controllers []string
	cgroupPath  string
}

func (l cgroupLine) hasController(name string) bool {
	for _, c := range l.controllers {
		if c == name {
			return true
		}
	}
	return false
}

func parseCgroupFile(r *bufio.Scanner) ([]cgroupLine, error) {
	var out []cgroupLine
	for r.Scan() {
		line := r.Text()
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CgroupNotFound, err, "parsing hierarchy id in %q", line)
		}
		var controllers []string
		if parts[1] != "" {
			controllers = strings.Split(parts[1], ",")
		}
		out = append(out, cgroupLine{hierarchyID: id, controllers: controllers, cgroupPath: parts[2]})
	}
	return out, nil
}

// ResolvePath locates the absolute host (or in-container, when
// procRootPrefix names a chroot) path of the target process's device
// cgroup directory, given the version and the mountpoint DetectVersion
// observed for the devices controller (or the unified hierarchy).
func ResolvePath(targetPID int, version types.CgroupVersion, mountpoint, procRootPrefix string) (string, error) {
	cgPath := "/proc/" + strconv.Itoa(targetPID) + "/cgroup"
	f, err := os.Open(cgPath)
	if err != nil {
		return "", errdefs.Wrap(errdefs.CgroupNotFound, err, "opening %s", cgPath)
	}
	defer f.Close()

	lines, err := parseCgroupFile(bufio.NewScanner(f))
	if err != nil {
		return "", err
	}

	var rel string
	found := false
	for _, l := range lines {
		switch version {
		case types.CgroupV1:
			if l.hasController("devices") {
				rel = l.cgroupPath
				found = true
			}
		case types.CgroupV2:
			if l.hierarchyID == 0 && len(l.controllers) == 0 {
				rel = l.cgroupPath
				found = true
			}
		}
		if found {
			break
		}
	}
	if !found {
		return "", errdefs.New(errdefs.CgroupNotFound, "no matching line for cgroup version %v in %s", version, cgPath)
	}

	return joinCgroupPath(procRootPrefix, mountpoint, rel)
}

// joinCgroupPath validates and assembles the final cgroup directory path
// from its three parts, rejecting a relative path that climbs out of its
// hierarchy root or a result longer than PATH_MAX.
func joinCgroupPath(procRootPrefix, mountpoint, rel string) (string, error) {
	if strings.HasPrefix(rel, "/..") {
		return "", errdefs.New(errdefs.PathEscape, "cgroup path %q escapes its hierarchy root", rel)
	}

	full := path.Join(procRootPrefix, mountpoint, rel)
	if len(full) > maxCgroupPathLen {
		return "", errdefs.New(errdefs.PathInvalid, "resolved cgroup path exceeds PATH_MAX: %s", full)
	}
	return full, nil
}
