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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

const gentooMounts = `proc /proc proc rw,nosuid,nodev,noexec,relatime 0 0
sysfs /sys sysfs rw,nosuid,nodev,noexec,relatime 0 0
cgroup /sys/fs/cgroup/cpuset cgroup rw,nosuid,nodev,noexec,relatime,cpuset 0 0
cgroup /sys/fs/cgroup/devices cgroup rw,nosuid,nodev,noexec,relatime,devices 0 0
`

const v2OnlyMounts = `cgroup2 /sys/fs/cgroup cgroup2 rw,nosuid,nodev,noexec,relatime,nsdelegate 0 0
`

const neitherMounts = `proc /proc proc rw,nosuid,nodev,noexec,relatime 0 0
sysfs /sys sysfs rw,nosuid,nodev,noexec,relatime 0 0
`

func TestParseMountsPicksV1DevicesController(t *testing.T) {
	mounts := parseMounts(bufio.NewScanner(strings.NewReader(gentooMounts)))
	found := false
	for _, m := range mounts {
		if m.fsType == "cgroup" && m.hasOpt("devices") {
			require.Equal(t, "/sys/fs/cgroup/devices", m.mountpoint)
			found = true
		}
	}
	require.True(t, found)
}

func TestParseMountsV2Only(t *testing.T) {
	mounts := parseMounts(bufio.NewScanner(strings.NewReader(v2OnlyMounts)))
	require.Len(t, mounts, 1)
	require.Equal(t, "cgroup2", mounts[0].fsType)
}

func TestParseCgroupLines(t *testing.T) {
	const v1Cgroup = "8:devices:/docker/abc123\n7:cpuset:/docker/abc123\n"
	lines, err := parseCgroupFile(bufio.NewScanner(strings.NewReader(v1Cgroup)))
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.True(t, lines[0].hasController("devices"))
	require.Equal(t, "/docker/abc123", lines[0].cgroupPath)
}

func TestParseCgroupLinesV2(t *testing.T) {
	const v2Cgroup = "0::/user.slice/user-1000.slice\n"
	lines, err := parseCgroupFile(bufio.NewScanner(strings.NewReader(v2Cgroup)))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, 0, lines[0].hierarchyID)
	require.Empty(t, lines[0].controllers)
}

func TestAccessString(t *testing.T) {
	require.Equal(t, "rw", ReadWrite().String())
	require.Equal(t, "", Access{}.String())
	require.Equal(t, "rwm", Access{Read: true, Write: true, Mknod: true}.String())
}

func TestCgroupVersionConstants(t *testing.T) {
	require.NotEqual(t, types.CgroupV1, types.CgroupV2)
	require.Equal(t, types.CgroupUnknown, types.CgroupVersion(0))
}
