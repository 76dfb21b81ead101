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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinCgroupPath(t *testing.T) {
	full, err := joinCgroupPath("", "/sys/fs/cgroup/devices", "/docker/abc123")
	require.NoError(t, err)
	require.Equal(t, "/sys/fs/cgroup/devices/docker/abc123", full)
}

func TestJoinCgroupPathWithProcRootPrefix(t *testing.T) {
	full, err := joinCgroupPath("/proc/123/root", "/sys/fs/cgroup", "/user.slice")
	require.NoError(t, err)
	require.Equal(t, "/proc/123/root/sys/fs/cgroup/user.slice", full)
}

func TestJoinCgroupPathRejectsEscape(t *testing.T) {
	_, err := joinCgroupPath("", "/sys/fs/cgroup/devices", "/../etc")
	require.Error(t, err)
}

func TestJoinCgroupPathRejectsTooLong(t *testing.T) {
	_, err := joinCgroupPath("", "/sys/fs/cgroup/devices", "/"+strings.Repeat("a", maxCgroupPathLen))
	require.Error(t, err)
}
