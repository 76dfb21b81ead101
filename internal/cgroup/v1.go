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
	"fmt"
	"os"
	"path/filepath"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

// writeV1Rule appends one line of the form "c major:minor rw" to
// <cgroupPath>/devices.allow. The devices.allow interface silently
// swallows some write errors (a known kernel quirk), so the stream error
// is checked explicitly after Flush via Sync rather than trusted from
// the Write return value alone.
func writeV1Rule(cgroupPath string, rule Rule) error {
	allowPath := filepath.Join(cgroupPath, "devices.allow")

	f, err := os.OpenFile(allowPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return errdefs.Wrap(errdefs.CgroupIO, err, "opening %s", allowPath)
	}
	defer f.Close()

	line := fmt.Sprintf("%c %d:%d %s\n", rule.Type, rule.Major, rule.Minor, rule.Access)
	if _, err := f.WriteString(line); err != nil {
		return errdefs.Wrap(errdefs.CgroupIO, err, "writing rule %q to %s", line, allowPath)
	}
	if err := f.Sync(); err != nil {
		return errdefs.Wrap(errdefs.CgroupIO, err, "syncing %s after rule %q", allowPath, line)
	}
	return nil
}
