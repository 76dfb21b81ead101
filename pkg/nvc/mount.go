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

package nvc

import (
	"os"

	"github.com/NVIDIA/nvidia-ctr-inject/internal/privilege"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/mount"
)

// Mount performs nvc_mount (driver_mount): enters the container's mount
// namespace and bind-mounts every driver file, device node and MIG
// capability file the current Selection makes visible, programming the
// device cgroup along the way. Must be called after Info, Container and
// Select have all recorded state on the coordinator.
func (c *Coordinator) Mount() error {
	if c.container == nil || c.info == nil || c.selection == nil {
		return errdefs.New(errdefs.ConfigInvalid, "mount requires Container, Info and Select to have run first")
	}

	lower, err := c.ctrl.EnterPhase(privilege.PhaseMount)
	if err != nil {
		return err
	}
	defer lower()

	return mount.DriverMount(mount.Request{
		Container:  c.container,
		Driver:     c.info,
		Selection:  c.selection,
		ProbePID:   os.Getpid(),
		IMEX:       c.ctx.IMEXChannels,
		DriverRoot: c.cfg.DriverRoot,
		CapsStyle:  c.capsStyle,
	})
}
