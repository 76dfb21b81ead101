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
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/container"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

// Container performs nvc_container: builds a ContainerDescriptor for the
// target process and, unless the caller set FlagNoCgroups, resolves its
// device-cgroup version and path as seen from this coordinator's own
// cgroup hierarchy view. The result is recorded for Select/Mount/Ldcache.
func (c *Coordinator) Container(flags types.ContainerFlags, cfg container.Config) (*types.ContainerDescriptor, error) {
	lower, err := c.ctrl.EnterPhase(privilege.PhaseContainer)
	if err != nil {
		return nil, err
	}
	defer lower()

	desc, err := container.New(flags, cfg)
	if err != nil {
		return nil, err
	}
	if err := container.ResolveCgroup(desc, os.Getpid()); err != nil {
		return nil, err
	}

	c.container = desc
	return desc, nil
}
