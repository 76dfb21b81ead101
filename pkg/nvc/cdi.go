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
	"tags.cncf.io/container-device-interface/specs-go"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/cdi"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

// CDISpec renders the current Selection and Info as a CDI Spec, for
// callers that want to hand a runtime a declarative device description
// instead of (or in addition to) having Mount bind everything in
// directly. Select and Info must both have already run.
func (c *Coordinator) CDISpec(vendor string) (*specs.Spec, error) {
	if c.info == nil || c.selection == nil {
		return nil, errdefs.New(errdefs.ConfigInvalid, "cdi spec requires Info and Select to have run first")
	}
	dirs := types.Dirs{}
	if c.container != nil {
		dirs = c.container.Dirs
	}
	return cdi.Generate(vendor, dirs, c.info, c.selection)
}

// CDIIMEXSpec renders the configured IMEX channels as a CDI Spec.
func (c *Coordinator) CDIIMEXSpec(vendor string) (*specs.Spec, error) {
	return cdi.GenerateIMEX(vendor, c.ctx.IMEXChannels)
}
