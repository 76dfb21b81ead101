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
	"github.com/NVIDIA/nvidia-ctr-inject/internal/ldconfig"
	"github.com/NVIDIA/nvidia-ctr-inject/internal/privilege"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

// Ldcache performs nvc_ldcache: refreshes the container's dynamic-linker
// cache by running its (or the host's, if ldconfigPath is "@"-prefixed)
// ldconfig binary inside a confined child. Must run after Mount, since
// it depends on the libraries Mount just bound being visible inside the
// container's mount namespace.
func (c *Coordinator) Ldcache(ldconfigPath string, mode ldconfig.Mode) error {
	if c.container == nil {
		return errdefs.New(errdefs.ConfigInvalid, "ldcache requires Container to have run first")
	}

	lower, err := c.ctrl.EnterPhase(privilege.PhaseLdcache)
	if err != nil {
		return err
	}
	defer lower()

	if ldconfigPath == "" {
		ldconfigPath = c.container.Dirs.Ldconfig
	}

	return ldconfig.Run(ldconfig.Request{
		Container:    c.container,
		LdconfigPath: ldconfigPath,
		CompatDir:    c.container.CompatDir,
		Mode:         mode,
	})
}
