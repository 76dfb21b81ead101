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

package cdi

import (
	"encoding/json"
	"os"
	"path/filepath"

	cdiapi "tags.cncf.io/container-device-interface/pkg/cdi"
	"tags.cncf.io/container-device-interface/specs-go"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

// WriteSpec names spec the way the CDI registry itself would (so a
// spec-directory watcher picks it up without a separate indexing step)
// and writes it into dir as JSON, atomically via a temp-file rename so a
// concurrent reader never observes a partially-written file.
func WriteSpec(spec *specs.Spec, dir string) (string, error) {
	name, err := cdiapi.GenerateNameForSpec(spec)
	if err != nil {
		return "", errdefs.Wrap(errdefs.ConfigInvalid, err, "naming cdi spec")
	}

	path := filepath.Join(dir, name+".json")
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", errdefs.Wrap(errdefs.ConfigInvalid, err, "marshaling cdi spec")
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+name+"-*.json")
	if err != nil {
		return "", errdefs.Wrap(errdefs.IO, err, "creating cdi spec temp file in %q", dir)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errdefs.Wrap(errdefs.IO, err, "writing cdi spec temp file")
	}
	if err := tmp.Close(); err != nil {
		return "", errdefs.Wrap(errdefs.IO, err, "closing cdi spec temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errdefs.Wrap(errdefs.IO, err, "renaming cdi spec into place at %q", path)
	}
	return path, nil
}
