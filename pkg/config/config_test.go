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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsToUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("classes:\n  compute: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, defaultDriverRoot, cfg.DriverRoot)
	require.Equal(t, defaultUnprivUID, cfg.UnprivUID)
	require.True(t, cfg.Classes.Compute)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("driver-root: /run/nvidia/driver\nunpriv-uid: 1000\nunpriv-gid: 1000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/run/nvidia/driver", cfg.DriverRoot)
	require.Equal(t, 1000, cfg.UnprivUID)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalidImexChannelID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("imex-channels: [-1]\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestRequestedClassesMapsThrough(t *testing.T) {
	cfg := Default()
	cfg.Classes.Utility = true
	rc := cfg.RequestedClasses()
	require.True(t, rc.Utility)
	require.False(t, rc.Compute)
}

func TestToNVCConfigMapsIMEXChannels(t *testing.T) {
	cfg := Default()
	cfg.IMEXChannels = []int{0, 2}

	nvcCfg := cfg.ToNVCConfig()
	require.Equal(t, cfg.DriverRoot, nvcCfg.DriverRoot)
	require.Len(t, nvcCfg.IMEXChannels, 2)
	require.Equal(t, 2, nvcCfg.IMEXChannels[1].ID)
}
