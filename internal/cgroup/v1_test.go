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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteV1Rule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devices.allow"), nil, 0644))

	err := writeV1Rule(dir, Rule{Type: CharDevice, Major: 195, Minor: 0, Access: ReadWrite()})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "devices.allow"))
	require.NoError(t, err)
	require.Equal(t, "c 195:0 rw\n", string(got))
}

func TestWriteV1RuleMissingFile(t *testing.T) {
	dir := t.TempDir()
	err := writeV1Rule(dir, Rule{Type: CharDevice, Major: 195, Minor: 0, Access: ReadWrite()})
	require.Error(t, err)
}
