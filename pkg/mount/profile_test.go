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

package mount

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAppProfileDocStartsAtZeroMask(t *testing.T) {
	doc := newAppProfileDoc()
	require.Len(t, doc.Profiles, 1)
	require.Equal(t, containerProfileName, doc.Profiles[0].Name)
	require.Equal(t, 0, doc.Profiles[0].Settings[1])
	require.Len(t, doc.Rules, 1)
	require.Equal(t, containerProfileName, doc.Rules[0].Profile)
}

func TestSetGPUVisibleOrsBits(t *testing.T) {
	doc := newAppProfileDoc()
	doc.setGPUVisible(0)
	doc.setGPUVisible(2)
	require.Equal(t, 0b101, doc.Profiles[0].Settings[1])
}

func TestWriteAndReadAppProfileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, appProfileFile)

	doc := newAppProfileDoc()
	doc.setGPUVisible(1)
	require.NoError(t, writeAppProfile(path, doc))

	got, err := readAppProfile(path)
	require.NoError(t, err)
	require.Equal(t, float64(2), got.Profiles[0].Settings[1])
}

func TestModeOctal(t *testing.T) {
	require.Equal(t, "555", modeOctal(0o555))
	require.Equal(t, "644", modeOctal(0o644))
}

func TestBindFileRejectsDirectorySource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "subdir")
	require.NoError(t, os.Mkdir(src, 0o755))

	tr := &tracker{}
	err := bindFile(tr, src, filepath.Join(dir, "dst"), bindFlags{})
	require.Error(t, err)
}
