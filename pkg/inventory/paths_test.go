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

package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/ldcache"
)

func TestRequestedClassesExpandsGraphicsTrio(t *testing.T) {
	classes := RequestedClasses{Graphics: true}.Classes()
	require.ElementsMatch(t, []LibraryClass{ClassGraphicsCore, ClassGraphicsGLVND, ClassGraphicsCompat}, classes)
}

func TestRequestedClassesEmpty(t *testing.T) {
	require.Empty(t, RequestedClasses{}.Classes())
}

func TestResolveLibrariesPicksArchMatch(t *testing.T) {
	cache := &ldcache.Cache{Entries: []ldcache.Entry{
		{SONAME: "libnvidia-ml.so.1", Flags: archBit32(), Path: "/usr/lib/i386-linux-gnu/libnvidia-ml.so.535.129.03"},
		{SONAME: "libnvidia-ml.so.1", Flags: archBit64(), Path: "/usr/lib/x86_64-linux-gnu/libnvidia-ml.so.535.129.03"},
	}}

	got := ResolveLibraries(cache, []LibraryClass{ClassUtility}, true, "535.129.03")
	require.Len(t, got, 1)
	require.Contains(t, got[0], "x86_64")
}

func TestResolveLibrariesNoMatchSkipped(t *testing.T) {
	cache := &ldcache.Cache{}
	got := ResolveLibraries(cache, []LibraryClass{ClassUtility}, true, "535.129.03")
	require.Empty(t, got)
}

func TestResolveBinariesFindsFirstPathHit(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(root, "usr", "bin")
	require.NoError(t, os.MkdirAll(binDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "nvidia-smi"), []byte("#!/bin/sh\n"), 0755))

	t.Setenv("PATH", "/usr/bin")
	got := ResolveBinaries(root, false)
	require.Len(t, got, 1)
	require.Equal(t, filepath.Join(binDir, "nvidia-smi"), got[0])
}

func TestResolveBinariesIncludesComputeWhenMPS(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(root, "usr", "bin")
	require.NoError(t, os.MkdirAll(binDir, 0755))
	for _, name := range []string{"nvidia-smi", "nvidia-cuda-mps-control"} {
		require.NoError(t, os.WriteFile(filepath.Join(binDir, name), nil, 0755))
	}

	t.Setenv("PATH", "/usr/bin")
	got := ResolveBinaries(root, true)
	require.Len(t, got, 2)
}

func TestResolveFirmwaresGlobsGspFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "lib", "firmware", "nvidia", "535.129.03")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gsp.bin"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gsp_ga10x.bin"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), nil, 0644))

	got := ResolveFirmwares(root, "535.129.03")
	require.Len(t, got, 2)
}

func TestResolveFirmwaresMissingDirTolerated(t *testing.T) {
	got := ResolveFirmwares(t.TempDir(), "535.129.03")
	require.Empty(t, got)
}

func TestIsCoreWrapper(t *testing.T) {
	require.True(t, isCoreWrapper("/usr/lib/x86_64-linux-gnu/libGL.so.1"))
	require.True(t, isCoreWrapper("/usr/lib/x86_64-linux-gnu/libEGL.so.1"))
	require.False(t, isCoreWrapper("/usr/lib/x86_64-linux-gnu/libGLdispatch.so.0"))
}

// archBit32/archBit64 mirror ldcache's own unexported constants so this
// package's tests don't need to reach into ldcache internals.
func archBit32() int32 { return 0x0003 }
func archBit64() int32 { return 0x0303 }
