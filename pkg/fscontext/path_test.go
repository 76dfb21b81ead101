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

package fscontext

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

func TestResolveContained(t *testing.T) {
	p, err := Resolve("/rootfs", "etc", "ld.so.cache")
	require.NoError(t, err)
	require.Equal(t, "/rootfs/etc/ld.so.cache", p)
}

func TestResolveEscape(t *testing.T) {
	_, err := Resolve("/rootfs", "..", "..", "etc", "passwd")
	require.Error(t, err)
	require.True(t, errdefs.Is(err, errdefs.PathEscape))
}

func TestResolveEscapeViaDotDotInMiddle(t *testing.T) {
	_, err := Resolve("/rootfs", "usr", "..", "..", "etc")
	require.Error(t, err)
	require.True(t, errdefs.Is(err, errdefs.PathEscape))
}

func TestResolveRootItself(t *testing.T) {
	p, err := Resolve("/rootfs")
	require.NoError(t, err)
	require.Equal(t, "/rootfs", p)
}

func TestIsAbsClean(t *testing.T) {
	require.True(t, IsAbsClean("/usr/lib/libcuda.so"))
	require.False(t, IsAbsClean("usr/lib/libcuda.so"))
	require.False(t, IsAbsClean("/usr/../etc"))
}
