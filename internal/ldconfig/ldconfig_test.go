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

package ldconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

func TestSelectBinaryHostPrefix(t *testing.T) {
	bin, err := SelectBinary("@/sbin/ldconfig.real")
	require.NoError(t, err)
	require.True(t, bin.HostSourced)
	require.Equal(t, "/sbin/ldconfig.real", bin.Path)
}

func TestSelectBinaryRootfsRelative(t *testing.T) {
	bin, err := SelectBinary("/sbin/ldconfig")
	require.NoError(t, err)
	require.False(t, bin.HostSourced)
	require.Equal(t, "/sbin/ldconfig", bin.Path)
}

func TestSelectBinaryRejectsEmpty(t *testing.T) {
	_, err := SelectBinary("")
	require.Error(t, err)
	require.True(t, errdefs.Is(err, errdefs.ConfigInvalid))
}

func TestSelectBinaryRejectsBareAt(t *testing.T) {
	_, err := SelectBinary("@")
	require.Error(t, err)
}

func TestArgvIncludesCompatDirWhenSet(t *testing.T) {
	req := Request{
		Container: &types.ContainerDescriptor{
			Flags: types.FlagCompat32,
			Dirs:  types.Dirs{Libs: "/usr/lib/x86_64-linux-gnu", Libs32: "/usr/lib/i386-linux-gnu"},
		},
		CompatDir: "/usr/local/cuda/compat",
	}
	got := argv(req)
	require.Equal(t, []string{
		"ldconfig", "-f", "/etc/ld.so.conf", "-C", "/etc/ld.so.cache",
		"/usr/local/cuda/compat",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib/i386-linux-gnu",
	}, got)
}

func TestArgvOmitsLibs32WithoutCompat32Flag(t *testing.T) {
	req := Request{
		Container: &types.ContainerDescriptor{
			Dirs: types.Dirs{Libs: "/usr/lib/x86_64-linux-gnu", Libs32: "/usr/lib/i386-linux-gnu"},
		},
	}
	got := argv(req)
	require.Equal(t, []string{"ldconfig", "-f", "/etc/ld.so.conf", "-C", "/etc/ld.so.cache", "/usr/lib/x86_64-linux-gnu"}, got)
}

func TestExitCodeErrorMapsKnownCodes(t *testing.T) {
	require.NoError(t, exitCodeError(0, false, ""))

	err := exitCodeError(127, false, "")
	require.True(t, errdefs.Is(err, errdefs.ExecFailed))

	err = exitCodeError(137, false, "")
	require.True(t, errdefs.Is(err, errdefs.KilledBySignal))

	err = exitCodeError(0, true, "SIGSEGV")
	require.True(t, errdefs.Is(err, errdefs.KilledBySignal))

	err = exitCodeError(1, false, "")
	require.True(t, errdefs.Is(err, errdefs.LdconfigFailed))
}
