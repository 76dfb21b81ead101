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

package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectionValidateOK(t *testing.T) {
	gpu := &Device{UUID: "GPU-0"}
	mig := &MigInstance{Parent: gpu, UUID: "MIG-0"}

	s := &Selection{GPUs: []*Device{gpu}, MigInstances: []*MigInstance{mig}}
	require.NoError(t, s.Validate())
}

func TestSelectionValidateOrphanMig(t *testing.T) {
	gpu := &Device{UUID: "GPU-0"}
	mig := &MigInstance{Parent: gpu, UUID: "MIG-0"}

	s := &Selection{MigInstances: []*MigInstance{mig}}
	err := s.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "MIG-0")
}

func TestContainerFlagsHas(t *testing.T) {
	f := FlagSupervised | FlagCompute
	require.True(t, f.Has(FlagSupervised))
	require.True(t, f.Has(FlagCompute))
	require.False(t, f.Has(FlagGraphics))
	require.True(t, f.Has(FlagSupervised|FlagCompute))
}

func TestCanonicalBusID(t *testing.T) {
	require.Equal(t, "00000000:17:00.0", CanonicalBusID(0, 0x17, 0))
}
