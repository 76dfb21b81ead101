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

package requirement

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

func TestCompareVersionsNumericNotLexical(t *testing.T) {
	c, err := CompareVersions("11.10", "11.2")
	require.NoError(t, err)
	require.Equal(t, 1, c)
}

func TestCompareVersionsMissingSegmentIsZero(t *testing.T) {
	c, err := CompareVersions("11", "11.0")
	require.NoError(t, err)
	require.Equal(t, 0, c)
}

func TestEvaluateCudaGe(t *testing.T) {
	ok, err := Evaluate(Predicate{Key: KeyCUDA, Cmp: Ge, Value: "11.0"}, Context{CUDAVersion: "11.2"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateNoGPUVisibleAssumesArchOk(t *testing.T) {
	ok, err := Evaluate(Predicate{Key: KeyArch, Cmp: Ge, Value: "8.0"}, Context{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateBrandEquality(t *testing.T) {
	dev := &types.Device{Brand: "Tesla"}
	ok, err := Evaluate(Predicate{Key: KeyBrand, Cmp: Eq, Value: "tesla"}, Context{Device: dev})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateBrandMismatch(t *testing.T) {
	dev := &types.Device{Brand: "GeForce"}
	ok, err := Evaluate(Predicate{Key: KeyBrand, Cmp: Eq, Value: "tesla"}, Context{Device: dev})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluateAllNoDevicesEvaluatesGlobalPredicatesOnce(t *testing.T) {
	preds := []Predicate{{Key: KeyCUDA, Cmp: Ge, Value: "11.0"}}
	ok, err := EvaluateAll(preds, nil, "11.2", "525.60")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateAllRequiresEveryDeviceToPass(t *testing.T) {
	preds := []Predicate{{Key: KeyArch, Cmp: Ge, Value: "8.0"}}
	devices := []*types.Device{
		{ComputeCapability: "9.0"},
		{ComputeCapability: "7.5"},
	}
	ok, err := EvaluateAll(preds, devices, "11.2", "525.60")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluateAllPassesWhenEveryDeviceSatisfies(t *testing.T) {
	preds := []Predicate{{Key: KeyArch, Cmp: Ge, Value: "7.0"}}
	devices := []*types.Device{
		{ComputeCapability: "9.0"},
		{ComputeCapability: "7.5"},
	}
	ok, err := EvaluateAll(preds, devices, "11.2", "525.60")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateUnknownKey(t *testing.T) {
	_, err := Evaluate(Predicate{Key: "bogus"}, Context{})
	require.Error(t, err)
}

func TestCompareVersionsRejectsNonNumericSegment(t *testing.T) {
	_, err := CompareVersions("11.x", "11.0")
	require.Error(t, err)
}
