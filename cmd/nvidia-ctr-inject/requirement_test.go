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

package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/requirement"
)

func TestParseRequirementParsesEachComparator(t *testing.T) {
	cases := map[string]requirement.Comparator{
		"cuda>=11.0":   requirement.Ge,
		"cuda<=11.0":   requirement.Le,
		"driver==470":  requirement.Eq,
		"driver!=470":  requirement.Ne,
		"cuda>11.0":    requirement.Gt,
		"cuda<11.0":    requirement.Lt,
		"arch=sm_80":   requirement.Eq,
	}
	for expr, want := range cases {
		p, err := parseRequirement(expr)
		require.NoError(t, err, expr)
		require.Equal(t, want, p.Cmp, expr)
	}
}

func TestParseRequirementRejectsUnknownKey(t *testing.T) {
	_, err := parseRequirement("bogus>=1")
	require.Error(t, err)
}

func TestParseRequirementRejectsMissingValue(t *testing.T) {
	_, err := parseRequirement("cuda>=")
	require.Error(t, err)
}

func TestParseRequirementRejectsUnrecognizedExpression(t *testing.T) {
	_, err := parseRequirement("cuda 11.0")
	require.Error(t, err)
}

func TestParseRequirementsParsesEveryExpression(t *testing.T) {
	preds, err := parseRequirements([]string{"cuda>=11.0", "brand=tesla"})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	require.Equal(t, requirement.KeyCUDA, preds[0].Key)
	require.Equal(t, requirement.KeyBrand, preds[1].Key)
}

func TestParseRequirementsPropagatesFirstError(t *testing.T) {
	_, err := parseRequirements([]string{"cuda>=11.0", "nope"})
	require.Error(t, err)
}
