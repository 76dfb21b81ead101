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
	"strings"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/requirement"
)

// comparators lists every recognized operator, longest first so "=="
// a two-character operator is never mistaken for the single-character
// "=" or split apart by a naive scan.
var comparators = []struct {
	token string
	cmp   requirement.Comparator
}{
	{">=", requirement.Ge},
	{"<=", requirement.Le},
	{"==", requirement.Eq},
	{"!=", requirement.Ne},
	{">", requirement.Gt},
	{"<", requirement.Lt},
	{"=", requirement.Eq},
}

// parseRequirement parses one "--require" value, e.g. "cuda>=11.0", the
// same KEYopVALUE grammar the original CLI's --require flag accepts.
func parseRequirement(expr string) (requirement.Predicate, error) {
	for _, c := range comparators {
		if idx := strings.Index(expr, c.token); idx > 0 {
			key := requirement.Key(strings.TrimSpace(expr[:idx]))
			value := strings.TrimSpace(expr[idx+len(c.token):])
			if value == "" {
				return requirement.Predicate{}, errdefs.New(errdefs.ConfigInvalid, "requirement %q has no value", expr)
			}
			switch key {
			case requirement.KeyCUDA, requirement.KeyDriver, requirement.KeyArch, requirement.KeyBrand:
			default:
				return requirement.Predicate{}, errdefs.New(errdefs.ConfigInvalid, "requirement %q has unknown key %q", expr, key)
			}
			return requirement.Predicate{Key: key, Cmp: c.cmp, Value: value}, nil
		}
	}
	return requirement.Predicate{}, errdefs.New(errdefs.ConfigInvalid, "requirement %q has no recognized comparator", expr)
}

// parseRequirements parses every "--require" value supplied on one
// configure invocation.
func parseRequirements(exprs []string) ([]requirement.Predicate, error) {
	preds := make([]requirement.Predicate, 0, len(exprs))
	for _, expr := range exprs {
		p, err := parseRequirement(expr)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}
