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

package nvc

import (
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/requirement"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/selection"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

// Select performs nvc_select: resolves expr against the devices Info
// discovered, then, if preds is non-empty, evaluates every predicate per
// the "per visible device, or once globally with no device visible" rule
// and rejects the selection outright if any predicate fails. A caller
// with no requirement string at all should pass a nil preds slice.
func (c *Coordinator) Select(expr string, preds []requirement.Predicate) (*types.Selection, error) {
	sel, err := selection.Resolve(expr, c.devices)
	if err != nil {
		return nil, err
	}

	if len(preds) > 0 {
		ok, err := requirement.EvaluateAll(preds, sel.GPUs, c.cudaVersion, c.nvrmVersion)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errdefs.New(errdefs.DeviceMismatch, "selection %q does not satisfy the configured requirements", expr)
		}
	}

	c.selection = sel
	return sel, nil
}
