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

// Selection is the result of evaluating requirement predicates
// against the discovered inventory: the GPUs and MIG instances visible
// to a container, plus the narrower views used by mig-config and
// mig-monitor tooling.
type Selection struct {
	GPUs         []*Device
	MigInstances []*MigInstance
	MigConfig    []*MigInstance
	MigMonitor   []*MigInstance
	All          bool
}

// Validate enforces the invariant that every visible MIG instance's
// parent GPU is itself present in the GPU selection.
func (s *Selection) Validate() error {
	visible := make(map[*Device]struct{}, len(s.GPUs))
	for _, d := range s.GPUs {
		visible[d] = struct{}{}
	}
	for _, m := range s.MigInstances {
		if _, ok := visible[m.Parent]; !ok {
			return &SelectionError{UUID: m.UUID}
		}
	}
	return nil
}

// SelectionError reports a MIG instance whose parent GPU was not also
// selected.
type SelectionError struct {
	UUID string
}

func (e *SelectionError) Error() string {
	return "mig instance " + e.UUID + " selected without its parent GPU"
}
