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

// MountKind distinguishes how a MountRecord was created, since rollback
// undoes each kind differently (unmount vs remove).
type MountKind int

const (
	MountBind MountKind = iota
	MountNodeCreate
	MountSymlink
)

// MountRecord is a rollback entry: one path inside the container,
// tracked only for the lifetime of a single mount or device-cgroup call.
type MountRecord struct {
	Kind       MountKind
	Path       string // in-container path, post chroot-relative resolution
	SourcePath string // host path, empty for MountNodeCreate/MountSymlink
}
