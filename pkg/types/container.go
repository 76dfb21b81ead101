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

// ContainerFlags is the bitmap carried on a ContainerDescriptor.
type ContainerFlags uint32

const (
	FlagSupervised ContainerFlags = 1 << iota
	FlagStandalone
	FlagNoCgroups
	FlagNoDevBind
	FlagCompat32
	FlagGraphics
	FlagUtility
	FlagCompute
	FlagVideo
	FlagNGX
)

// Has reports whether all bits of mask are set.
func (f ContainerFlags) Has(mask ContainerFlags) bool {
	return f&mask == mask
}

// CompatMode selects how CUDA-forward-compatibility libraries already
// present in the container are treated.
type CompatMode int

const (
	// CompatModeAuto mounts the discovered compat libraries whenever at
	// least one was found; their versions are not compared with the
	// host driver's.
	CompatModeAuto CompatMode = iota
	CompatModeDisabled
	CompatModeAll
)

// CgroupVersion is the detected device-cgroup implementation in use for
// a container.
type CgroupVersion int

const (
	CgroupUnknown CgroupVersion = iota
	CgroupV1
	CgroupV2
)

// Dirs holds the distro-dependent canonical directories a container
// resolves its rootfs-relative paths against.
type Dirs struct {
	Bins        string
	Libs        string
	Libs32      string
	CUDARuntime string
	Ldconfig    string
}

// ContainerDescriptor is the per-operation container context: created
// fresh for one mount or ldcache-confinement call and freed after.
type ContainerDescriptor struct {
	Flags ContainerFlags
	Pid   int

	RootFS   string // resolved through /proc/<pid>/root when supervised
	OwnerUID int
	OwnerGID int
	MountNS  string // /proc/<pid>/ns/mnt

	Dirs Dirs

	CgroupVersion CgroupVersion
	CgroupPath    string

	Compat          CompatMode
	CompatLibraries []string
	CompatDir       string
}
