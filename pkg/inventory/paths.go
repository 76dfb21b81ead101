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

// Package inventory assembles the host driver and device inventory the
// rest of the system mounts into a container: the library/binary/firmware
// file lists resolved through the ld.so cache and ELF inspection, the
// fixed and per-GPU device nodes, and each GPU's MIG tree.
package inventory

import (
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/elfinspect"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/ldcache"
)

var log_ = log.New()

// GetLogger returns the 'logrus.Logger' instance used by this package.
func GetLogger() *log.Logger {
	return log_
}

// LibraryClass groups SONAME prefixes that play the same role, so a
// caller can ask for "compute libraries" without enumerating SONAMEs.
type LibraryClass string

const (
	ClassUtility        LibraryClass = "utility"
	ClassCompute        LibraryClass = "compute"
	ClassVideo          LibraryClass = "video"
	ClassGraphicsCore   LibraryClass = "graphics-core"
	ClassGraphicsGLVND  LibraryClass = "graphics-glvnd"
	ClassGraphicsCompat LibraryClass = "graphics-compat"
	ClassNGX            LibraryClass = "ngx"
	ClassDXCore         LibraryClass = "dxcore"
)

// libraryPrefixes is the fixed table of recognized driver-library SONAME
// prefixes, grouped by the class that decides when each is requested.
var libraryPrefixes = map[LibraryClass][]string{
	ClassUtility: {
		"libnvidia-ml.so",
		"libnvidia-cfg.so",
	},
	ClassCompute: {
		"libcuda.so",
		"libnvidia-ptxjitcompiler.so",
		"libnvidia-fatbinaryloader.so",
		"libnvidia-opticalflow.so",
		"libnvidia-allocator.so",
		"libnvidia-compiler.so",
		"libnvidia-nvvm.so",
	},
	ClassVideo: {
		"libvdpau_nvidia.so",
		"libnvidia-encode.so",
		"libnvcuvid.so",
		"libnvidia-fbc.so",
		"libnvidia-ifr.so",
	},
	ClassGraphicsCore: {
		"libnvidia-eglcore.so",
		"libnvidia-glcore.so",
		"libnvidia-tls.so",
		"libnvidia-glsi.so",
	},
	ClassGraphicsGLVND: {
		"libGLX_nvidia.so",
		"libEGL_nvidia.so",
		"libGLESv2_nvidia.so",
		"libGLESv1_CM_nvidia.so",
		"libnvidia-glvkspirv.so",
	},
	ClassGraphicsCompat: {
		"libGL.so",
		"libGLX.so",
		"libOpenGL.so",
		"libGLESv1_CM.so",
		"libGLESv2.so",
		"libEGL.so",
		"libGLdispatch.so",
	},
	ClassNGX: {
		"libnvidia-ngx.so",
	},
	ClassDXCore: {
		"libdxcore.so",
	},
}

// RequestedClasses is the set of container capabilities that decide
// which library classes get resolved, expressed as plain bools so this
// package doesn't need to import pkg/types for a handful of flag bits.
type RequestedClasses struct {
	Utility  bool
	Compute  bool
	Video    bool
	Graphics bool
	NGX      bool
	DXCore   bool
}

// Classes expands a RequestedClasses into the concrete LibraryClass list
// to resolve, always including the core/glvnd/compat trio together with
// Graphics since none of them is independently useful.
func (r RequestedClasses) Classes() []LibraryClass {
	var out []LibraryClass
	if r.Utility {
		out = append(out, ClassUtility)
	}
	if r.Compute {
		out = append(out, ClassCompute)
	}
	if r.Video {
		out = append(out, ClassVideo)
	}
	if r.Graphics {
		out = append(out, ClassGraphicsCore, ClassGraphicsGLVND, ClassGraphicsCompat)
	}
	if r.NGX {
		out = append(out, ClassNGX)
	}
	if r.DXCore {
		out = append(out, ClassDXCore)
	}
	return out
}

// coreDeps is the set of NVIDIA-core SONAMEs libGL.so/libEGL.so must
// name in a direct DT_NEEDED entry to be accepted as the NVIDIA variant;
// dependencies of dependencies are not followed.
var coreDeps = []string{"libnvidia-glcore.so.1", "libnvidia-eglcore.so.1"}

// minTLSABI is the minimum .note.ABI-tag triple a selected
// libnvidia-tls.so must carry.
var minTLSABI = elfinspect.ABI{Major: 2, Minor: 3, Patch: 99}

// newSelector builds the ldcache.Selector that disambiguates multiple
// cache entries for the same SONAME: reject a stale libnvidia-tls.so,
// reject a non-NVIDIA graphics-compat candidate, then break remaining
// ties by suffix match against nvrmVersion.
func newSelector(class LibraryClass, nvrmVersion string) ldcache.Selector {
	return func(candidates []ldcache.Entry) int {
		var ok []int
		for i, c := range candidates {
			if strings.HasPrefix(filepath.Base(c.Path), "libnvidia-tls.so") {
				obj, err := elfinspect.Open(c.Path)
				if err != nil {
					continue
				}
				abi, err := obj.ABITag()
				obj.Close()
				if err != nil || abi.Less(minTLSABI) {
					continue
				}
			}
			if class == ClassGraphicsCompat {
				obj, err := elfinspect.Open(c.Path)
				if err != nil {
					continue
				}
				has, err := obj.HasAnyDependency(coreDeps...)
				obj.Close()
				if err == nil && !has && isCoreWrapper(c.Path) {
					continue
				}
			}
			ok = append(ok, i)
		}
		if len(ok) == 0 {
			return -1
		}
		for _, i := range ok {
			if strings.HasSuffix(candidates[i].Path, nvrmVersion) {
				return i
			}
		}
		return ok[0]
	}
}

// isCoreWrapper reports whether path's basename is one of the libraries
// that must prove an NVIDIA-core dependency to be selected (libGL.so,
// libEGL.so and friends, not e.g. libGLdispatch.so which never links
// against the core libs directly).
func isCoreWrapper(path string) bool {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "libGL.so"),
		strings.HasPrefix(base, "libEGL.so"),
		strings.HasPrefix(base, "libGLX.so"),
		strings.HasPrefix(base, "libOpenGL.so"),
		strings.HasPrefix(base, "libGLESv1_CM.so"),
		strings.HasPrefix(base, "libGLESv2.so"):
		return true
	default:
		return false
	}
}

// ResolveLibraries queries cache for every SONAME prefix in classes,
// filtered to 64-bit entries when want64 is true (32-bit otherwise), and
// returns the resolved absolute paths in table order.
func ResolveLibraries(cache *ldcache.Cache, classes []LibraryClass, want64 bool, nvrmVersion string) []string {
	var out []string
	for _, class := range classes {
		for _, prefix := range libraryPrefixes[class] {
			matches := matchPrefix(cache, prefix, want64)
			if len(matches) == 0 {
				continue
			}
			entry, ok := cache.Resolve(matches[0].SONAME, want64, newSelector(class, nvrmVersion))
			if !ok {
				log_.Warnf("no usable ld.so.cache entry for %s", prefix)
				continue
			}
			out = append(out, entry.Path)
		}
	}
	return out
}

// matchPrefix returns every cache entry whose SONAME starts with prefix
// and whose architecture bits satisfy want64, so ResolveLibraries can
// hand the full SONAME (not just the prefix) to Cache.Resolve.
func matchPrefix(cache *ldcache.Cache, prefix string, want64 bool) []ldcache.Entry {
	var out []ldcache.Entry
	for _, e := range cache.Entries {
		if !strings.HasPrefix(e.SONAME, prefix) {
			continue
		}
		if want64 && !ldcache.Is64Bit(e.Flags) {
			continue
		}
		if !want64 && !ldcache.Is32Bit(e.Flags) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// utilityBinaries is always sought; computeBinaries only when MPS is
// requested.
var utilityBinaries = []string{
	"nvidia-smi",
	"nvidia-debugdump",
	"nvidia-persistenced",
}

var computeBinaries = []string{
	"nvidia-cuda-mps-control",
	"nvidia-cuda-mps-server",
}

// ResolveBinaries scans $PATH for each name in utilityBinaries, plus
// computeBinaries when wantMPS, returning the first match (by existence
// under root) for each.
func ResolveBinaries(root string, wantMPS bool) []string {
	names := append([]string{}, utilityBinaries...)
	if wantMPS {
		names = append(names, computeBinaries...)
	}

	dirs := filepath.SplitList(os.Getenv("PATH"))
	var out []string
	for _, name := range names {
		for _, dir := range dirs {
			candidate := filepath.Join(root, dir, name)
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// ResolveFirmwares globs <root>/lib/firmware/nvidia/<nvrmVersion>/gsp*.bin.
// A missing firmware directory is tolerated with a warning, not an error.
func ResolveFirmwares(root, nvrmVersion string) []string {
	dir := filepath.Join(root, "lib", "firmware", "nvidia", nvrmVersion)
	matches, err := filepath.Glob(filepath.Join(dir, "gsp*.bin"))
	if err != nil {
		log_.Warnf("firmware glob under %s: %v", dir, err)
		return nil
	}
	if len(matches) == 0 {
		log_.Warnf("no firmware files found under %s", dir)
	}
	return matches
}
