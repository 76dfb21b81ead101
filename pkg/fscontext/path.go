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

// Package fscontext provides the path-join/resolve and node-creation
// primitives every other package builds mounts and driver-file lists on
// top of. Every path it returns is absolute and lexically clean; Resolve
// additionally guarantees containment under a supplied root.
package fscontext

import (
	"path/filepath"
	"strings"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

// Join concatenates elem onto root and returns an absolute, cleaned path.
// It never consults the filesystem; it is pure lexical joining, used when
// constructing a path that does not need to be checked against symlink
// escapes (e.g. building a host-absolute driver-file path).
func Join(root string, elem ...string) string {
	parts := append([]string{root}, elem...)
	return filepath.Clean(filepath.Join(parts...))
}

// Resolve joins elem onto root and guarantees the result stays under root
// even if elem contains ".." components. Unlike Join, it does not follow
// symlinks on disk (callers that must defend against a symlink planted by
// the container should os.Lstat every path component themselves); it only
// defends against a lexical escape via "..".
func Resolve(root string, elem ...string) (string, error) {
	root = filepath.Clean(root)
	joined := filepath.Join(append([]string{root}, elem...)...)
	joined = filepath.Clean(joined)

	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", errdefs.New(errdefs.PathEscape, "path %q escapes root %q", joined, root)
	}
	return joined, nil
}

// IsAbsClean reports whether p is both absolute and already in
// filepath.Clean form (no "." or ".." components).
func IsAbsClean(p string) bool {
	return filepath.IsAbs(p) && filepath.Clean(p) == p
}
