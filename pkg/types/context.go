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

// IMEXChannel is one configured IMEX channel, bind-mounted into
// supervised containers that request IMEX support.
type IMEXChannel struct {
	ID int
}

// LibraryContext describes the host driver root, ld-cache path,
// unprivileged uid/gid to drop to, IMEX-channel configuration, and the
// caller's mount namespace fd. It is created once by Init and passed
// explicitly to every later operation rather than held in a package
// global, so two LibraryContexts can coexist in one process.
type LibraryContext struct {
	DriverRoot   string
	LdcachePath  string
	UnprivUID    int
	UnprivGID    int
	IMEXChannels []IMEXChannel

	// MountNSFd is the caller's mount namespace, captured at Init time.
	// Every entry into a container's mount namespace must return here.
	MountNSFd int
}
