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

// Package container builds a types.ContainerDescriptor: the per-operation
// view of a target container's rootfs, owning identity, namespaces and
// distro-dependent directory layout that the mount orchestrator and the
// confined ldconfig runner both consume.
package container

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/internal/cgroup"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/fscontext"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

var log_ = log.New()

// GetLogger returns the 'logrus.Logger' instance used by this package.
func GetLogger() *log.Logger {
	return log_
}

// Default distro-dependent paths, overridden per-rootfs by New when it
// detects a multiarch (Debian-derived) layout or an alternate lib32 dir.
const (
	usrBinDir           = "/usr/bin"
	usrLibDir           = "/usr/lib"
	usrLib32Dir         = "/usr/lib32"
	usrLibMultiarchDir  = "/usr/lib/x86_64-linux-gnu"
	usrLib32MultiDir    = "/usr/lib/i386-linux-gnu"
	usrLib32AltDir      = "/usr/lib/i386-linux-gnu"
	cudaRuntimeDirDflt  = "/usr/local/cuda"
	ldconfigPath        = "/sbin/ldconfig"
	ldconfigAltPath     = "/sbin/ldconfig.real"
	debianVersionMarker = "/etc/debian_version"
)

// Config is the caller-supplied, pre-flag-resolution container
// description: the minimum needed before distro detection and namespace
// resolution can fill in the rest of a ContainerDescriptor.
type Config struct {
	Pid    int
	RootFS string

	// Overrides; each is detected from the target rootfs when empty.
	BinsDir        string
	LibsDir        string
	Libs32Dir      string
	CUDARuntimeDir string
	Ldconfig       string
}

// New resolves cfg against flags into a full ContainerDescriptor: rootfs
// chased through /proc/<pid>/root when supervised, owning uid/gid,
// mount-namespace path, distro-dependent directories, the device-cgroup
// location (via cgroup.Resolve, called by the caller and passed in
// through ResolveCgroup since it needs the coordinator's own probe pid),
// and any discoverable CUDA forward-compatibility libraries.
func New(flags types.ContainerFlags, cfg Config) (*types.ContainerDescriptor, error) {
	if cfg.Pid <= 0 {
		return nil, errdefs.New(errdefs.PathInvalid, "container pid must be positive, got %d", cfg.Pid)
	}
	if !fscontext.IsAbsClean(cfg.RootFS) {
		return nil, errdefs.New(errdefs.PathInvalid, "container rootfs %q must be an absolute, clean path", cfg.RootFS)
	}
	if flags.Has(types.FlagSupervised) == flags.Has(types.FlagStandalone) {
		return nil, errdefs.New(errdefs.PathInvalid, "container must be exactly one of supervised or standalone")
	}

	desc := &types.ContainerDescriptor{Flags: flags, Pid: cfg.Pid}

	rootfs, err := resolveRootFS(flags, cfg)
	if err != nil {
		return nil, err
	}
	desc.RootFS = rootfs

	uid, gid, err := lookupOwner(flags, cfg.Pid, rootfs)
	if err != nil {
		return nil, err
	}
	desc.OwnerUID, desc.OwnerGID = uid, gid

	desc.MountNS = namespacePath(flags, cfg.Pid, rootfs, "mnt")

	dirs, err := resolveDirs(rootfs, cfg)
	if err != nil {
		return nil, err
	}
	desc.Dirs = dirs

	if flags.Has(types.FlagCompute) {
		libs, err := findCompatLibraries(rootfs, dirs.CUDARuntime)
		if err != nil {
			return nil, err
		}
		desc.CompatLibraries = libs
		if len(libs) > 0 {
			desc.CompatDir = fscontext.Join(rootfs, dirs.CUDARuntime, "compat")
		}
	}

	return desc, nil
}

// resolveRootFS chases /proc/<pid>/root when the container is supervised
// (the target process is visible in our own pid namespace); a standalone
// container already names its rootfs directly, since nothing supervises
// it from outside.
func resolveRootFS(flags types.ContainerFlags, cfg Config) (string, error) {
	if flags.Has(types.FlagStandalone) {
		return cfg.RootFS, nil
	}
	procRoot := fmt.Sprintf("/proc/%d/root", cfg.Pid)
	resolved, err := fscontext.Resolve(procRoot, cfg.RootFS)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// lookupOwner stats /proc/<pid>, chased through the container rootfs in
// standalone mode (the only mode where our own /proc doesn't already see
// that pid).
func lookupOwner(flags types.ContainerFlags, pid int, rootfs string) (int, int, error) {
	path := fmt.Sprintf("/proc/%d", pid)
	if flags.Has(types.FlagStandalone) {
		path = filepath.Join(rootfs, path)
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, errdefs.Wrap(errdefs.IO, err, "stat %q", path)
	}
	return int(st.Uid), int(st.Gid), nil
}

// namespacePath builds the /proc/<pid>/ns/<namespace> symbolic path,
// prefixed with the container rootfs in standalone mode for the same
// reason lookupOwner is.
func namespacePath(flags types.ContainerFlags, pid int, rootfs, namespace string) string {
	path := fmt.Sprintf("/proc/%d/ns/%s", pid, namespace)
	if flags.Has(types.FlagStandalone) {
		return filepath.Join(rootfs, path)
	}
	return path
}

// resolveDirs fills in every Dirs field left blank in cfg by probing the
// target rootfs for distro-specific layout markers.
func resolveDirs(rootfs string, cfg Config) (types.Dirs, error) {
	dirs := types.Dirs{
		Bins:        cfg.BinsDir,
		Libs:        cfg.LibsDir,
		Libs32:      cfg.Libs32Dir,
		CUDARuntime: cfg.CUDARuntimeDir,
		Ldconfig:    cfg.Ldconfig,
	}

	if dirs.Bins == "" {
		dirs.Bins = usrBinDir
	}
	if dirs.CUDARuntime == "" {
		dirs.CUDARuntime = cudaRuntimeDirDflt
	}

	if dirs.Libs == "" || dirs.Libs32 == "" {
		multiarch, err := existsUnder(rootfs, debianVersionMarker)
		if err != nil {
			return types.Dirs{}, err
		}
		if multiarch {
			if dirs.Libs == "" {
				dirs.Libs = usrLibMultiarchDir
			}
			if dirs.Libs32 == "" {
				dirs.Libs32 = usrLib32MultiDir
			}
		} else {
			if dirs.Libs == "" {
				dirs.Libs = usrLibDir
			}
			if dirs.Libs32 == "" {
				dirs.Libs32, err = detectLib32Dir(rootfs, dirs.Libs)
				if err != nil {
					return types.Dirs{}, err
				}
			}
		}
	}

	if dirs.Ldconfig == "" {
		// Some distributions wrap the real ldconfig binary in a script
		// that reduces package install time; always refer to the real
		// one so privilege drop isn't undone by a shebang.
		hasAlt, err := existsUnder(rootfs, ldconfigAltPath)
		if err != nil {
			return types.Dirs{}, err
		}
		if hasAlt {
			dirs.Ldconfig = ldconfigAltPath
		} else {
			dirs.Ldconfig = ldconfigPath
		}
	}

	return dirs, nil
}

// detectLib32Dir picks between /usr/lib32 and the alternate multiarch
// ix86 path, since the lib32 directory name is inconsistent across
// distributions that otherwise don't use the Debian multiarch scheme.
func detectLib32Dir(rootfs, libsDir string) (string, error) {
	hasDefault, err := existsUnder(rootfs, usrLib32Dir)
	if err != nil {
		return "", err
	}
	if hasDefault {
		return usrLib32Dir, nil
	}
	hasAlt, err := existsUnder(rootfs, usrLib32AltDir)
	if err != nil {
		return "", err
	}
	if hasAlt && usrLib32AltDir != libsDir {
		return usrLib32AltDir, nil
	}
	return usrLib32Dir, nil
}

func existsUnder(rootfs, path string) (bool, error) {
	full, err := fscontext.Resolve(rootfs, path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, errdefs.Wrap(errdefs.IO, err, "stat %q", full)
	}
	return false, nil
}

// ResolveCgroup detects and records the target container's device-cgroup
// version and path onto desc, skipping the probe entirely when the
// caller requested no-cgroups mode. probePID is the calling helper's own
// pid, whose /proc/<probePID>/mounts gives the cgroup hierarchy view;
// desc.Pid is the container whose per-process cgroup path is resolved
// within that hierarchy.
func ResolveCgroup(desc *types.ContainerDescriptor, probePID int) error {
	if desc.Flags.Has(types.FlagNoCgroups) {
		return nil
	}
	prefix := ""
	if desc.Flags.Has(types.FlagStandalone) {
		prefix = desc.RootFS
	}
	ctrl, err := cgroup.Resolve(probePID, desc.Pid, prefix)
	if err != nil {
		return err
	}
	desc.CgroupVersion = ctrl.Version()
	desc.CgroupPath = ctrl.Path()
	return nil
}

// findCompatLibraries globs <rootfs>/<cudaRuntimeDir>/compat/lib*.so.*
// for CUDA forward-compatibility libraries a user may have already laid
// down in the container image.
func findCompatLibraries(rootfs, cudaRuntimeDir string) ([]string, error) {
	dir, err := fscontext.Resolve(rootfs, cudaRuntimeDir, "compat")
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, "lib*.so.*"))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.IO, err, "globbing %q", dir)
	}
	for _, m := range matches {
		log_.Infof("selecting compat library %s", m)
	}
	return matches, nil
}
