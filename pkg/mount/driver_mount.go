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

package mount

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/NVIDIA/nvidia-ctr-inject/internal/cgroup"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/fscontext"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/inventory"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

const (
	procDriverNvidia    = "/proc/driver/nvidia"
	appProfileDir       = "/etc/nvidia/nvidia-application-profiles-rc.d"
	nvidiaCapsImexChans = "/dev/nvidia-caps-imex-channels"
)

// Request bundles everything one driver_mount call needs beyond the
// container descriptor and driver info already in hand: the evaluated
// selection, the caller's own pid (used to probe the device-cgroup
// hierarchy visible to it), the IMEX channel list, and the driver root
// plus detected MIG capability style needed to resolve a selected MIG
// instance's DEV-style capability device node, if the host has one.
type Request struct {
	Container  *types.ContainerDescriptor
	Driver     *types.DriverInfo
	Selection  *types.Selection
	ProbePID   int
	IMEX       []types.IMEXChannel
	DriverRoot string
	CapsStyle  inventory.CapsStyle
}

// DriverMount performs the full ordered bind-mount sequence into
// req.Container.RootFS, from inside req.Container.MountNS, returning the
// calling goroutine to its original mount namespace on every exit path.
// Any step failure unwinds every mount recorded so far before returning.
func DriverMount(req Request) error {
	cnt := req.Container
	if !fscontext.IsAbsClean(cnt.RootFS) {
		return errdefs.New(errdefs.PathInvalid, "container rootfs %q must be absolute and clean", cnt.RootFS)
	}

	guard, err := enterNamespace(cnt.MountNS)
	if err != nil {
		return err
	}
	defer guard.leave()

	t := &tracker{}
	var ctrl *cgroup.Controller
	if !cnt.Flags.Has(types.FlagNoCgroups) && !cnt.Flags.Has(types.FlagNoDevBind) {
		prefix := ""
		if cnt.Flags.Has(types.FlagStandalone) {
			prefix = cnt.RootFS
		}
		ctrl, err = cgroup.Resolve(req.ProbePID, cnt.Pid, prefix)
		if err != nil {
			return err
		}
	}

	if err := runSteps(t, req, ctrl); err != nil {
		t.rollback()
		return err
	}
	t.commit()
	return nil
}

func runSteps(t *tracker, req Request, ctrl *cgroup.Controller) error {
	cnt := req.Container
	info := req.Driver
	sel := req.Selection

	if err := mountProcfsShroud(t, cnt.RootFS, info.NVRMVersion); err != nil {
		return err
	}

	var profileDoc appProfileDoc
	wantsGraphics := cnt.Flags.Has(types.FlagGraphics)
	if wantsGraphics {
		doc, err := mountAppProfileTmpfs(t, cnt.RootFS)
		if err != nil {
			return err
		}
		profileDoc = doc
	}

	if err := mountBinaries(t, cnt.RootFS, cnt.Dirs.Bins, info.Binaries); err != nil {
		return err
	}

	if err := mountLibraries64(t, cnt.RootFS, cnt.Dirs.Libs, info.Libraries, info.NVRMVersion); err != nil {
		return err
	}

	if cnt.Flags.Has(types.FlagCompat32) {
		if err := mountLibrariesPlain(t, cnt.RootFS, cnt.Dirs.Libs32, info.Libraries32); err != nil {
			return err
		}
	}

	if cnt.Compat == types.CompatModeAll || (cnt.Compat == types.CompatModeAuto && len(cnt.CompatLibraries) > 0) {
		if err := mountCompatLibraries(t, cnt.RootFS, cnt.Dirs.Libs, cnt.CompatLibraries); err != nil {
			return err
		}
	}

	if err := mountFirmwares(t, cnt.RootFS, info.Firmwares); err != nil {
		return err
	}

	if err := mountIPCs(t, cnt.RootFS, cnt.Flags, info.IPCs); err != nil {
		return err
	}

	if !cnt.Flags.Has(types.FlagNoDevBind) {
		if err := mountDevices(t, cnt.RootFS, info.Devices, ctrl); err != nil {
			return err
		}

		if err := mountGPUsAndMIG(t, cnt, sel, ctrl, &profileDoc, wantsGraphics, req.DriverRoot, req.CapsStyle); err != nil {
			return err
		}

		if err := mountIMEXChannels(t, cnt.RootFS, req.IMEX, ctrl); err != nil {
			return err
		}
	}

	if wantsGraphics {
		if err := writeAppProfile(filepath.Join(cnt.RootFS, appProfileDir, appProfileFile), profileDoc); err != nil {
			return err
		}
	}

	return nil
}

// mountProcfsShroud shadows /proc/driver/nvidia inside the container with
// a tmpfs carrying sanitized copies of params/version/registry.
func mountProcfsShroud(t *tracker, rootfs, nvrmVersion string) error {
	dst := filepath.Join(rootfs, procDriverNvidia)
	if err := bindTmpfs(t, dst, 0o555); err != nil {
		return err
	}

	for _, name := range []string{"version", "registry"} {
		src := filepath.Join(procDriverNvidia, name)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errdefs.Wrap(errdefs.IO, err, "reading %q", src)
		}
		if err := os.WriteFile(filepath.Join(dst, name), data, 0o444); err != nil {
			return errdefs.Wrap(errdefs.IO, err, "writing %q", name)
		}
	}

	if err := copyPatchedParams(filepath.Join(procDriverNvidia, "params"), filepath.Join(dst, "params")); err != nil {
		return err
	}

	return remountTmpfsReadOnly(dst)
}

// copyPatchedParams copies the host's params file into the shroud with
// ModifyDeviceFiles forced to 0, so a container process can't ask the
// driver to recreate device nodes outside the nodes we bound in.
func copyPatchedParams(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errdefs.Wrap(errdefs.IO, err, "reading %q", src)
	}
	patched := bytes.ReplaceAll(data, []byte("ModifyDeviceFiles: 1"), []byte("ModifyDeviceFiles: 0"))
	if err := os.WriteFile(dst, patched, 0o444); err != nil {
		return errdefs.Wrap(errdefs.IO, err, "writing %q", dst)
	}
	return nil
}

func mountAppProfileTmpfs(t *tracker, rootfs string) (appProfileDoc, error) {
	dst := filepath.Join(rootfs, appProfileDir)
	if err := bindTmpfs(t, dst, 0o555); err != nil {
		return appProfileDoc{}, err
	}
	doc := newAppProfileDoc()
	if err := writeAppProfile(filepath.Join(dst, appProfileFile), doc); err != nil {
		return appProfileDoc{}, err
	}
	if err := remountTmpfsReadOnly(dst); err != nil {
		return appProfileDoc{}, err
	}
	return doc, nil
}

func mountBinaries(t *tracker, rootfs, binsDir string, binaries []string) error {
	for _, src := range binaries {
		dst := filepath.Join(rootfs, binsDir, filepath.Base(src))
		if err := bindFile(t, src, dst, bindFlags{ReadOnly: true, NoDev: true, NoSuid: true}); err != nil {
			return err
		}
	}
	return nil
}

func mountLibrariesPlain(t *tracker, rootfs, libsDir string, libs []string) error {
	for _, src := range libs {
		dst := filepath.Join(rootfs, libsDir, filepath.Base(src))
		if err := bindFile(t, src, dst, bindFlags{ReadOnly: true, NoDev: true, NoSuid: true}); err != nil {
			return err
		}
	}
	return nil
}

// mountLibraries64 bind-mounts the 64-bit driver libraries and then lays
// down the three fix-up symlinks compatibility tooling expects to find
// next to them.
func mountLibraries64(t *tracker, rootfs, libsDir string, libs []string, nvrmVersion string) error {
	if err := mountLibrariesPlain(t, rootfs, libsDir, libs); err != nil {
		return err
	}

	present := make(map[string]bool, len(libs))
	for _, l := range libs {
		present[filepath.Base(l)] = true
	}

	fixups := []struct{ link, target string }{
		{"libcuda.so", "libcuda.so.1"},
		{"libGLX_indirect.so.0", fmt.Sprintf("libGLX_nvidia.so.%s", nvrmVersion)},
		{"libnvidia-opticalflow.so", "libnvidia-opticalflow.so.1"},
	}
	for _, fx := range fixups {
		if !present[fx.target] {
			continue
		}
		dst := filepath.Join(rootfs, libsDir, fx.link)
		if err := bindSymlink(t, fx.target, dst); err != nil {
			return err
		}
	}
	return nil
}

// mountCompatLibraries bind-mounts the container's own CUDA
// forward-compatibility libraries onto the standard library directory,
// masking the (older) driver libraries mounted there in the prior step.
func mountCompatLibraries(t *tracker, rootfs, libsDir string, compatLibs []string) error {
	for _, src := range compatLibs {
		dst := filepath.Join(rootfs, libsDir, filepath.Base(src))
		if err := bindFile(t, src, dst, bindFlags{ReadOnly: true, NoDev: true, NoSuid: true}); err != nil {
			return err
		}
	}
	return nil
}

func mountFirmwares(t *tracker, rootfs string, firmwares []string) error {
	for _, src := range firmwares {
		dst := filepath.Join(rootfs, "lib", "firmware", filepath.Base(filepath.Dir(src)), filepath.Base(src))
		if err := bindFile(t, src, dst, bindFlags{ReadOnly: true, NoDev: true, NoSuid: true}); err != nil {
			return err
		}
	}
	return nil
}

// mountIPCs binds each IPC socket/dir at the same absolute path inside
// the container that it has on the host: persistenced and fabricmanager
// sockets gated on the utility capability, the MPS pipe dir on compute.
func mountIPCs(t *tracker, rootfs string, flags types.ContainerFlags, ipcs []string) error {
	for _, src := range ipcs {
		isMPS := strings.Contains(src, "mps")
		if isMPS && !flags.Has(types.FlagCompute) {
			continue
		}
		if !isMPS && !flags.Has(types.FlagUtility) {
			continue
		}
		dst := filepath.Join(rootfs, src)
		if err := bindFile(t, src, dst, bindFlags{NoDev: true, NoSuid: true, NoExec: true}); err != nil {
			return err
		}
	}
	return nil
}

func mountDevices(t *tracker, rootfs string, devices []types.DeviceNode, ctrl *cgroup.Controller) error {
	for _, dev := range devices {
		dst := filepath.Join(rootfs, "dev", filepath.Base(dev.Path))
		if err := bindDevice(t, dev, dst); err != nil {
			return err
		}
		if ctrl != nil {
			if err := ctrl.Allow(dev); err != nil {
				return err
			}
		}
	}
	return nil
}

// mountGPUsAndMIG binds each selected GPU's node (and, when requested,
// its MIG capability tree), ORing the GPU's minor into the app-profile
// visibility mask along the way. Only devices named by sel are ever
// bound here: a GPU or MIG instance left out of the Selection must not
// become visible or cgroup-allowed inside the container.
func mountGPUsAndMIG(t *tracker, cnt *types.ContainerDescriptor, sel *types.Selection, ctrl *cgroup.Controller, profile *appProfileDoc, wantsGraphics bool, driverRoot string, capsStyle inventory.CapsStyle) error {
	for _, gpu := range sel.GPUs {
		dst := filepath.Join(cnt.RootFS, "dev", filepath.Base(gpu.Node.Path))
		if err := bindDevice(t, gpu.Node, dst); err != nil {
			return err
		}
		if ctrl != nil {
			if err := ctrl.Allow(gpu.Node); err != nil {
				return err
			}
		}
		if wantsGraphics {
			profile.setGPUVisible(int(gpu.Node.Minor))
		}
	}

	for _, mig := range sel.MigInstances {
		if err := mountMigCapsFile(t, cnt.RootFS, mig.CICapsPath, ctrl); err != nil {
			return err
		}
		if err := mountMigCapsFile(t, cnt.RootFS, mig.GICapsPath, ctrl); err != nil {
			return err
		}
		if capsStyle != inventory.CapsDev {
			continue
		}
		for _, accessPath := range []string{mig.GICapsPath, mig.CICapsPath} {
			node, err := inventory.CapsDeviceNode(driverRoot, accessPath)
			if err != nil {
				continue
			}
			dst := filepath.Join(cnt.RootFS, "dev", filepath.Base(node.Path))
			if err := bindDevice(t, node, dst); err != nil {
				return err
			}
			if ctrl != nil {
				if err := ctrl.Allow(node); err != nil {
					return err
				}
			}
		}
	}
	if sel.All {
		for _, name := range []string{"config", "monitor"} {
			capsPath := filepath.Join(procDriverNvidia, "capabilities", "mig", name)
			if err := mountMigCapsFile(t, cnt.RootFS, capsPath, ctrl); err != nil {
				return err
			}
		}
	}
	return nil
}

// mountMigCapsFile binds one MIG capability access file (a procfs file,
// regardless of DEV/PROC style, since the DEV-style device node is
// bound separately if one exists for it).
func mountMigCapsFile(t *tracker, rootfs, capsPath string, ctrl *cgroup.Controller) error {
	if capsPath == "" {
		return nil
	}
	if _, err := os.Lstat(capsPath); os.IsNotExist(err) {
		return nil
	}
	dst := filepath.Join(rootfs, capsPath)
	return bindFile(t, capsPath, dst, bindFlags{ReadOnly: true, NoDev: true, NoSuid: true, NoExec: true})
}

func mountIMEXChannels(t *tracker, rootfs string, channels []types.IMEXChannel, ctrl *cgroup.Controller) error {
	for _, ch := range channels {
		path := filepath.Join(nvidiaCapsImexChans, fmt.Sprintf("channel%d", ch.ID))
		major, minor, err := fscontext.StatRdev(path)
		if err != nil {
			return err
		}
		node := types.DeviceNode{Path: path, Major: major, Minor: minor}
		dst := filepath.Join(rootfs, path)
		if err := bindDevice(t, node, dst); err != nil {
			return err
		}
		if ctrl != nil {
			if err := ctrl.Allow(node); err != nil {
				return err
			}
		}
	}
	return nil
}
