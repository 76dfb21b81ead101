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

// Package nvc is the top-level coordinator: the single entry point that
// sequences every other package into one init -> info -> container ->
// select -> mount -> ldcache -> shutdown operation. Each Coordinator owns
// the three mutable handles the rest of the system is allowed to have —
// its library context, the driver-helper RPC handle, and the captured
// mount-namespace fd — and nothing else touches them directly.
package nvc

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/internal/driverhelper"
	"github.com/NVIDIA/nvidia-ctr-inject/internal/privilege"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/fscontext"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/inventory"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/ldcache"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

var log_ = log.New()

// GetLogger returns the 'logrus.Logger' instance used by this package.
func GetLogger() *log.Logger {
	return log_
}

// Config is the caller-supplied configuration for one Init call: where
// the driver lives, who to drop privileges to for the driver helper, and
// which library classes a container operation may ever need resolved.
type Config struct {
	DriverRoot  string
	LdcachePath string // rootfs-relative, e.g. "/etc/ld.so.cache"

	UnprivUID int
	UnprivGID int

	IMEXChannels []types.IMEXChannel

	Classes inventory.RequestedClasses
	WantMPS bool
}

// Coordinator sequences one init/shutdown pair. It is not safe for
// concurrent use; the shared-resource policy this package implements
// only promises correctness for sequential init -> ops -> shutdown
// calls from a single goroutine.
type Coordinator struct {
	cfg Config
	ctx types.LibraryContext

	ctrl   *privilege.Controller
	driver *driverhelper.Client
	cache  *ldcache.Cache

	capsStyle   inventory.CapsStyle
	nvrmVersion string
	cudaVersion string

	devices   []*types.Device
	info      *types.DriverInfo
	container *types.ContainerDescriptor
	selection *types.Selection
}

// Init performs nvc_init: raises the fixed capability superset, captures
// the calling process's own mount namespace (the one every later
// container-namespace entry must return to), forks the driver helper and
// calls its nvml.init, and loads the host ld.so.cache.
func Init(cfg Config) (*Coordinator, error) {
	ctrl, err := privilege.NewController()
	if err != nil {
		return nil, err
	}

	lower, err := ctrl.EnterPhase(privilege.PhaseInit)
	if err != nil {
		return nil, err
	}
	defer lower()

	nsFd, err := unix.Open("/proc/self/ns/mnt", unix.O_RDONLY, 0)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.IO, err, "capturing coordinator mount namespace")
	}

	driverClient, err := driverhelper.Spawn(driverhelper.Config{
		DriverRoot: cfg.DriverRoot,
		UnprivUID:  cfg.UnprivUID,
		UnprivGID:  cfg.UnprivGID,
	})
	if err != nil {
		unix.Close(nsFd)
		return nil, err
	}

	initResult, err := driverClient.Init()
	if err != nil {
		_ = driverClient.Shutdown()
		unix.Close(nsFd)
		return nil, err
	}

	cachePath, err := fscontext.Resolve(cfg.DriverRoot, cfg.LdcachePath)
	if err != nil {
		_ = driverClient.Shutdown()
		unix.Close(nsFd)
		return nil, err
	}
	cache, err := ldcache.Load(cachePath)
	if err != nil {
		_ = driverClient.Shutdown()
		unix.Close(nsFd)
		return nil, err
	}

	c := &Coordinator{
		cfg: cfg,
		ctx: types.LibraryContext{
			DriverRoot:   cfg.DriverRoot,
			LdcachePath:  cfg.LdcachePath,
			UnprivUID:    cfg.UnprivUID,
			UnprivGID:    cfg.UnprivGID,
			IMEXChannels: cfg.IMEXChannels,
			MountNSFd:    nsFd,
		},
		ctrl:        ctrl,
		driver:      driverClient,
		cache:       cache,
		capsStyle:   inventory.DetectCapsStyle(cfg.DriverRoot),
		nvrmVersion: initResult.NVRMVersion,
		cudaVersion: initResult.CUDAVersion,
	}
	log_.Infof("initialized coordinator: driver root %q, NVRM %s, CUDA %s", cfg.DriverRoot, c.nvrmVersion, c.cudaVersion)
	return c, nil
}

// Context returns the Library Context captured at Init, for callers that
// need the raw driver root / mount-namespace fd (e.g. a CDI renderer).
func (c *Coordinator) Context() types.LibraryContext {
	return c.ctx
}

// Shutdown performs nvc_shutdown: tears down the driver helper and
// releases the captured mount-namespace fd. Safe to call at most once.
func (c *Coordinator) Shutdown() error {
	lower, err := c.ctrl.EnterPhase(privilege.PhaseShutdown)
	if err != nil {
		return err
	}
	defer lower()

	var shutdownErr error
	if c.driver != nil {
		shutdownErr = c.driver.Shutdown()
	}
	if c.ctx.MountNSFd != 0 {
		if err := unix.Close(c.ctx.MountNSFd); err != nil {
			log_.Warnf("closing captured mount namespace fd: %v", err)
		}
	}
	return shutdownErr
}
