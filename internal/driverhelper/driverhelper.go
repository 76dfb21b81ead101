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

// Package driverhelper implements the privileged child side of the
// driver discovery RPC: it owns the process-wide NVML binding, answers
// device and MIG queries for the coordinator, and performs the
// chroot/uid-drop sequence before ever touching the driver library.
package driverhelper

import (
	"encoding/gob"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/nvidia-ctr-inject/internal/nvml"
	"github.com/NVIDIA/nvidia-ctr-inject/internal/privilege"
	"github.com/NVIDIA/nvidia-ctr-inject/internal/rpc"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

var log_ = log.New()

// GetLogger returns the 'logrus.Logger' instance used by this package.
func GetLogger() *log.Logger {
	return log_
}

func init() {
	gob.Register(types.Device{})
	gob.Register(types.MigInstance{})
}

// Config is what the coordinator passes the helper at startup, before
// any RPC is served: where to chroot, who to drop privileges to.
type Config struct {
	DriverRoot string
	UnprivUID  int
	UnprivGID  int
}

// Server owns the process-wide NVML handle and the rpc.Server dispatch
// loop that exposes it.
type Server struct {
	cfg  Config
	nvml nvml.Interface
	rpc  *rpc.Server
	ctrl *privilege.Controller
}

// NewServer wraps the inherited socket fd as an rpc.Server and binds an
// nvml.Interface (real unless overridden by tests via WithInterface).
func NewServer(fd int, cfg Config, ctrl *privilege.Controller) (*Server, error) {
	rs, err := rpc.NewServer(fd)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, nvml: nvml.New(), rpc: rs, ctrl: ctrl}
	s.registerHandlers()
	return s, nil
}

// WithInterface swaps in a test double; must be called before Serve.
func (s *Server) WithInterface(i nvml.Interface) *Server {
	s.nvml = i
	return s
}

func (s *Server) registerHandlers() {
	s.rpc.Register("nvml.init", s.handleInit)
	s.rpc.Register("nvml.shutdown", s.handleShutdown)
	s.rpc.Register("nvml.deviceCount", s.handleDeviceCount)
	s.rpc.Register("nvml.deviceInfo", s.handleDeviceInfo)
}

// Serve runs the confinement sequence once and then blocks dispatching
// RPCs until the client disconnects or sends the shutdown proc.
func (s *Server) Serve() error {
	if err := s.confine(); err != nil {
		return err
	}
	return s.rpc.Serve()
}

// confine performs the chroot-into-driver-root, capability-lowering,
// uid/gid-drop sequence before any NVML symbol is touched. A driver root
// of "" skips the chroot (used when the driver is already visible at /).
func (s *Server) confine() error {
	lower, err := s.ctrl.EnterPhase(privilege.PhaseInitKmods)
	if err != nil {
		return errdefs.Wrap(errdefs.Capability, err, "entering init_kmods phase")
	}
	defer lower()

	if s.cfg.DriverRoot != "" && s.cfg.DriverRoot != "/" {
		if err := os.Chdir(s.cfg.DriverRoot); err != nil {
			return errdefs.Wrap(errdefs.IO, err, "chdir to driver root %q", s.cfg.DriverRoot)
		}
		if err := chroot(s.cfg.DriverRoot); err != nil {
			return errdefs.Wrap(errdefs.IO, err, "chroot to driver root %q", s.cfg.DriverRoot)
		}
	}

	if err := privilege.DropTo(s.cfg.UnprivUID, s.cfg.UnprivGID, true); err != nil {
		return errdefs.Wrap(errdefs.Capability, err, "dropping to unprivileged uid/gid")
	}
	if err := privilege.DropBounding(); err != nil {
		log_.Warnf("could not drop bounding capability set: %v", err)
	}

	return nil
}
