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

// Command nvidia-ctr-inject exposes host NVIDIA GPU resources into an
// already-created-but-not-started container: "configure" does the
// device-selection/bind-mount/ldcache work, "info" reports what was
// discovered on the host. Before any of that, main() also answers for
// two re-exec conventions that never reach the CLI parser at all: the
// driver helper child and the confined ldconfig child, both spawned by
// re-executing this same binary.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/NVIDIA/nvidia-ctr-inject/internal/driverhelper"
	"github.com/NVIDIA/nvidia-ctr-inject/internal/ldconfig"
	"github.com/NVIDIA/nvidia-ctr-inject/internal/privilege"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/cdi"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/config"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/container"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/nvc"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

var log_ = log.New()

func main() {
	if len(os.Args) > 1 && os.Args[1] == driverhelper.ChildReexecArg {
		if err := runDriverHelperChild(os.Args); err != nil {
			log_.Fatal(err)
		}
		return
	}
	if ldconfig.IsChildReexec() {
		if err := ldconfig.RunChild(os.Args[2:]); err != nil {
			log_.Fatal(err)
		}
		return
	}

	if err := newApp().Run(os.Args); err != nil {
		log_.Fatal(err)
	}
}

// runDriverHelperChild is the entrypoint for the process driverhelper.Spawn
// re-execs: it never returns to main()'s caller on success, since Serve
// blocks until the coordinator shuts it down or the connection drops.
func runDriverHelperChild(args []string) error {
	cfg, err := driverhelper.DecodeChildConfig(args[2])
	if err != nil {
		return err
	}
	ctrl, err := privilege.NewController()
	if err != nil {
		return err
	}
	srv, err := driverhelper.NewServer(3, cfg, ctrl)
	if err != nil {
		return err
	}
	return srv.Serve()
}

// globalFlags hold the equivalents of the original CLI's top-level
// argp options ("--root", "--ldcache", "--user", "--no-pivot",
// "--debug", "--no-create-imex-channels"), which every subcommand needs.
type globalFlags struct {
	configFile   string
	debugFile    string
	driverRoot   string
	ldcachePath  string
	user         string
	noPivot      bool
	insecure     bool
	noCreateIMEX bool
	vendor       string
}

func newApp() *cli.App {
	gf := &globalFlags{}
	app := cli.NewApp()
	app.Name = "nvidia-ctr-inject"
	app.Usage = "Expose NVIDIA GPU resources into a created-but-not-started container"
	app.UseShortOptionHandling = true

	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to a YAML config file", Destination: &gf.configFile, EnvVars: []string{"NVC_CONFIG_FILE"}},
		&cli.StringFlag{Name: "debug", Aliases: []string{"d"}, Usage: "log debug information to FILE", Destination: &gf.debugFile, EnvVars: []string{"NVC_DEBUG_FILE"}},
		&cli.StringFlag{Name: "root", Aliases: []string{"r"}, Value: "/", Usage: "path to the driver root directory", Destination: &gf.driverRoot, EnvVars: []string{"NVC_DRIVER_ROOT"}},
		&cli.StringFlag{Name: "ldcache", Aliases: []string{"l"}, Value: "/etc/ld.so.cache", Usage: "path to the system's DSO cache", Destination: &gf.ldcachePath},
		&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "UID[:GID] to use for privilege separation", Destination: &gf.user},
		&cli.BoolFlag{Name: "no-pivot", Usage: "do not use pivot_root for the confined ldconfig child", Destination: &gf.noPivot},
		&cli.BoolFlag{Name: "insecure-mode", Usage: "tolerate a missing seccomp filter on the confined ldconfig child", Destination: &gf.insecure, EnvVars: []string{"NVC_INSECURE_MODE"}},
		&cli.BoolFlag{Name: "no-create-imex-channels", Usage: "don't automatically create IMEX channel device nodes", Destination: &gf.noCreateIMEX},
		&cli.StringFlag{Name: "vendor", Value: "nvidia.com", Usage: "vendor prefix used for CDI spec kinds and device names", Destination: &gf.vendor},
	}

	app.Before = func(c *cli.Context) error {
		if gf.debugFile != "" {
			log_.SetLevel(log.DebugLevel)
		}
		return nil
	}

	app.Commands = []*cli.Command{
		infoCommand(gf),
		configureCommand(gf),
	}
	return app
}

// baseConfig merges the optional config file with the global CLI flags,
// the CLI flags taking precedence since they were supplied last.
func (gf *globalFlags) baseConfig() (*config.Config, error) {
	cfg := config.Default()
	if gf.configFile != "" {
		loaded, err := config.Load(gf.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if gf.driverRoot != "" {
		cfg.DriverRoot = gf.driverRoot
	}
	if gf.ldcachePath != "" {
		cfg.LdcachePath = gf.ldcachePath
	}
	if gf.user != "" {
		uid, gid, err := parseUser(gf.user)
		if err != nil {
			return nil, err
		}
		cfg.UnprivUID = uid
		cfg.UnprivGID = gid
	}
	if gf.vendor != "" {
		cfg.Vendor = gf.vendor
	}
	if gf.noCreateIMEX {
		cfg.IMEXChannels = nil
	}
	return cfg, nil
}

// parseUser parses the "--user UID[:GID]" form the original CLI accepts,
// defaulting GID to UID when only one number is given.
func parseUser(spec string) (uid, gid int, err error) {
	parts := strings.SplitN(spec, ":", 2)
	uid, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid %q: %w", parts[0], err)
	}
	if len(parts) == 1 {
		return uid, uid, nil
	}
	gid, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid gid %q: %w", parts[1], err)
	}
	return uid, gid, nil
}

func infoCommand(gf *globalFlags) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Report information about the driver and devices",
		Action: func(c *cli.Context) error {
			cfg, err := gf.baseConfig()
			if err != nil {
				return err
			}
			nvcCfg := cfg.ToNVCConfig()
			coord, err := nvc.Init(nvcCfg)
			if err != nil {
				return err
			}
			defer coord.Shutdown()

			info, devices, err := coord.Info()
			if err != nil {
				return err
			}
			log_.Infof("NVRM version: %s, CUDA version: %s", info.NVRMVersion, info.CUDAVersion)
			for _, d := range devices {
				log_.Infof("GPU %s: %s (%s)", d.UUID, d.Model, d.BusID)
			}
			return nil
		},
	}
}

// configureFlags are the "configure" subcommand's own options, mirroring
// the original CLI's pid/device/require/ldconfig/capability flag set.
type configureFlags struct {
	pid        int
	devices    string
	requires   []string
	ldconfig   string
	compute    bool
	utility    bool
	video      bool
	graphics   bool
	ngx        bool
	compat32   bool
	noCgroups  bool
	noDevBind  bool
	standalone bool
	cdiOnly    bool
	cdiDir     string
}

func configureCommand(gf *globalFlags) *cli.Command {
	cf := &configureFlags{}
	return &cli.Command{
		Name:      "configure",
		Usage:     "Configure a container with GPU support by exposing device drivers to it",
		ArgsUsage: "ROOTFS",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "pid", Aliases: []string{"p"}, Usage: "container PID", Destination: &cf.pid},
			&cli.StringFlag{Name: "device", Aliases: []string{"d"}, Value: "all", Usage: "device UUID(s) or index(es) to isolate", Destination: &cf.devices},
			&cli.StringSliceFlag{Name: "require", Usage: "check container requirements (KEYopVALUE, e.g. cuda>=11.0)"},
			&cli.StringFlag{Name: "ldconfig", Usage: "path to the ldconfig binary, \"@\"-prefixed to source it from the host", Destination: &cf.ldconfig},
			&cli.BoolFlag{Name: "compute", Aliases: []string{"c"}, Destination: &cf.compute, Usage: "enable compute capability"},
			&cli.BoolFlag{Name: "utility", Aliases: []string{"u"}, Destination: &cf.utility, Usage: "enable utility capability"},
			&cli.BoolFlag{Name: "video", Aliases: []string{"v"}, Destination: &cf.video, Usage: "enable video capability"},
			&cli.BoolFlag{Name: "graphics", Aliases: []string{"g"}, Destination: &cf.graphics, Usage: "enable graphics capability"},
			&cli.BoolFlag{Name: "ngx", Destination: &cf.ngx, Usage: "enable ngx capability"},
			&cli.BoolFlag{Name: "compat32", Destination: &cf.compat32, Usage: "enable 32-bit compatibility"},
			&cli.BoolFlag{Name: "no-cgroups", Destination: &cf.noCgroups, Usage: "don't use cgroup enforcement"},
			&cli.BoolFlag{Name: "no-devbind", Destination: &cf.noDevBind, Usage: "don't bind mount devices"},
			&cli.BoolFlag{Name: "standalone", Destination: &cf.standalone, Usage: "the target is not supervised by a container runtime"},
			&cli.BoolFlag{Name: "cdi-only", Destination: &cf.cdiOnly, Usage: "write a CDI spec instead of mounting directly"},
			&cli.StringFlag{Name: "cdi-spec-dir", Value: "/var/run/cdi", Usage: "directory to write the CDI spec into", Destination: &cf.cdiDir},
		},
		Action: func(c *cli.Context) error {
			cf.requires = c.StringSlice("require")
			return runConfigure(c, gf, cf)
		},
	}
}

func runConfigure(c *cli.Context, gf *globalFlags, cf *configureFlags) error {
	rootfs := c.Args().First()
	if rootfs == "" {
		return fmt.Errorf("configure requires a ROOTFS argument")
	}

	baseCfg, err := gf.baseConfig()
	if err != nil {
		return err
	}
	baseCfg.Classes.Compute = cf.compute
	baseCfg.Classes.Utility = cf.utility
	baseCfg.Classes.Video = cf.video
	baseCfg.Classes.Graphics = cf.graphics
	baseCfg.Classes.NGX = cf.ngx

	coord, err := nvc.Init(baseCfg.ToNVCConfig())
	if err != nil {
		return err
	}
	defer coord.Shutdown()

	if _, _, err := coord.Info(); err != nil {
		return err
	}

	preds, err := parseRequirements(cf.requires)
	if err != nil {
		return err
	}
	if _, err := coord.Select(cf.devices, preds); err != nil {
		return err
	}

	flags := containerFlags(cf)
	pid := cf.pid
	if pid == 0 {
		pid = os.Getpid()
	}
	if _, err := coord.Container(flags, container.Config{
		Pid:      pid,
		RootFS:   rootfs,
		Ldconfig: cf.ldconfig,
	}); err != nil {
		return err
	}

	if cf.cdiOnly {
		spec, err := coord.CDISpec(gf.vendor)
		if err != nil {
			return err
		}
		path, err := cdi.WriteSpec(spec, cf.cdiDir)
		if err != nil {
			return err
		}
		log_.Infof("wrote CDI spec with %d device(s) to %s", len(spec.Devices), path)
		return nil
	}

	if err := coord.Mount(); err != nil {
		return err
	}

	mode := ldconfig.Mode{NoPivot: gf.noPivot, Secure: !gf.insecure}
	return coord.Ldcache(cf.ldconfig, mode)
}

func containerFlags(cf *configureFlags) types.ContainerFlags {
	var flags types.ContainerFlags
	if cf.standalone {
		flags |= types.FlagStandalone
	} else {
		flags |= types.FlagSupervised
	}
	if cf.compute {
		flags |= types.FlagCompute
	}
	if cf.utility {
		flags |= types.FlagUtility
	}
	if cf.video {
		flags |= types.FlagVideo
	}
	if cf.graphics {
		flags |= types.FlagGraphics
	}
	if cf.ngx {
		flags |= types.FlagNGX
	}
	if cf.compat32 {
		flags |= types.FlagCompat32
	}
	if cf.noCgroups {
		flags |= types.FlagNoCgroups
	}
	if cf.noDevBind {
		flags |= types.FlagNoDevBind
	}
	return flags
}
