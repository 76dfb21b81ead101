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

// Package config loads the ambient configuration file the CLI reads
// before ever touching a GPU: driver root override, IMEX channel
// defaults, the unprivileged uid/gid ldconfig and the driver helper
// drop to, and the debug log file path. Everything here is optional
// overrides of built-in defaults; nothing about device selection or
// requirement predicates lives in this file, those stay command-line
// concerns the same way the original CLI treats them.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"sigs.k8s.io/yaml"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/inventory"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/nvc"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

const (
	defaultDriverRoot  = "/"
	defaultUnprivUID   = 65534 // nobody
	defaultUnprivGID   = 65534
	defaultLdcachePath = "/etc/ld.so.cache"
)

// Classes mirrors inventory.RequestedClasses as a YAML-tagged struct;
// config keeps its own copy rather than tagging inventory's directly so
// that package stays free of a YAML dependency it has no other use for.
type Classes struct {
	Utility  bool `json:"utility,omitempty"`
	Compute  bool `json:"compute,omitempty"`
	Video    bool `json:"video,omitempty"`
	Graphics bool `json:"graphics,omitempty"`
	NGX      bool `json:"ngx,omitempty"`
	DXCore   bool `json:"dxcore,omitempty"`
}

func (c Classes) toRequested() inventory.RequestedClasses {
	return inventory.RequestedClasses{
		Utility:  c.Utility,
		Compute:  c.Compute,
		Video:    c.Video,
		Graphics: c.Graphics,
		NGX:      c.NGX,
		DXCore:   c.DXCore,
	}
}

// Config is the on-disk shape of the ambient config file, unmarshaled
// from YAML (or JSON, since sigs.k8s.io/yaml accepts both).
type Config struct {
	DriverRoot   string   `json:"driver-root,omitempty" validate:"omitempty,filepath"`
	LdcachePath  string   `json:"ldcache-path,omitempty"`
	UnprivUID    int      `json:"unpriv-uid,omitempty" validate:"gte=0"`
	UnprivGID    int      `json:"unpriv-gid,omitempty" validate:"gte=0"`
	IMEXChannels []int    `json:"imex-channels,omitempty" validate:"dive,gte=0"`
	Classes      Classes  `json:"classes,omitempty"`
	WantMPS      bool     `json:"want-mps,omitempty"`
	DebugFile    string   `json:"debug-file,omitempty"`
	Vendor       string   `json:"vendor,omitempty" validate:"omitempty,hostname_rfc1123"`
}

// Default returns a Config populated with the same fallbacks nvc.Init
// would otherwise have to hardcode when no config file is given.
func Default() *Config {
	return &Config{
		DriverRoot:  defaultDriverRoot,
		LdcachePath: defaultLdcachePath,
		UnprivUID:   defaultUnprivUID,
		UnprivGID:   defaultUnprivGID,
		Vendor:      "nvidia.com",
	}
}

// Load reads and validates the config file at path, starting from
// Default() so a partial file only overrides the fields it sets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.IO, err, "reading config file %q", path)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errdefs.Wrap(errdefs.ConfigInvalid, err, "parsing config file %q", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct-tag validation over the decoded config.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return errdefs.Wrap(errdefs.ConfigInvalid, err, "validating config")
	}
	return nil
}

// RequestedClasses exposes the decoded library classes in the shape
// pkg/inventory and pkg/nvc consume.
func (c *Config) RequestedClasses() inventory.RequestedClasses {
	return c.Classes.toRequested()
}

// ImexChannelIDs renders the configured channel numbers as a
// human-readable summary, used in startup log lines.
func (c *Config) ImexChannelIDs() string {
	return fmt.Sprintf("%v", c.IMEXChannels)
}

// ToNVCConfig builds the nvc.Config this file's settings describe, the
// shape Init actually takes. Kept here rather than in pkg/nvc itself so
// that package never needs to know this config file's on-disk shape.
func (c *Config) ToNVCConfig() nvc.Config {
	channels := make([]types.IMEXChannel, len(c.IMEXChannels))
	for i, id := range c.IMEXChannels {
		channels[i] = types.IMEXChannel{ID: id}
	}
	return nvc.Config{
		DriverRoot:   c.DriverRoot,
		LdcachePath:  c.LdcachePath,
		UnprivUID:    c.UnprivUID,
		UnprivGID:    c.UnprivGID,
		IMEXChannels: channels,
		Classes:      c.RequestedClasses(),
		WantMPS:      c.WantMPS,
	}
}
