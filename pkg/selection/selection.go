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

// Package selection resolves a device-selection expression ("all",
// "0,1", "GPU-<uuid>", "MIG-<uuid>") against a discovered device
// inventory into a types.Selection. The expression grammar itself is
// the minimal comma-separated-token form the original CLI accepts;
// anything richer is explicitly out of scope (see pkg/requirement's
// package doc for the analogous boundary on predicate expressions).
package selection

import (
	"strconv"
	"strings"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

const (
	tokenAll        = "all"
	gpuUUIDPrefix   = "GPU-"
	migUUIDPrefix   = "MIG-"
	migConfigLabel  = "mig-config"
	migMonitorLabel = "mig-monitor"
)

// Resolve parses expr (a comma-separated list of tokens) against
// devices and returns the resulting Selection. "all" must appear alone
// and selects every GPU and every MIG instance, setting Selection.All.
func Resolve(expr string, devices []*types.Device) (*types.Selection, error) {
	tokens := splitTokens(expr)
	if len(tokens) == 0 {
		return nil, errdefs.New(errdefs.ConfigInvalid, "empty device selection expression")
	}

	if len(tokens) == 1 && tokens[0] == tokenAll {
		return selectAll(devices), nil
	}

	sel := &types.Selection{}
	seenGPU := make(map[*types.Device]struct{})
	for _, tok := range tokens {
		if tok == tokenAll {
			return nil, errdefs.New(errdefs.ConfigInvalid, "%q cannot be combined with other selection tokens", tokenAll)
		}
		if err := resolveToken(tok, devices, sel, seenGPU); err != nil {
			return nil, err
		}
	}

	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return sel, nil
}

// ResolveMigConfig and ResolveMigMonitor parse the narrower expressions
// accepted by the mig-config/mig-monitor CLI entry points: device
// indices or UUIDs, or "all", never bare MIG instance ids (those tools
// configure/monitor whole GPUs, not individual MIG instances).
func ResolveMigConfig(expr string, devices []*types.Device) ([]*types.MigInstance, error) {
	return resolveMigGroup(expr, devices, migConfigLabel)
}

func ResolveMigMonitor(expr string, devices []*types.Device) ([]*types.MigInstance, error) {
	return resolveMigGroup(expr, devices, migMonitorLabel)
}

func resolveMigGroup(expr string, devices []*types.Device, label string) ([]*types.MigInstance, error) {
	tokens := splitTokens(expr)
	if len(tokens) == 0 {
		return nil, errdefs.New(errdefs.ConfigInvalid, "empty %s selection expression", label)
	}

	var gpus []*types.Device
	if len(tokens) == 1 && tokens[0] == tokenAll {
		gpus = devices
	} else {
		for _, tok := range tokens {
			dev, err := findGPU(tok, devices)
			if err != nil {
				return nil, err
			}
			gpus = append(gpus, dev)
		}
	}

	var out []*types.MigInstance
	for _, dev := range gpus {
		for i := range dev.MigInstances {
			out = append(out, &dev.MigInstances[i])
		}
	}
	return out, nil
}

func selectAll(devices []*types.Device) *types.Selection {
	sel := &types.Selection{GPUs: devices, All: true}
	for _, dev := range devices {
		for i := range dev.MigInstances {
			sel.MigInstances = append(sel.MigInstances, &dev.MigInstances[i])
		}
	}
	sel.MigConfig = sel.MigInstances
	sel.MigMonitor = sel.MigInstances
	return sel
}

func resolveToken(tok string, devices []*types.Device, sel *types.Selection, seenGPU map[*types.Device]struct{}) error {
	switch {
	case strings.HasPrefix(tok, migUUIDPrefix):
		mig, err := findMIG(tok, devices)
		if err != nil {
			return err
		}
		sel.MigInstances = append(sel.MigInstances, mig)
		if _, ok := seenGPU[mig.Parent]; !ok {
			seenGPU[mig.Parent] = struct{}{}
			sel.GPUs = append(sel.GPUs, mig.Parent)
		}
		return nil
	default:
		dev, err := findGPU(tok, devices)
		if err != nil {
			return err
		}
		if _, ok := seenGPU[dev]; ok {
			return nil
		}
		seenGPU[dev] = struct{}{}
		sel.GPUs = append(sel.GPUs, dev)
		return nil
	}
}

// findGPU resolves tok as either a decimal index into devices or a
// "GPU-<uuid>"/bare uuid match.
func findGPU(tok string, devices []*types.Device) (*types.Device, error) {
	if idx, err := strconv.Atoi(tok); err == nil {
		if idx < 0 || idx >= len(devices) {
			return nil, errdefs.New(errdefs.ConfigInvalid, "gpu index %d out of range (%d devices)", idx, len(devices))
		}
		return devices[idx], nil
	}

	uuid := strings.TrimPrefix(tok, gpuUUIDPrefix)
	for _, dev := range devices {
		if strings.EqualFold(strings.TrimPrefix(dev.UUID, gpuUUIDPrefix), uuid) {
			return dev, nil
		}
	}
	return nil, errdefs.New(errdefs.ConfigInvalid, "no gpu matches selection token %q", tok)
}

func findMIG(tok string, devices []*types.Device) (*types.MigInstance, error) {
	uuid := strings.TrimPrefix(tok, migUUIDPrefix)
	for _, dev := range devices {
		for i := range dev.MigInstances {
			if strings.EqualFold(strings.TrimPrefix(dev.MigInstances[i].UUID, migUUIDPrefix), uuid) {
				return &dev.MigInstances[i], nil
			}
		}
	}
	return nil, errdefs.New(errdefs.ConfigInvalid, "no mig instance matches selection token %q", tok)
}

func splitTokens(expr string) []string {
	var out []string
	for _, tok := range strings.Split(expr, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
