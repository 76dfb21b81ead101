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

// Package requirement evaluates the boolean predicates a caller attaches
// to a container-configuration request ("cuda>=11.0", "driver<550",
// "arch>=8.0", "brand=tesla"). Parsing the expression grammar those
// predicates come from is out of scope here: this package only knows
// how to compare an already-parsed Predicate against driver/device
// metadata.
package requirement

import (
	"strconv"
	"strings"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

// Comparator is one of the six relational operators a predicate can use.
type Comparator int

const (
	Lt Comparator = iota
	Le
	Eq
	Ge
	Gt
	Ne
)

// Key names the four fields a predicate can test, matching the
// original dsl_rule table: cuda and driver versions are evaluated
// against the global driver snapshot, arch and brand against whichever
// device is currently visible.
type Key string

const (
	KeyCUDA   Key = "cuda"
	KeyDriver Key = "driver"
	KeyArch   Key = "arch"
	KeyBrand  Key = "brand"
)

// Predicate is one already-parsed clause: Key Cmp Value, e.g.
// {Key: KeyCUDA, Cmp: Ge, Value: "11.0"}.
type Predicate struct {
	Key   Key
	Cmp   Comparator
	Value string
}

// Context is everything a Predicate can be evaluated against for one
// container-configuration request. Device is nil when no GPU is visible
// yet (e.g. evaluating before selection, or a selection that resolved to
// zero devices); arch/brand predicates then evaluate to true per the
// "no device visible, assume ok" rule inherited from the original
// requirement checker.
type Context struct {
	CUDAVersion   string
	DriverVersion string
	Device        *types.Device
}

// Evaluate tests a single predicate against ctx.
func Evaluate(p Predicate, ctx Context) (bool, error) {
	switch p.Key {
	case KeyCUDA:
		return compareVersionStrings(ctx.CUDAVersion, p.Cmp, p.Value)
	case KeyDriver:
		return compareVersionStrings(ctx.DriverVersion, p.Cmp, p.Value)
	case KeyArch:
		if ctx.Device == nil {
			return true, nil
		}
		return compareVersionStrings(ctx.Device.ComputeCapability, p.Cmp, p.Value)
	case KeyBrand:
		if ctx.Device == nil {
			return true, nil
		}
		return compareStrings(ctx.Device.Brand, p.Cmp, p.Value), nil
	default:
		return false, errdefs.New(errdefs.ConfigInvalid, "unknown requirement key %q", p.Key)
	}
}

// EvaluateAll implements "try evaluating per visible device first, and
// globally otherwise": when devices is non-empty, every predicate must
// hold for every visible device; cuda/driver predicates don't actually
// vary per device, but are re-checked alongside arch/brand so a single
// pass suffices. When devices is empty, every predicate is evaluated
// once with Device == nil.
func EvaluateAll(preds []Predicate, devices []*types.Device, cudaVersion, driverVersion string) (bool, error) {
	if len(devices) == 0 {
		for _, p := range preds {
			ok, err := Evaluate(p, Context{CUDAVersion: cudaVersion, DriverVersion: driverVersion})
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	for _, dev := range devices {
		for _, p := range preds {
			ok, err := Evaluate(p, Context{CUDAVersion: cudaVersion, DriverVersion: driverVersion, Device: dev})
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

// compareStrings implements Eq/Ne for brand, the one predicate that is
// not version-shaped. Any other comparator makes the predicate evaluate
// to false (no error is returned), since the original
// dsl_compare_string only ever supports equality.
func compareStrings(actual string, cmp Comparator, want string) bool {
	equal := strings.EqualFold(actual, want)
	switch cmp {
	case Eq:
		return equal
	case Ne:
		return !equal
	default:
		return false
	}
}

// compareVersionStrings parses both sides as dotted numeric versions
// and applies cmp to the result of CompareVersions.
func compareVersionStrings(actual string, cmp Comparator, want string) (bool, error) {
	c, err := CompareVersions(actual, want)
	if err != nil {
		return false, err
	}
	switch cmp {
	case Lt:
		return c < 0, nil
	case Le:
		return c <= 0, nil
	case Eq:
		return c == 0, nil
	case Ge:
		return c >= 0, nil
	case Gt:
		return c > 0, nil
	case Ne:
		return c != 0, nil
	default:
		return false, errdefs.New(errdefs.ConfigInvalid, "unknown comparator %d", cmp)
	}
}

// CompareVersions compares two dotted numeric version strings
// ("11.2" vs "11.10") segment by segment, numerically rather than
// lexically, so "11.10" is correctly greater than "11.2". A missing
// trailing segment on either side compares as 0 ("11" == "11.0").
func CompareVersions(a, b string) (int, error) {
	as, err := splitVersion(a)
	if err != nil {
		return 0, err
	}
	bs, err := splitVersion(b)
	if err != nil {
		return 0, err
	}

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			if av < bv {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

func splitVersion(v string) ([]int, error) {
	if v == "" {
		return nil, errdefs.New(errdefs.ConfigInvalid, "empty version string")
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ConfigInvalid, err, "parsing version segment %q of %q", p, v)
		}
		out[i] = n
	}
	return out, nil
}
