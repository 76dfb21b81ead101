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

package cgroup

import (
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

// bpf_cgroup_dev_ctx field layout, from linux/bpf.h: a packed
// (type<<16|access) word, then major, then minor, each a u32.
const (
	ctxOffAccessType = 0
	ctxOffMajor      = 4
	ctxOffMinor      = 8

	devTypeChar  = 2 // BPF_DEVCG_DEV_CHAR
	accRead      = 2 // BPF_DEVCG_ACC_READ
	accWrite     = 4 // BPF_DEVCG_ACC_WRITE
)

func (a Access) bits() uint32 {
	var b uint32
	if a.Read {
		b |= accRead
	}
	if a.Write {
		b |= accWrite
	}
	if a.Mknod {
		b |= 1
	}
	return b
}

// compileDeviceFilter builds a BPF_PROG_TYPE_CGROUP_DEVICE program that
// allows exactly the access in rules and falls through to deny. Devices
// not named by any rule are denied; this system never installs a
// default-allow filter since every device it cares about is explicit.
func compileDeviceFilter(rules []Rule) (*ebpf.Program, error) {
	var insns asm.Instructions

	// R2 = (type<<16)|access, R3 = major, R4 = minor.
	insns = append(insns,
		asm.LoadMem(asm.R2, asm.R1, ctxOffAccessType, asm.Word),
		asm.LoadMem(asm.R3, asm.R1, ctxOffMajor, asm.Word),
		asm.LoadMem(asm.R4, asm.R1, ctxOffMinor, asm.Word),
	)

	var charRules []Rule
	for _, r := range rules {
		if r.Type == CharDevice {
			charRules = append(charRules, r) // this system never installs block-device rules
		}
	}

	// label[i] marks the start of rule i's check; label[len(charRules)]
	// marks the final deny. A mismatch on any field of rule i jumps to
	// label[i+1] to try the next rule (or fall into the deny).
	label := func(i int) string { return fmt.Sprintf("check%d", i) }

	for i, r := range charRules {
		want := uint32(devTypeChar)<<16 | r.Access.bits()

		block := asm.Instructions{
			asm.JNE.Imm(asm.R2, int32(want), label(i+1)),
			asm.JNE.Imm(asm.R3, int32(r.Major), label(i+1)),
			asm.JNE.Imm(asm.R4, int32(r.Minor), label(i+1)),
			asm.Mov.Imm(asm.R0, 1),
			asm.Return(),
		}
		block[0] = block[0].WithSymbol(label(i))
		insns = append(insns, block...)
	}

	deny := asm.Mov.Imm(asm.R0, 0).WithSymbol(label(len(charRules)))
	insns = append(insns, deny, asm.Return())

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Type:         ebpf.CGroupDevice,
		License:      "GPL",
		Instructions: insns,
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CgroupIO, err, "compiling device-cgroup eBPF filter")
	}
	return prog, nil
}

// v2State tracks, per process, the cumulative rule set and the attached
// link for each device cgroup this process has programmed, so a second
// Allow call for the same cgroup replaces the whole filter atomically
// instead of attaching a second, ALLOW_MULTI-stacked program.
//
// This does not decompile a pre-existing program installed by an earlier
// invocation of this tool (or another one): the rule set it preserves is
// only the one accumulated within the current process's lifetime, which
// is sufficient for the Mount Orchestrator's use (it calls Allow once
// per device within a single Mount operation and never across runs).
var v2State = struct {
	mu    sync.Mutex
	links map[string]link.Link
	rules map[string][]Rule
}{
	links: make(map[string]link.Link),
	rules: make(map[string][]Rule),
}

func installV2Rule(cgroupPath string, rule Rule) error {
	v2State.mu.Lock()
	defer v2State.mu.Unlock()

	rules := append(v2State.rules[cgroupPath], rule)
	prog, err := compileDeviceFilter(rules)
	if err != nil {
		return err
	}

	if existing, ok := v2State.links[cgroupPath]; ok {
		if err := existing.Update(prog); err != nil {
			return errdefs.Wrap(errdefs.CgroupIO, err, "updating device filter on %s", cgroupPath)
		}
	} else {
		l, err := link.AttachCgroup(link.CgroupOptions{
			Path:    cgroupPath,
			Attach:  ebpf.AttachCGroupDevice,
			Program: prog,
		})
		if err != nil {
			return errdefs.Wrap(errdefs.CgroupIO, err, "attaching device filter to %s", cgroupPath)
		}
		v2State.links[cgroupPath] = l
	}

	v2State.rules[cgroupPath] = rules
	return nil
}
