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

// Package elfinspect answers narrow questions about a shared library's ELF
// image: what it links against, and what ABI triple it was built for. It
// exists to disambiguate driver library variants that share a SONAME.
package elfinspect

import (
	"debug/elf"
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

var log_ = log.New()

// GetLogger returns the 'logrus.Logger' instance used by this package.
func GetLogger() *log.Logger {
	return log_
}

// ABI is the NT_GNU_ABI_TAG triple: (major, minor, patch) of the minimum
// kernel/libc ABI the object was built against.
type ABI struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// Less reports whether a is older than o.
func (a ABI) Less(o ABI) bool {
	if a.Major != o.Major {
		return a.Major < o.Major
	}
	if a.Minor != o.Minor {
		return a.Minor < o.Minor
	}
	return a.Patch < o.Patch
}

// Object is an opened ELF shared object. Callers must Close it.
type Object struct {
	path string
	f    *elf.File
}

// Open opens the ELF image at path for inspection.
func Open(path string) (*Object, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.PathInvalid, err, "opening ELF object %s", path)
	}
	return &Object{path: path, f: f}, nil
}

// Close releases the underlying file.
func (o *Object) Close() error {
	return o.f.Close()
}

// HasDependency reports whether the object's DYNAMIC section carries a
// DT_NEEDED entry equal to soname.
func (o *Object) HasDependency(soname string) (bool, error) {
	needed, err := o.f.DynString(elf.DT_NEEDED)
	if err != nil {
		return false, errdefs.Wrap(errdefs.PathInvalid, err, "reading DT_NEEDED of %s", o.path)
	}
	for _, n := range needed {
		if n == soname {
			return true, nil
		}
	}
	return false, nil
}

// HasAnyDependency reports whether the object depends, directly, on any of
// sonames.
func (o *Object) HasAnyDependency(sonames ...string) (bool, error) {
	needed, err := o.f.DynString(elf.DT_NEEDED)
	if err != nil {
		return false, errdefs.Wrap(errdefs.PathInvalid, err, "reading DT_NEEDED of %s", o.path)
	}
	want := make(map[string]struct{}, len(sonames))
	for _, s := range sonames {
		want[s] = struct{}{}
	}
	for _, n := range needed {
		if _, ok := want[n]; ok {
			return true, nil
		}
	}
	return false, nil
}

// noteHeader mirrors the fixed portion of an ELF Nt_Desc note entry:
// namesz, descsz, type, followed by the padded name and description.
type noteHeader struct {
	NameSize uint32
	DescSize uint32
	Type     uint32
}

const noteTypeGNUABITag = 1

// align4 rounds n up to the next multiple of 4, the padding note sections
// use between fields.
func align4(n int) int {
	return (n + 3) &^ 3
}

// ABITag locates the .note.ABI-tag section and decodes its GNU ABI triple.
func (o *Object) ABITag() (ABI, error) {
	sec := o.f.Section(".note.ABI-tag")
	if sec == nil {
		return ABI{}, errdefs.New(errdefs.PathInvalid, "%s has no .note.ABI-tag section", o.path)
	}
	data, err := sec.Data()
	if err != nil {
		return ABI{}, errdefs.Wrap(errdefs.PathInvalid, err, "reading .note.ABI-tag of %s", o.path)
	}
	return parseABINote(data, o.f.ByteOrder)
}

func parseABINote(data []byte, order binary.ByteOrder) (ABI, error) {
	if len(data) < 12 {
		return ABI{}, errdefs.New(errdefs.PathInvalid, "truncated note header")
	}
	var h noteHeader
	h.NameSize = order.Uint32(data[0:4])
	h.DescSize = order.Uint32(data[4:8])
	h.Type = order.Uint32(data[8:12])

	off := 12
	nameEnd := off + int(h.NameSize)
	if nameEnd > len(data) {
		return ABI{}, errdefs.New(errdefs.PathInvalid, "truncated note name")
	}
	name := data[off : nameEnd-1] // drop the NUL terminator glibc includes in namesz
	off += align4(int(h.NameSize))

	if h.NameSize != 4 || string(name) != "GNU" {
		return ABI{}, errdefs.New(errdefs.PathInvalid, "not a GNU ABI-tag note (name=%q)", name)
	}
	if h.Type != noteTypeGNUABITag {
		return ABI{}, errdefs.New(errdefs.PathInvalid, "note type %d is not NT_GNU_ABI_TAG", h.Type)
	}
	if h.DescSize < 16 || off+16 > len(data) {
		return ABI{}, errdefs.New(errdefs.PathInvalid, "truncated ABI-tag descriptor")
	}
	// desc is four u32 words: OS, major, minor, patch (or equivalent triple
	// for the libc/kernel that emitted the note).
	return ABI{
		Major: order.Uint32(data[off+4 : off+8]),
		Minor: order.Uint32(data[off+8 : off+12]),
		Patch: order.Uint32(data[off+12 : off+16]),
	}, nil
}

// HasABIAtLeast reports whether the object's ABI tag is >= the requested
// triple.
func (o *Object) HasABIAtLeast(major, minor, patch uint32) (bool, error) {
	tag, err := o.ABITag()
	if err != nil {
		return false, err
	}
	want := ABI{Major: major, Minor: minor, Patch: patch}
	return !tag.Less(want), nil
}
