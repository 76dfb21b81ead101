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

package elfinspect

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// elf64Header mirrors debug/elf.Header64's on-disk layout so tests can
// assemble a minimal, valid shared object without a real compiler.
type elf64Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf64Section struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

const (
	etDYN        = 3
	emX8664      = 62
	shtNULL      = 0
	shtDYNAMIC   = 6
	shtNOTE      = 7
	shtSTRTAB    = 3
	dtNeededTag  = 1
	dtNullTag    = 0
	noteABITagNm = "GNU\x00"
)

// buildStrtab packs the given names into a STRTAB blob, NUL-terminated,
// starting with the mandatory empty string at offset 0. It returns the
// blob plus each name's offset, in order.
func buildStrtab(names ...string) ([]byte, []uint32) {
	buf := []byte{0}
	offsets := make([]uint32, len(names))
	for i, n := range names {
		offsets[i] = uint32(len(buf))
		buf = append(buf, []byte(n)...)
		buf = append(buf, 0)
	}
	return buf, offsets
}

// buildSharedObject assembles a minimal ET_DYN ELF64 LSB image with one
// SHT_DYNAMIC section listing DT_NEEDED entries for each of needed, readable
// by debug/elf. Section layout: NULL, .dynstr, .dynamic, .shstrtab.
func buildSharedObject(t *testing.T, needed []string) []byte {
	t.Helper()

	dynstr, needOffs := buildStrtab(needed...)
	shstrtab, secNameOffs := buildStrtab(".dynstr", ".dynamic", ".shstrtab")

	var dynamic bytes.Buffer
	for _, off := range needOffs {
		binary.Write(&dynamic, binary.LittleEndian, uint64(dtNeededTag))
		binary.Write(&dynamic, binary.LittleEndian, uint64(off))
	}
	binary.Write(&dynamic, binary.LittleEndian, uint64(dtNullTag))
	binary.Write(&dynamic, binary.LittleEndian, uint64(0))

	const headerSize = 64
	const sectionSize = 64

	dynstrOff := uint64(headerSize)
	dynamicOff := dynstrOff + uint64(len(dynstr))
	shstrtabOff := dynamicOff + uint64(dynamic.Len())
	shoff := shstrtabOff + uint64(len(shstrtab))

	hdr := elf64Header{
		Type:      etDYN,
		Machine:   emX8664,
		Version:   1,
		Shoff:     shoff,
		Ehsize:    headerSize,
		Shentsize: sectionSize,
		Shnum:     4,
		Shstrndx:  3,
	}
	hdr.Ident[0], hdr.Ident[1], hdr.Ident[2], hdr.Ident[3] = 0x7f, 'E', 'L', 'F'
	hdr.Ident[4] = 2 // ELFCLASS64
	hdr.Ident[5] = 1 // ELFDATA2LSB
	hdr.Ident[6] = 1 // EV_CURRENT

	sections := []elf64Section{
		{}, // SHT_NULL
		{Name: secNameOffs[0], Type: shtSTRTAB, Off: dynstrOff, Size: uint64(len(dynstr)), Addralign: 1},
		{Name: secNameOffs[1], Type: shtDYNAMIC, Off: dynamicOff, Size: uint64(dynamic.Len()), Link: 1, Entsize: 16, Addralign: 8},
		{Name: secNameOffs[2], Type: shtSTRTAB, Off: shstrtabOff, Size: uint64(len(shstrtab)), Addralign: 1},
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(dynstr)
	out.Write(dynamic.Bytes())
	out.Write(shstrtab)
	for _, s := range sections {
		binary.Write(&out, binary.LittleEndian, s)
	}
	return out.Bytes()
}

// buildABINoteSection returns an SHT_NOTE payload carrying one
// NT_GNU_ABI_TAG note: name "GNU", desc = (OS, major, minor, patch).
func buildABINoteSection(major, minor, patch uint32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(4)) // namesz, "GNU\0"
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint32(noteTypeGNUABITag))
	buf.WriteString(noteABITagNm)
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // OS (ELF_NOTE_OS_LINUX)
	binary.Write(&buf, binary.LittleEndian, major)
	binary.Write(&buf, binary.LittleEndian, minor)
	binary.Write(&buf, binary.LittleEndian, patch)
	return buf.Bytes()
}

func writeObject(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libtest.so.1")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestHasDependency(t *testing.T) {
	path := writeObject(t, buildSharedObject(t, []string{"libnvidia-glcore.so.1", "libc.so.6"}))

	obj, err := Open(path)
	require.NoError(t, err)
	defer obj.Close()

	ok, err := obj.HasDependency("libnvidia-glcore.so.1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = obj.HasDependency("libnvidia-eglcore.so.1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasAnyDependency(t *testing.T) {
	path := writeObject(t, buildSharedObject(t, []string{"libGLdispatch.so.0"}))

	obj, err := Open(path)
	require.NoError(t, err)
	defer obj.Close()

	ok, err := obj.HasAnyDependency("libnvidia-glcore.so.1", "libGLdispatch.so.0")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = obj.HasAnyDependency("libnvidia-glcore.so.1", "libnvidia-eglcore.so.1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseABINote(t *testing.T) {
	data := buildABINoteSection(2, 3, 99)
	abi, err := parseABINote(data, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, ABI{Major: 2, Minor: 3, Patch: 99}, abi)
}

func TestParseABINoteRejectsNonGNU(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(4))
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint32(noteTypeGNUABITag))
	buf.WriteString("BSD\x00")
	buf.Write(make([]byte, 16))

	_, err := parseABINote(buf.Bytes(), binary.LittleEndian)
	require.Error(t, err)
}

func TestABILess(t *testing.T) {
	require.True(t, ABI{Major: 2, Minor: 3, Patch: 98}.Less(ABI{Major: 2, Minor: 3, Patch: 99}))
	require.False(t, ABI{Major: 2, Minor: 3, Patch: 99}.Less(ABI{Major: 2, Minor: 3, Patch: 99}))
	require.True(t, ABI{Major: 2, Minor: 2, Patch: 99}.Less(ABI{Major: 2, Minor: 3, Patch: 0}))
}

func TestHasABIAtLeast(t *testing.T) {
	data := buildSharedObjectWithNote(t, buildABINoteSection(2, 3, 99))
	path := writeObject(t, data)

	obj, err := Open(path)
	require.NoError(t, err)
	defer obj.Close()

	ok, err := obj.HasABIAtLeast(2, 3, 99)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = obj.HasABIAtLeast(2, 4, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

// buildSharedObjectWithNote is buildSharedObject plus a trailing
// .note.ABI-tag section, for HasABIAtLeast's end-to-end path.
func buildSharedObjectWithNote(t *testing.T, note []byte) []byte {
	t.Helper()

	dynstr, needOffs := buildStrtab("libc.so.6")
	shstrtab, secNameOffs := buildStrtab(".dynstr", ".dynamic", ".note.ABI-tag", ".shstrtab")

	var dynamic bytes.Buffer
	for _, off := range needOffs {
		binary.Write(&dynamic, binary.LittleEndian, uint64(dtNeededTag))
		binary.Write(&dynamic, binary.LittleEndian, uint64(off))
	}
	binary.Write(&dynamic, binary.LittleEndian, uint64(dtNullTag))
	binary.Write(&dynamic, binary.LittleEndian, uint64(0))

	const headerSize = 64
	const sectionSize = 64

	dynstrOff := uint64(headerSize)
	dynamicOff := dynstrOff + uint64(len(dynstr))
	noteOff := dynamicOff + uint64(dynamic.Len())
	shstrtabOff := noteOff + uint64(len(note))
	shoff := shstrtabOff + uint64(len(shstrtab))

	hdr := elf64Header{
		Type:      etDYN,
		Machine:   emX8664,
		Version:   1,
		Shoff:     shoff,
		Ehsize:    headerSize,
		Shentsize: sectionSize,
		Shnum:     5,
		Shstrndx:  4,
	}
	hdr.Ident[0], hdr.Ident[1], hdr.Ident[2], hdr.Ident[3] = 0x7f, 'E', 'L', 'F'
	hdr.Ident[4] = 2
	hdr.Ident[5] = 1
	hdr.Ident[6] = 1

	sections := []elf64Section{
		{},
		{Name: secNameOffs[0], Type: shtSTRTAB, Off: dynstrOff, Size: uint64(len(dynstr)), Addralign: 1},
		{Name: secNameOffs[1], Type: shtDYNAMIC, Off: dynamicOff, Size: uint64(dynamic.Len()), Link: 1, Entsize: 16, Addralign: 8},
		{Name: secNameOffs[2], Type: shtNOTE, Off: noteOff, Size: uint64(len(note)), Addralign: 4},
		{Name: secNameOffs[3], Type: shtSTRTAB, Off: shstrtabOff, Size: uint64(len(shstrtab)), Addralign: 1},
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(dynstr)
	out.Write(dynamic.Bytes())
	out.Write(note)
	out.Write(shstrtab)
	for _, s := range sections {
		binary.Write(&out, binary.LittleEndian, s)
	}
	return out.Bytes()
}
