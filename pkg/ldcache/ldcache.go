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

// Package ldcache parses the binary cache glibc's dynamic linker
// maintains at /etc/ld.so.cache and resolves SONAMEs against it.
package ldcache

import (
	"bytes"
	"encoding/binary"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

var log_ = log.New()

// GetLogger returns the 'logrus.Logger' instance used by this package.
func GetLogger() *log.Logger {
	return log_
}

const (
	oldMagic = "ld.so-1.7.0"
	newMagic = "glibc-ld.so.cache1.1"
)

// Flags packs two fields glibc's own dl-cache.h defines: a low byte
// FLAG_TYPE_* (this package only ever sees FLAG_ELF_LIBC6) and a high
// byte FLAG_REQUIRED_MASK selecting the 64-bit ABI when one applies
// (FLAG_X8664_LIB64, FLAG_AARCH64_LIB64, FLAG_POWERPC_LIB64, ...); a
// plain 32-bit ix86 entry carries FLAG_ELF_LIBC6 with a zero high byte.
const (
	flagTypeMask     = 0x00ff
	flagTypeELFLibc6 = 0x0003
	flagArchMask     = 0xff00

	archBit32 = flagTypeELFLibc6           // FLAG_ELF_LIBC6, no arch high byte
	archBit64 = flagTypeELFLibc6 | 0x0300  // + FLAG_X8664_LIB64
)

// Is64Bit and Is32Bit classify an entry's Flags field the way glibc's own
// cache_libcmp does: FLAG_ELF_LIBC6 in the low byte, and a non-zero high
// byte meaning some 64-bit ABI was recorded.
func Is64Bit(flags int32) bool {
	return flags&flagTypeMask == flagTypeELFLibc6 && flags&flagArchMask != 0
}

func Is32Bit(flags int32) bool {
	return flags&flagTypeMask == flagTypeELFLibc6 && flags&flagArchMask == 0
}

// Entry is one resolved record: the library's SONAME, its raw glibc
// flags word, its hwcap bitmask (new format only, 0 in the old format),
// and the absolute path glibc would dlopen for it.
type Entry struct {
	SONAME string
	Flags  int32
	HWCap  uint64
	Path   string
}

// Cache is a parsed, in-memory ld.so.cache: every entry it holds, in
// on-disk order.
type Cache struct {
	Entries []Entry
}

// Load reads and parses the ld.so.cache file at path.
func Load(path string) (*Cache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.IO, err, "reading %s", path)
	}
	return Parse(data)
}

// Parse decodes the raw bytes of an ld.so.cache file, old or new format.
func Parse(data []byte) (*Cache, error) {
	if bytes.HasPrefix(data, []byte(oldMagic)) {
		return parseOld(data)
	}
	if off := bytes.Index(data, []byte(oldMagic)); off > 0 && off < 64 {
		// The old-format magic sits a few bytes in rather than at
		// offset 0: look for the "glibc-ld.so.cache1.1" magic after it.
		// A file that starts with the old magic, including glibc's
		// combined old+new layout, is parsed by parseOld above.
		rest := data[off:]
		if idx := bytes.Index(rest, []byte(newMagic)); idx >= 0 {
			return parseNew(rest[idx:])
		}
	}
	if bytes.HasPrefix(data, []byte(newMagic)) {
		return parseNew(data)
	}
	return nil, errdefs.New(errdefs.PathInvalid, "unrecognized ld.so.cache header")
}

type oldEntryHeader struct {
	Flags  int32
	KeyOff int32
	ValOff int32
}

func parseOld(data []byte) (*Cache, error) {
	off := len(oldMagic)
	if off+4 > len(data) {
		return nil, errdefs.New(errdefs.PathInvalid, "truncated ld.so.cache (old format header)")
	}
	count := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4

	const entrySize = 12
	cache := &Cache{}
	for i := 0; i < count; i++ {
		if off+entrySize > len(data) {
			return nil, errdefs.New(errdefs.PathInvalid, "truncated ld.so.cache (entry %d)", i)
		}
		var h oldEntryHeader
		h.Flags = int32(binary.LittleEndian.Uint32(data[off:]))
		h.KeyOff = int32(binary.LittleEndian.Uint32(data[off+4:]))
		h.ValOff = int32(binary.LittleEndian.Uint32(data[off+8:]))
		off += entrySize

		key, err := readCString(data, int(h.KeyOff))
		if err != nil {
			return nil, err
		}
		val, err := readCString(data, int(h.ValOff))
		if err != nil {
			return nil, err
		}
		cache.Entries = append(cache.Entries, Entry{SONAME: key, Flags: h.Flags, Path: val})
	}
	return cache, nil
}

type newEntryHeader struct {
	Flags      int32
	KeyOff     uint32
	ValOff     uint32
	OSVersion  uint32
	HWCap      uint64
}

func parseNew(data []byte) (*Cache, error) {
	off := len(newMagic)
	if off+4 > len(data) {
		return nil, errdefs.New(errdefs.PathInvalid, "truncated ld.so.cache (new format header)")
	}
	count := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4 + 4 + 20 // nlibs, len_strings, 5 reserved u32s per glibc's cache_file_new

	const entrySize = 24
	cache := &Cache{}
	for i := 0; i < count; i++ {
		if off+entrySize > len(data) {
			return nil, errdefs.New(errdefs.PathInvalid, "truncated ld.so.cache (entry %d)", i)
		}
		var h newEntryHeader
		h.Flags = int32(binary.LittleEndian.Uint32(data[off:]))
		h.KeyOff = binary.LittleEndian.Uint32(data[off+4:])
		h.ValOff = binary.LittleEndian.Uint32(data[off+8:])
		h.OSVersion = binary.LittleEndian.Uint32(data[off+12:])
		h.HWCap = binary.LittleEndian.Uint64(data[off+16:])
		off += entrySize

		key, err := readCString(data, int(h.KeyOff))
		if err != nil {
			return nil, err
		}
		val, err := readCString(data, int(h.ValOff))
		if err != nil {
			return nil, err
		}
		cache.Entries = append(cache.Entries, Entry{SONAME: key, Flags: h.Flags, HWCap: h.HWCap, Path: val})
	}
	return cache, nil
}

func readCString(data []byte, off int) (string, error) {
	if off < 0 || off >= len(data) {
		return "", errdefs.New(errdefs.PathInvalid, "string offset %d out of range", off)
	}
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return "", errdefs.New(errdefs.PathInvalid, "unterminated string at offset %d", off)
	}
	return string(data[off : off+end]), nil
}

// Selector chooses among several candidates resolving the same SONAME,
// returning the index of the winner, or -1 if none is acceptable.
type Selector func(candidates []Entry) int

// Resolve returns every entry whose SONAME matches soname and whose
// Flags pass want64 (Is64Bit when true, Is32Bit when false), then lets
// sel break a tie among them. A nil sel with more than one match returns
// the first.
func (c *Cache) Resolve(soname string, want64 bool, sel Selector) (Entry, bool) {
	var candidates []Entry
	for _, e := range c.Entries {
		if e.SONAME != soname {
			continue
		}
		if want64 && !Is64Bit(e.Flags) {
			continue
		}
		if !want64 && !Is32Bit(e.Flags) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return Entry{}, false
	}
	if len(candidates) == 1 || sel == nil {
		return candidates[0], true
	}
	i := sel(candidates)
	if i < 0 || i >= len(candidates) {
		return Entry{}, false
	}
	return candidates[i], true
}
