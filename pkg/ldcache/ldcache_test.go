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

package ldcache

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildOldCache assembles a minimal old-format ld.so.cache with one
// (soname, flags, path) entry, matching the on-disk layout parseOld
// expects: magic, count, then fixed entries, then the NUL-terminated
// strings the entries' offsets point into.
func buildOldCache(t *testing.T, soname string, flags int32, path string) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(oldMagic)
	binary.Write(&buf, binary.LittleEndian, int32(1))

	stringsStart := buf.Len() + 12 // one entry header follows
	keyOff := stringsStart
	valOff := keyOff + len(soname) + 1

	binary.Write(&buf, binary.LittleEndian, flags)
	binary.Write(&buf, binary.LittleEndian, int32(keyOff))
	binary.Write(&buf, binary.LittleEndian, int32(valOff))

	buf.WriteString(soname)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	return buf.Bytes()
}

func buildNewCache(t *testing.T, soname string, flags int32, hwcap uint64, path string) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(newMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // nlibs
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // len_strings (unused by this parser)
	buf.Write(make([]byte, 20))                        // unused[5]

	stringsStart := buf.Len() + 24
	keyOff := stringsStart
	valOff := keyOff + len(soname) + 1

	binary.Write(&buf, binary.LittleEndian, flags)
	binary.Write(&buf, binary.LittleEndian, uint32(keyOff))
	binary.Write(&buf, binary.LittleEndian, uint32(valOff))
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // osversion
	binary.Write(&buf, binary.LittleEndian, hwcap)

	buf.WriteString(soname)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	return buf.Bytes()
}

func TestParseOldFormat(t *testing.T) {
	data := buildOldCache(t, "libnvidia-ml.so.1", archBit64, "/usr/lib/x86_64-linux-gnu/libnvidia-ml.so.535.129.03")
	cache, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, cache.Entries, 1)
	require.Equal(t, "libnvidia-ml.so.1", cache.Entries[0].SONAME)
	require.True(t, Is64Bit(cache.Entries[0].Flags))
}

func TestParseNewFormat(t *testing.T) {
	data := buildNewCache(t, "libcuda.so.1", archBit64, 0, "/usr/lib/x86_64-linux-gnu/libcuda.so.535.129.03")
	cache, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, cache.Entries, 1)
	require.Equal(t, "libcuda.so.1", cache.Entries[0].SONAME)
	require.Equal(t, "/usr/lib/x86_64-linux-gnu/libcuda.so.535.129.03", cache.Entries[0].Path)
}

func TestParseUnrecognizedHeader(t *testing.T) {
	_, err := Parse([]byte("not a cache file"))
	require.Error(t, err)
}

func TestResolvePicksArchMatch(t *testing.T) {
	cache := &Cache{Entries: []Entry{
		{SONAME: "libnvidia-glcore.so.1", Flags: archBit32, Path: "/usr/lib/i386-linux-gnu/libnvidia-glcore.so.535.129.03"},
		{SONAME: "libnvidia-glcore.so.1", Flags: archBit64, Path: "/usr/lib/x86_64-linux-gnu/libnvidia-glcore.so.535.129.03"},
	}}

	entry, ok := cache.Resolve("libnvidia-glcore.so.1", true, nil)
	require.True(t, ok)
	require.Contains(t, entry.Path, "x86_64")

	entry, ok = cache.Resolve("libnvidia-glcore.so.1", false, nil)
	require.True(t, ok)
	require.Contains(t, entry.Path, "i386")
}

func TestResolveNoMatch(t *testing.T) {
	cache := &Cache{}
	_, ok := cache.Resolve("libcuda.so.1", true, nil)
	require.False(t, ok)
}

func TestIs32BitAndIs64BitAreDisjoint(t *testing.T) {
	require.True(t, Is32Bit(archBit32))
	require.False(t, Is64Bit(archBit32))
	require.True(t, Is64Bit(archBit64))
	require.False(t, Is32Bit(archBit64))
}

func TestResolveUsesSelector(t *testing.T) {
	cache := &Cache{Entries: []Entry{
		{SONAME: "libGLX_nvidia.so.0", Flags: archBit64, Path: "/usr/lib/x86_64-linux-gnu/libGLX_nvidia.so.0"},
		{SONAME: "libGLX_nvidia.so.0", Flags: archBit64, Path: "/usr/lib/x86_64-linux-gnu/alt/libGLX_nvidia.so.0"},
	}}

	entry, ok := cache.Resolve("libGLX_nvidia.so.0", true, func(candidates []Entry) int {
		for i, c := range candidates {
			if bytes.Contains([]byte(c.Path), []byte("alt")) {
				return i
			}
		}
		return -1
	})
	require.True(t, ok)
	require.Contains(t, entry.Path, "alt")
}
