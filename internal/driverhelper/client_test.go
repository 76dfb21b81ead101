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

package driverhelper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeChildConfigRoundTrips(t *testing.T) {
	cfg := Config{DriverRoot: "/driver", UnprivUID: 1000, UnprivGID: 1000}
	encoded, err := encodeChildConfig(cfg)
	require.NoError(t, err)

	decoded, err := DecodeChildConfig(encoded)
	require.NoError(t, err)
	require.Equal(t, cfg, decoded)
}

func TestDecodeChildConfigRejectsInvalidBase64(t *testing.T) {
	_, err := DecodeChildConfig("not-valid-base64!!!")
	require.Error(t, err)
}
