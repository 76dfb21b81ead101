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

package rpc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

// pipeHelper wires a Helper directly to an in-process Server over a
// net.Pipe, bypassing Spawn/fork so the RPC framing and dispatch logic
// can be exercised without an actual child process.
func pipeHelper(t *testing.T) (*Helper, *Server) {
	t.Helper()
	client, server := net.Pipe()
	return &Helper{conn: client}, &Server{conn: server, handlers: make(map[string]HandlerFunc)}
}

func TestCallRoundTrip(t *testing.T) {
	helper, server := pipeHelper(t)
	server.Register("echo", func(payload []byte) ([]byte, error) {
		out := append([]byte("echo:"), payload...)
		return out, nil
	})

	go server.Serve()

	resp, err := helper.Call("echo", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "echo:hello", string(resp))
}

func TestCallRemoteError(t *testing.T) {
	helper, server := pipeHelper(t)
	server.Register("fail", func(payload []byte) ([]byte, error) {
		return nil, errdefs.New(errdefs.CgroupIO, "boom")
	})

	go server.Serve()

	_, err := helper.Call("fail", nil)
	require.Error(t, err)
	require.True(t, errdefs.Is(err, errdefs.CgroupIO))
}

func TestCallUnknownProc(t *testing.T) {
	helper, server := pipeHelper(t)
	go server.Serve()

	_, err := helper.Call("nonexistent", nil)
	require.Error(t, err)
	require.True(t, errdefs.Is(err, errdefs.RPCMarshal))
}

func TestCallTimeout(t *testing.T) {
	helper, server := pipeHelper(t)
	server.Register("hang", func(payload []byte) ([]byte, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})
	go server.Serve()

	_, err := helper.CallWithTimeout("hang", nil, time.Millisecond)
	require.Error(t, err)
}
