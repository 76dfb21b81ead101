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

// Package rpc implements the privileged RPC transport: a paired
// AF_UNIX/SOCK_STREAM socket connecting the coordinator to one forked
// helper process, a single typed call/response per round trip, and a
// shutdown handshake that escalates from a terminal RPC to SIGTERM to
// SIGKILL.
//
// Wire format stands in for the source's ONC-style stub dispatcher: each
// frame is a 4-byte big-endian length prefix followed by a gob-encoded
// envelope. gob gives the typed-payload marshalling the ONC stubs
// provided in the original, without hand-rolling an XDR codec.
package rpc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/errdefs"
)

var log_ = log.New()

// GetLogger returns the 'logrus.Logger' instance used by this package.
func GetLogger() *log.Logger {
	return log_
}

// DefaultCallTimeout is the default per-call timeout.
const DefaultCallTimeout = 10 * time.Second

// reapPollInterval is the POLLRDHUP polling window used during shutdown
// before escalating from SIGTERM to SIGKILL.
const reapPollInterval = 10 * time.Millisecond

// request is the envelope sent from client to helper.
type request struct {
	Proc    string
	Payload []byte
}

// response is the envelope sent from helper to client.
type response struct {
	OK      bool
	Payload []byte
	ErrKind string
	ErrMsg  string
	ErrCode int32
}

// HandlerFunc answers one RPC call inside the helper process.
type HandlerFunc func(payload []byte) ([]byte, error)

// Helper is a forked, single-program/version RPC server. It is created
// by Spawn in the coordinator process and torn down by Shutdown.
type Helper struct {
	cmd  *exec.Cmd
	conn net.Conn
}

// Server runs inside the helper process: it owns the child side of the
// socketpair and dispatches incoming requests to registered handlers
// until the client sends the terminal "shutdown" RPC or the connection
// is lost.
type Server struct {
	conn     net.Conn
	handlers map[string]HandlerFunc
}

// NewServer wraps fd (inherited from the parent via ExtraFiles) as the
// helper's side of the socketpair and sets PR_SET_PDEATHSIG=SIGTERM so a
// crashed coordinator never leaves an orphaned helper behind.
func NewServer(fd int) (*Server, error) {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
		return nil, errdefs.Wrap(errdefs.RPCTransport, err, "setting PR_SET_PDEATHSIG")
	}

	f := os.NewFile(uintptr(fd), "rpc-helper-socket")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.RPCTransport, err, "wrapping helper socket fd %d", fd)
	}

	return &Server{conn: conn, handlers: make(map[string]HandlerFunc)}, nil
}

// Register associates proc with a handler. Call before Serve.
func (s *Server) Register(proc string, h HandlerFunc) {
	s.handlers[proc] = h
}

// Serve blocks, answering one request at a time, until the client sends
// "rpc.shutdown" or the connection is closed.
func (s *Server) Serve() error {
	defer s.conn.Close()
	for {
		req, err := readFrame[request](s.conn)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errdefs.Wrap(errdefs.RPCTransport, err, "reading request frame")
		}

		if req.Proc == "rpc.shutdown" {
			_ = writeFrame(s.conn, response{OK: true})
			return nil
		}

		handler, ok := s.handlers[req.Proc]
		if !ok {
			_ = writeFrame(s.conn, response{OK: false, ErrKind: string(errdefs.RPCMarshal), ErrMsg: fmt.Sprintf("unknown proc %q", req.Proc)})
			continue
		}

		payload, herr := handler(req.Payload)
		if herr != nil {
			kind, ok := errdefs.KindOf(herr)
			if !ok {
				kind = errdefs.RemoteError
			}
			if err := writeFrame(s.conn, response{OK: false, ErrKind: string(kind), ErrMsg: herr.Error()}); err != nil {
				return errdefs.Wrap(errdefs.RPCTransport, err, "writing error response for %q", req.Proc)
			}
			continue
		}

		if err := writeFrame(s.conn, response{OK: true, Payload: payload}); err != nil {
			return errdefs.Wrap(errdefs.RPCTransport, err, "writing response for %q", req.Proc)
		}
	}
}

// Spawn forks the current binary with args, handing it the child side of
// a freshly created socketpair as fd 3 (the first entry of ExtraFiles).
// reexecArgs must cause the child to call NewServer(3) and Serve() —
// typically by checking os.Args[0]/a sentinel flag in main().
func Spawn(reexecArgs []string) (*Helper, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.RPCTransport, err, "creating socketpair")
	}

	parentFile := os.NewFile(uintptr(fds[0]), "rpc-client-socket")
	childFile := os.NewFile(uintptr(fds[1]), "rpc-server-socket")
	defer childFile.Close()

	cmd := exec.Command(reexecArgs[0], reexecArgs[1:]...)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		parentFile.Close()
		return nil, errdefs.Wrap(errdefs.RPCTransport, err, "starting helper process")
	}

	conn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, errdefs.Wrap(errdefs.RPCTransport, err, "wrapping client socket")
	}

	return &Helper{cmd: cmd, conn: conn}, nil
}

// Call performs one synchronous RPC with the default timeout. SIGPIPE is
// never delivered to this process for socket writes (the Go runtime
// reports EPIPE as an ordinary write error instead), so every call is
// effectively SIGPIPE-ignored without an explicit signal.Ignore call.
func (h *Helper) Call(proc string, payload []byte) ([]byte, error) {
	return h.CallWithTimeout(proc, payload, DefaultCallTimeout)
}

// CallWithTimeout is Call with an explicit deadline.
func (h *Helper) CallWithTimeout(proc string, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := h.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errdefs.Wrap(errdefs.RPCTransport, err, "setting call deadline")
	}
	defer h.conn.SetDeadline(time.Time{})

	if err := writeFrame(h.conn, request{Proc: proc, Payload: payload}); err != nil {
		return nil, errdefs.Wrap(errdefs.RPCTransport, err, "writing request %q", proc)
	}

	resp, err := readFrame[response](h.conn)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.RPCTransport, err, "reading response for %q", proc)
	}

	if !resp.OK {
		kind := errdefs.Kind(resp.ErrKind)
		if kind == "" {
			kind = errdefs.RemoteError
		}
		return nil, (&errdefs.Error{Kind: kind, Msg: resp.ErrMsg}).WithStatus(resp.ErrCode)
	}
	return resp.Payload, nil
}

// Shutdown performs a terminal RPC first; if that is not acknowledged
// within timeout, it escalates to SIGTERM, a short POLLRDHUP poll
// window, then SIGKILL, followed by an unconditional waitpid to reap the
// child.
func (h *Helper) Shutdown(timeout time.Duration) error {
	_, callErr := h.CallWithTimeout("rpc.shutdown", nil, timeout)
	if callErr == nil {
		return h.waitAndClose()
	}

	log_.Debugf("graceful shutdown RPC failed (%v); escalating to SIGTERM", callErr)
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(unix.SIGTERM)
	}

	deadline := time.Now().Add(reapPollInterval)
	for time.Now().Before(deadline) {
		if h.peerHungUp() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(unix.SIGKILL)
	}
	return h.waitAndClose()
}

func (h *Helper) peerHungUp() bool {
	uc, ok := h.conn.(*net.UnixConn)
	if !ok {
		return false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}
	hungUp := false
	_ = raw.Control(func(fd uintptr) {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLRDHUP}}
		n, _ := unix.Poll(pfd, 0)
		if n > 0 && pfd[0].Revents&unix.POLLRDHUP != 0 {
			hungUp = true
		}
	})
	return hungUp
}

func (h *Helper) waitAndClose() error {
	_ = h.conn.Close()
	if h.cmd.Process == nil {
		return nil
	}
	_, err := h.cmd.Process.Wait()
	if err != nil {
		return errdefs.Wrap(errdefs.RPCTransport, err, "reaping helper process")
	}
	return nil
}

func writeFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return errdefs.Wrap(errdefs.RPCMarshal, err, "encoding frame")
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readFrame[T any](r io.Reader) (T, error) {
	var zero T
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return zero, err
	}

	n := binary.BigEndian.Uint32(lenPrefix[:])
	const maxFrame = 64 << 20
	if n > maxFrame {
		return zero, errdefs.New(errdefs.RPCMarshal, "frame of %d bytes exceeds maximum %d", n, maxFrame)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return zero, err
	}

	var v T
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&v); err != nil {
		return zero, errdefs.Wrap(errdefs.RPCMarshal, err, "decoding frame")
	}
	return v, nil
}
