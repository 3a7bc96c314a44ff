// Package netio owns the raw UDP socket IT-Link transmits and receives
// on, tuned per leg (spec.md §4.1's "local/remote interface pair").
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package netio

import (
	"context"
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SocketOptions are the per-leg UDP buffer/reuse tunables a deployment may
// need at scale (many legs sharing a host, bursty flood traffic).
type SocketOptions struct {
	RecvBufBytes int
	SendBufBytes int
	ReuseAddr    bool
}

// DefaultSocketOptions mirrors sane defaults for a daemon carrying
// Priority-Flood belly traffic: generous buffers to absorb flood bursts
// without kernel-level drops ahead of IT-Link's own loss detection.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{RecvBufBytes: 4 << 20, SendBufBytes: 4 << 20, ReuseAddr: true}
}

// Tune applies SocketOptions to a *net.UDPConn's underlying file
// descriptor via golang.org/x/sys/unix, the same escape hatch the
// teacher reaches for whenever net/syscall's portable surface falls
// short of a specific knob (ios/fsutils_linux.go, unix.Statfs_t).
func Tune(conn *net.UDPConn, opts SocketOptions) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "netio: syscall conn")
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		if opts.RecvBufBytes > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBufBytes); e != nil {
				setErr = errors.Wrap(e, "netio: SO_RCVBUF")
				return
			}
		}
		if opts.SendBufBytes > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBufBytes); e != nil {
				setErr = errors.Wrap(e, "netio: SO_SNDBUF")
				return
			}
		}
		if opts.ReuseAddr {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
				setErr = errors.Wrap(e, "netio: SO_REUSEADDR")
				return
			}
		}
	})
	if err != nil {
		return errors.Wrap(err, "netio: control")
	}
	return setErr
}

// ListenUDP opens and tunes a UDP socket for one leg.
func ListenUDP(laddr *net.UDPAddr, opts SocketOptions) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				if opts.ReuseAddr {
					setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				}
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", laddr.String())
	if err != nil {
		return nil, errors.Wrap(err, "netio: listen")
	}
	conn := pc.(*net.UDPConn)
	if err := Tune(conn, opts); err != nil {
		return nil, err
	}
	return conn, nil
}
