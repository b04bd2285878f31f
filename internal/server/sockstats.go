// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

package server

import (
	"fmt"
	"net"

	"github.com/simeonmiteff/go-tcpinfo/pkg/tcpinfo"
)

// ConnStats is the subset of kernel TCP_INFO surfaced by the
// introspection API: round-trip time and connection state, beyond
// anything the VdS protocol itself reports.
type ConnStats struct {
	State string  `json:"state"`
	RTTMs float64 `json:"rtt_ms"`
}

// connStats reads kernel TCP_INFO for nc, when nc is a *net.TCPConn on
// a platform the tcpinfo dependency supports. It returns an error on
// any other connection type or platform.
func connStats(nc net.Conn) (*ConnStats, error) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("server: tcp_info unavailable for %T", nc)
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("server: syscall conn: %w", err)
	}

	var info *tcpinfo.SysInfo
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		info, sockErr = tcpinfo.GetTCPInfo(fd)
	}); err != nil {
		return nil, fmt.Errorf("server: control: %w", err)
	}
	if sockErr != nil {
		return nil, fmt.Errorf("server: tcp_info: %w", sockErr)
	}

	full := info.ToInfo()
	return &ConnStats{
		State: full.State,
		RTTMs: float64(full.RTT.Microseconds()) / 1000,
	}, nil
}
